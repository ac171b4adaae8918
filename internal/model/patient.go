package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
	GenderOther  Gender = "Other"
)

func (g Gender) Valid() bool {
	return g == GenderMale || g == GenderFemale || g == GenderOther
}

// DateLayout is the wire format of a date of birth.
const DateLayout = "2006-01-02"

// Patient code format: PT followed by six digits.
const (
	PatientCodePrefix = "PT"
	patientCodeFormat = PatientCodePrefix + "%06d"
)

var patientCodePattern = regexp.MustCompile(PatientCodePrefix + `(\d{6})`)

// FormatPatientCode renders n as a patient code.
func FormatPatientCode(n int) string {
	return fmt.Sprintf(patientCodeFormat, n)
}

// NextPatientCode derives the code following last. An empty or unparseable
// last code starts the sequence at 1.
func NextPatientCode(last string) string {
	m := patientCodePattern.FindStringSubmatch(last)
	if m == nil {
		return FormatPatientCode(1)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return FormatPatientCode(1)
	}
	return FormatPatientCode(n + 1)
}

type Patient struct {
	Base
	CreatedBy       uuid.UUID  `json:"createdBy" db:"created_by"`
	FirstName       string     `json:"firstName" db:"first_name"`
	LastName        string     `json:"lastName" db:"last_name"`
	Gender          Gender     `json:"gender" db:"gender"`
	DOB             time.Time  `json:"dob" db:"dob"`
	Phone           string     `json:"phone,omitempty" db:"phone"`
	Email           string     `json:"email,omitempty" db:"email"`
	NIC             string     `json:"-" db:"nic"`
	PatientID       string     `json:"patientId" db:"patient_id"`
	Allergies       StringList `json:"allergies" db:"allergies"`
	MedicalHistory  string     `json:"medicalHistory" db:"medical_history"`
	QRToken         string     `json:"-" db:"qr_token"`
	QRImage         string     `json:"-" db:"qr_image"`
	LinkedAccountID *uuid.UUID `json:"-" db:"linked_account_id"`
}

// FullName is used for display and download file names.
func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// LinkedTo reports whether accountID is the patient's linked login.
func (p *Patient) LinkedTo(accountID uuid.UUID) bool {
	return p.LinkedAccountID != nil && accountID != uuid.Nil && *p.LinkedAccountID == accountID
}

// QRView carries the live lookup token and its rendered image.
type QRView struct {
	Token string `json:"token"`
	Image string `json:"image,omitempty"`
}

// PatientView is the full demographic view. QR is only filled for callers
// allowed to manage tokens.
type PatientView struct {
	ID             uuid.UUID  `json:"id"`
	PatientID      string     `json:"patientId"`
	FirstName      string     `json:"firstName"`
	LastName       string     `json:"lastName"`
	Gender         Gender     `json:"gender"`
	DOB            string     `json:"dob"`
	Phone          string     `json:"phone,omitempty"`
	Email          string     `json:"email,omitempty"`
	Allergies      []string   `json:"allergies"`
	MedicalHistory string     `json:"medicalHistory"`
	Linked         bool       `json:"linked"`
	QR             *QRView    `json:"qr,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CreatedBy      *uuid.UUID `json:"createdBy,omitempty"`
}

func (p *Patient) View(withQR bool) PatientView {
	v := PatientView{
		ID:             p.ID,
		PatientID:      p.PatientID,
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		Gender:         p.Gender,
		DOB:            p.DOB.Format(DateLayout),
		Phone:          p.Phone,
		Email:          p.Email,
		Allergies:      nonNil(p.Allergies),
		MedicalHistory: p.MedicalHistory,
		Linked:         p.LinkedAccountID != nil,
		CreatedAt:      p.CreatedAt,
	}
	if withQR {
		v.QR = &QRView{Token: p.QRToken, Image: p.QRImage}
		createdBy := p.CreatedBy
		v.CreatedBy = &createdBy
	}
	return v
}

// IdentityView is the triage view returned by token resolution. It never
// carries the token or the image.
type IdentityView struct {
	ID             uuid.UUID `json:"id"`
	FirstName      string    `json:"firstName"`
	LastName       string    `json:"lastName"`
	Gender         Gender    `json:"gender"`
	DOB            string    `json:"dob"`
	Allergies      []string  `json:"allergies"`
	MedicalHistory string    `json:"medicalHistory"`
}

func (p *Patient) Identity() IdentityView {
	return IdentityView{
		ID:             p.ID,
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		Gender:         p.Gender,
		DOB:            p.DOB.Format(DateLayout),
		Allergies:      nonNil(p.Allergies),
		MedicalHistory: p.MedicalHistory,
	}
}

// CreatedPatient is returned right after registration.
type CreatedPatient struct {
	ID        uuid.UUID `json:"id"`
	PatientID string    `json:"patientId"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	QR        QRView    `json:"qr"`
}

func nonNil(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}

// Allergies accepts either a JSON array or a comma separated string.
type Allergies []string

func (a *Allergies) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*a = cleanList(list)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("allergies must be a list or a comma separated string")
	}
	*a = cleanList(strings.Split(s, ","))
	return nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type CreatePatientRequest struct {
	FirstName      string    `json:"firstName" binding:"required"`
	LastName       string    `json:"lastName" binding:"required"`
	Gender         Gender    `json:"gender" binding:"required,gender"`
	DOB            string    `json:"dob" binding:"required,datetime=2006-01-02"`
	Phone          string    `json:"phone"`
	Email          string    `json:"email" binding:"omitempty,email"`
	NIC            string    `json:"nic" binding:"required"`
	Allergies      Allergies `json:"allergies"`
	MedicalHistory string    `json:"medicalHistory"`
}

// PatientFilter drives the admin patient list.
type PatientFilter struct {
	Pagination
	Query string `form:"q"`
}

// PatientPage is one page of the admin list.
type PatientPage struct {
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	Limit    int           `json:"limit"`
	Pages    int           `json:"pages"`
	Patients []PatientView `json:"patients"`
}
