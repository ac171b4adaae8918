package model

import (
	"github.com/google/uuid"
)

// Session is the authenticated caller. It is one of StaffSession,
// LinkedPatientSession or BarePatientSession.
type Session interface {
	SessionRole() Role
	// Account returns the account behind the session, if there is one.
	Account() (uuid.UUID, bool)
	DisplayName() string
	ContactEmail() string
	isSession()
}

// StaffSession is an ADMIN, DOCTOR or NURSE account.
type StaffSession struct {
	AccountID uuid.UUID
	Role      Role
	Name      string
	Email     string
}

// LinkedPatientSession is a PATIENT-role account. PatientID is uuid.Nil until
// an administrator links the account to a patient.
type LinkedPatientSession struct {
	AccountID uuid.UUID
	PatientID uuid.UUID
	Name      string
	Email     string
}

// BarePatientSession comes from a patientId + NIC login and has no account.
type BarePatientSession struct {
	PatientID uuid.UUID
	Name      string
	Email     string
}

func (s StaffSession) SessionRole() Role          { return s.Role }
func (s StaffSession) Account() (uuid.UUID, bool) { return s.AccountID, true }
func (s StaffSession) DisplayName() string        { return s.Name }
func (s StaffSession) ContactEmail() string       { return s.Email }
func (StaffSession) isSession()                   {}

func (s LinkedPatientSession) SessionRole() Role          { return RolePatient }
func (s LinkedPatientSession) Account() (uuid.UUID, bool) { return s.AccountID, true }
func (s LinkedPatientSession) DisplayName() string        { return s.Name }
func (s LinkedPatientSession) ContactEmail() string       { return s.Email }
func (LinkedPatientSession) isSession()                   {}

func (s BarePatientSession) SessionRole() Role          { return RolePatient }
func (s BarePatientSession) Account() (uuid.UUID, bool) { return uuid.Nil, false }
func (s BarePatientSession) DisplayName() string        { return s.Name }
func (s BarePatientSession) ContactEmail() string       { return s.Email }
func (BarePatientSession) isSession()                   {}

// ActorID is used for audit fields and event payloads.
func ActorID(s Session) string {
	switch v := s.(type) {
	case StaffSession:
		return v.AccountID.String()
	case LinkedPatientSession:
		return v.AccountID.String()
	case BarePatientSession:
		return "patient:" + v.PatientID.String()
	}
	return ""
}

// SessionUser is the public shape returned by /auth/me and login.
type SessionUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Role      Role   `json:"role"`
	PatientID string `json:"patientId,omitempty"`
}

func UserOf(s Session) SessionUser {
	u := SessionUser{Name: s.DisplayName(), Email: s.ContactEmail(), Role: s.SessionRole()}
	switch v := s.(type) {
	case StaffSession:
		u.ID = v.AccountID.String()
	case LinkedPatientSession:
		u.ID = v.AccountID.String()
		if v.PatientID != uuid.Nil {
			u.PatientID = v.PatientID.String()
		}
	case BarePatientSession:
		u.ID = v.PatientID.String()
		u.PatientID = v.PatientID.String()
	}
	return u
}
