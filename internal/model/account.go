package model

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleDoctor  Role = "DOCTOR"
	RoleNurse   Role = "NURSE"
	RolePatient Role = "PATIENT"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RoleNurse, RolePatient:
		return true
	}
	return false
}

// IsStaff is true for the clinical and administrative roles.
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleDoctor || r == RoleNurse
}

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "ACTIVE"
	AccountStatusSuspended AccountStatus = "SUSPENDED"
)

func (s AccountStatus) Valid() bool {
	return s == AccountStatusActive || s == AccountStatusSuspended
}

// Account is a login identity. Staff accounts and patient accounts share the table.
type Account struct {
	Base
	Name         string        `json:"name" db:"name"`
	Email        string        `json:"email" db:"email"`
	Role         Role          `json:"role" db:"role"`
	Status       AccountStatus `json:"status" db:"status"`
	PasswordHash string        `json:"-" db:"password_hash"`
}

// AccountView is what the API returns for an account.
type AccountView struct {
	ID        uuid.UUID     `json:"id"`
	Name      string        `json:"name"`
	Email     string        `json:"email"`
	Role      Role          `json:"role"`
	Status    AccountStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (a *Account) View() AccountView {
	return AccountView{
		ID:        a.ID,
		Name:      a.Name,
		Email:     a.Email,
		Role:      a.Role,
		Status:    a.Status,
		CreatedAt: a.CreatedAt,
	}
}

// AuthorView is how entry authors are shown. Raw account ids are never exposed.
type AuthorView struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

type RegisterRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type PatientLoginRequest struct {
	PatientID string `json:"patientId" binding:"required"`
	NIC       string `json:"nic" binding:"required"`
}

type CreateAccountRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Role     Role   `json:"role" binding:"required,role"`
}

type UpdateAccountRequest struct {
	Role     *Role          `json:"role" binding:"omitempty,role"`
	Status   *AccountStatus `json:"status" binding:"omitempty,accountstatus"`
	Password *string        `json:"password" binding:"omitempty,min=6"`
}

type UpdateProfileRequest struct {
	Name  *string `json:"name" binding:"omitempty,min=1"`
	Phone *string `json:"phone"`
}

type LinkPatientRequest struct {
	PatientID uuid.UUID `json:"patientId" binding:"required"`
}
