// Package rbac is the authorization core: a capability table mapping role
// and operation to a decision, plus the ownership rule for patient scoped
// operations.
package rbac

import (
	"github.com/google/uuid"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/pkg/errors"
	"github.com/jwalitptl/medrecords-api/pkg/metrics"
)

type Operation string

const (
	CreateAccount      Operation = "account.create"
	ListAccounts       Operation = "account.list"
	UpdateAccount      Operation = "account.update"
	CreatePatient      Operation = "patient.create"
	ListPatients       Operation = "patient.list"
	DeletePatient      Operation = "patient.delete"
	RotatePatientToken Operation = "patient.rotate_token"
	LinkPatient        Operation = "patient.link"
	DownloadPatientQR  Operation = "patient.qr_image"
	ResolveToken       Operation = "patient.resolve"
	ViewPatient        Operation = "patient.view"
	ViewRecord         Operation = "record.view"
	AppendEntry        Operation = "record.append"
	EditEntry          Operation = "record.edit"
	ViewOwnPatient     Operation = "me.patient"
	UpdateProfile      Operation = "account.profile"
	ViewDashboard      Operation = "dashboard.view"
)

type Decision int

const (
	// Deny is the zero value so that anything missing from the table is denied.
	Deny Decision = iota
	Allow
	// AllowWithScope grants the operation only on targets the caller owns.
	AllowWithScope
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case AllowWithScope:
		return "allow_with_scope"
	default:
		return "deny"
	}
}

type rule map[model.Role]Decision

var (
	adminOnly   = rule{model.RoleAdmin: Allow}
	clinical    = rule{model.RoleAdmin: Allow, model.RoleDoctor: Allow, model.RoleNurse: Allow}
	prescribers = rule{model.RoleAdmin: Allow, model.RoleDoctor: Allow}
	patientRead = rule{
		model.RoleAdmin:   Allow,
		model.RoleDoctor:  Allow,
		model.RoleNurse:   Allow,
		model.RolePatient: AllowWithScope,
	}
	// authorship is checked by the record itself
	authorsOnly = rule{
		model.RoleAdmin:   AllowWithScope,
		model.RoleDoctor:  AllowWithScope,
		model.RoleNurse:   AllowWithScope,
		model.RolePatient: AllowWithScope,
	}
	anyRole = rule{
		model.RoleAdmin:   Allow,
		model.RoleDoctor:  Allow,
		model.RoleNurse:   Allow,
		model.RolePatient: Allow,
	}
	patientsOnly = rule{model.RolePatient: AllowWithScope}
)

var capabilities = map[Operation]rule{
	CreateAccount:      adminOnly,
	ListAccounts:       adminOnly,
	UpdateAccount:      adminOnly,
	CreatePatient:      adminOnly,
	ListPatients:       adminOnly,
	DeletePatient:      adminOnly,
	RotatePatientToken: adminOnly,
	LinkPatient:        adminOnly,
	DownloadPatientQR:  adminOnly,
	ResolveToken:       clinical,
	AppendEntry:        prescribers,
	ViewPatient:        patientRead,
	ViewRecord:         patientRead,
	EditEntry:          authorsOnly,
	ViewOwnPatient:     patientsOnly,
	UpdateProfile:      anyRole,
	ViewDashboard:      anyRole,
}

// Decide looks the pair up in the capability table. Unknown roles and
// unknown operations are denied.
func Decide(role model.Role, op Operation) Decision {
	if !role.Valid() {
		return Deny
	}
	return capabilities[op][role]
}

// Owns reports whether the session is the patient's own. An account session
// owns the patient currently linked to that account; the pid it carries is
// only a hint from login time and is never trusted. A bare patient session
// owns the patient whose id it carries. Staff sessions never own a patient.
func Owns(s model.Session, p *model.Patient) bool {
	if p == nil {
		return false
	}
	switch v := s.(type) {
	case model.LinkedPatientSession:
		return p.LinkedTo(v.AccountID)
	case model.BarePatientSession:
		return v.PatientID != uuid.Nil && v.PatientID == p.ID
	}
	return false
}

// CanAccess combines the table with the ownership rule. target may be nil
// for operations that are not scoped to a patient.
func CanAccess(s model.Session, op Operation, target *model.Patient) bool {
	if s == nil {
		return false
	}
	switch Decide(s.SessionRole(), op) {
	case Allow:
		return true
	case AllowWithScope:
		if op == EditEntry || op == ViewOwnPatient {
			return true
		}
		return Owns(s, target)
	}
	return false
}

// Service turns decisions into errors and counts denials.
type Service struct {
	metrics *metrics.Metrics
}

func NewService(m *metrics.Metrics) *Service {
	return &Service{metrics: m}
}

// Authorize returns a Forbidden error when the session may not perform op.
func (s *Service) Authorize(session model.Session, op Operation, target *model.Patient) error {
	if CanAccess(session, op, target) {
		return nil
	}
	s.metrics.ObserveDenied(string(op))
	return errors.Forbidden("")
}
