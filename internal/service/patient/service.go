package patient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
	"github.com/jwalitptl/medrecords-api/internal/service/rbac"
	apperrors "github.com/jwalitptl/medrecords-api/pkg/errors"
	"github.com/jwalitptl/medrecords-api/pkg/event"
	"github.com/jwalitptl/medrecords-api/pkg/metrics"
	"github.com/jwalitptl/medrecords-api/pkg/qrcode"
	"github.com/jwalitptl/medrecords-api/pkg/security"
	"github.com/jwalitptl/medrecords-api/pkg/storage"
)

const (
	defaultPageSize = 10
	maxPageSize     = 50
)

type Service struct {
	patients  repository.PatientRepository
	accounts  repository.AccountRepository
	files     storage.Store
	codec     qrcode.Codec
	encryptor security.Encryptor
	authz     *rbac.Service
	events    event.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	newToken  func() string
}

func NewService(
	patients repository.PatientRepository,
	accounts repository.AccountRepository,
	files storage.Store,
	codec qrcode.Codec,
	encryptor security.Encryptor,
	authz *rbac.Service,
	events event.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Service {
	return &Service{
		patients:  patients,
		accounts:  accounts,
		files:     files,
		codec:     codec,
		encryptor: encryptor,
		authz:     authz,
		events:    events,
		metrics:   m,
		logger:    logger.With().Str("component", "patients").Logger(),
		newToken:  uuid.NewString,
	}
}

// Create registers a patient, minting the next patient code and a fresh QR
// token. The code is derived from the most recently created patient, so two
// concurrent creations can pick the same code; the store rejects the second
// and the caller gets a retryable conflict.
func (s *Service) Create(ctx context.Context, session model.Session, req model.CreatePatientRequest) (*model.CreatedPatient, error) {
	if err := s.authz.Authorize(session, rbac.CreatePatient, nil); err != nil {
		return nil, err
	}

	p, err := s.buildPatient(session, req)
	if err != nil {
		return nil, err
	}

	last := ""
	prev, err := s.patients.LastCreated(ctx)
	switch {
	case err == nil:
		last = prev.PatientID
	case !errors.Is(err, repository.ErrNotFound):
		return nil, apperrors.Internal(fmt.Errorf("failed to read last patient: %w", err))
	}
	p.PatientID = model.NextPatientCode(last)

	p.QRToken = s.newToken()
	if p.QRImage, err = s.codec.Encode(p.QRToken); err != nil {
		return nil, apperrors.Internal(err)
	}

	if err := s.patients.Create(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			s.metrics.ObserveConflict()
			s.logger.Warn().Str("patient_id", p.PatientID).Msg("patient code collision")
			return nil, apperrors.Conflict("patient id already assigned, please retry", err)
		}
		return nil, apperrors.Internal(fmt.Errorf("failed to create patient: %w", err))
	}

	s.metrics.ObservePatientCreated()
	s.events.Emit(ctx, event.PatientCreated, model.ActorID(session), map[string]interface{}{
		"id":         p.ID.String(),
		"patient_id": p.PatientID,
	})
	s.logger.Info().Str("patient_id", p.PatientID).Msg("patient registered")

	return &model.CreatedPatient{
		ID:        p.ID,
		PatientID: p.PatientID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		QR:        model.QRView{Token: p.QRToken, Image: p.QRImage},
	}, nil
}

func (s *Service) buildPatient(session model.Session, req model.CreatePatientRequest) (*model.Patient, error) {
	required := []struct{ field, value string }{
		{"firstName", req.FirstName},
		{"lastName", req.LastName},
		{"nic", req.NIC},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, apperrors.Validation(r.field, r.field+" is required")
		}
	}
	if !req.Gender.Valid() {
		return nil, apperrors.Validation("gender", "gender must be Male, Female or Other")
	}
	dob, err := time.Parse(model.DateLayout, req.DOB)
	if err != nil {
		return nil, apperrors.Validation("dob", "dob must be a date (YYYY-MM-DD)")
	}
	nic, err := security.SealString(s.encryptor, strings.TrimSpace(req.NIC))
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	createdBy, _ := session.Account()
	allergies := model.StringList(req.Allergies)
	if allergies == nil {
		allergies = model.StringList{}
	}
	return &model.Patient{
		CreatedBy:      createdBy,
		FirstName:      strings.TrimSpace(req.FirstName),
		LastName:       strings.TrimSpace(req.LastName),
		Gender:         req.Gender,
		DOB:            dob,
		Phone:          strings.TrimSpace(req.Phone),
		Email:          strings.ToLower(strings.TrimSpace(req.Email)),
		NIC:            nic,
		Allergies:      allergies,
		MedicalHistory: req.MedicalHistory,
	}, nil
}

// List is the administrator's search over name, phone and token.
func (s *Service) List(ctx context.Context, session model.Session, filter model.PatientFilter) (*model.PatientPage, error) {
	if err := s.authz.Authorize(session, rbac.ListPatients, nil); err != nil {
		return nil, err
	}
	filter.Normalize(defaultPageSize, maxPageSize)

	patients, total, err := s.patients.List(ctx, filter)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	page := &model.PatientPage{
		Total:    total,
		Page:     filter.Page,
		Limit:    filter.Limit,
		Pages:    (total + filter.Limit - 1) / filter.Limit,
		Patients: make([]model.PatientView, 0, len(patients)),
	}
	for _, p := range patients {
		page.Patients = append(page.Patients, p.View(true))
	}
	return page, nil
}

// Load fetches a patient the session may view under op. Staff pass on role
// alone, patients only for their own record.
func (s *Service) Load(ctx context.Context, session model.Session, op rbac.Operation, id uuid.UUID) (*model.Patient, error) {
	if session == nil || rbac.Decide(session.SessionRole(), op) == rbac.Deny {
		return nil, s.authz.Authorize(session, op, nil)
	}
	p, err := s.patients.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("patient", err)
		}
		return nil, apperrors.Internal(err)
	}
	if err := s.authz.Authorize(session, op, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, session model.Session, id uuid.UUID) (*model.PatientView, error) {
	p, err := s.Load(ctx, session, rbac.ViewPatient, id)
	if err != nil {
		return nil, err
	}
	view := p.View(rbac.Decide(session.SessionRole(), rbac.RotatePatientToken) == rbac.Allow)
	return &view, nil
}

// Delete removes the patient, its record, its attachments and its linked
// account.
func (s *Service) Delete(ctx context.Context, session model.Session, id uuid.UUID) error {
	if err := s.authz.Authorize(session, rbac.DeletePatient, nil); err != nil {
		return err
	}
	if err := s.patients.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound("patient", err)
		}
		return apperrors.Internal(err)
	}
	if err := s.files.DeleteOwner(ctx, id.String()); err != nil {
		s.logger.Error().Err(err).Str("patient_id", id.String()).Msg("failed to delete attachments")
	}
	s.events.Emit(ctx, event.PatientDeleted, model.ActorID(session), map[string]interface{}{"id": id.String()})
	return nil
}

// RotateToken replaces token and image in a single write. The previous token
// stops resolving as soon as the write commits.
func (s *Service) RotateToken(ctx context.Context, session model.Session, id uuid.UUID) (*model.QRView, error) {
	if err := s.authz.Authorize(session, rbac.RotatePatientToken, nil); err != nil {
		return nil, err
	}

	token := s.newToken()
	image, err := s.codec.Encode(token)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if err := s.patients.UpdateQR(ctx, id, token, image); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, apperrors.NotFound("patient", err)
		case errors.Is(err, repository.ErrDuplicate):
			return nil, apperrors.Conflict("token collision, please retry", err)
		}
		return nil, apperrors.Internal(err)
	}

	s.metrics.ObserveRotation()
	s.events.Emit(ctx, event.PatientTokenRotated, model.ActorID(session), map[string]interface{}{"id": id.String()})
	return &model.QRView{Token: token, Image: image}, nil
}

// Resolve maps a scanned token to the triage view. Tokens are never cached,
// so a rotated token fails immediately.
func (s *Service) Resolve(ctx context.Context, session model.Session, token string) (*model.IdentityView, error) {
	if err := s.authz.Authorize(session, rbac.ResolveToken, nil); err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperrors.Validation("t", "token is required")
	}

	p, err := s.patients.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.ObserveResolution(false)
			return nil, apperrors.NotFound("patient", err)
		}
		return nil, apperrors.Internal(err)
	}
	s.metrics.ObserveResolution(true)
	view := p.Identity()
	return &view, nil
}

// Scan extracts the token from an uploaded image, or from scanned text when
// no image is given, and resolves it.
func (s *Service) Scan(ctx context.Context, session model.Session, text string, image io.Reader) (*model.IdentityView, error) {
	if err := s.authz.Authorize(session, rbac.ResolveToken, nil); err != nil {
		return nil, err
	}

	var (
		token string
		err   error
	)
	if image != nil {
		token, err = s.codec.DecodeImage(image)
	} else {
		token, err = s.codec.DecodeText(text)
	}
	if err != nil {
		return nil, apperrors.Validation("qr", err.Error())
	}
	return s.Resolve(ctx, session, token)
}

// QRImage returns the PNG for download, re-rendering it if the stored image
// is missing.
func (s *Service) QRImage(ctx context.Context, session model.Session, id uuid.UUID) ([]byte, string, error) {
	p, err := s.Load(ctx, session, rbac.DownloadPatientQR, id)
	if err != nil {
		return nil, "", err
	}

	if p.QRImage == "" {
		image, err := s.codec.Encode(p.QRToken)
		if err != nil {
			return nil, "", apperrors.Internal(err)
		}
		if err := s.patients.UpdateQR(ctx, p.ID, p.QRToken, image); err != nil {
			return nil, "", apperrors.Internal(err)
		}
		p.QRImage = image
	}

	png, err := qrcode.DecodeDataURL(p.QRImage)
	if err != nil {
		return nil, "", apperrors.Internal(err)
	}
	name := strings.ReplaceAll(p.FirstName+"-"+p.LastName, " ", "_") + "-qr.png"
	return png, name, nil
}

// Link attaches a PATIENT-role account to a patient.
func (s *Service) Link(ctx context.Context, session model.Session, accountID, patientID uuid.UUID) (*model.PatientView, error) {
	if err := s.authz.Authorize(session, rbac.LinkPatient, nil); err != nil {
		return nil, err
	}

	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("user", err)
		}
		return nil, apperrors.Internal(err)
	}
	if account.Role != model.RolePatient {
		return nil, apperrors.Validation("role", "user is not a PATIENT")
	}

	if err := s.patients.Link(ctx, patientID, accountID); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, apperrors.NotFound("patient", err)
		case errors.Is(err, repository.ErrDuplicate):
			return nil, apperrors.Conflict("user is already linked to another patient", err)
		}
		return nil, apperrors.Internal(err)
	}

	p, err := s.patients.Get(ctx, patientID)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	s.events.Emit(ctx, event.PatientLinked, model.ActorID(session), map[string]interface{}{
		"id":         patientID.String(),
		"account_id": accountID.String(),
	})
	view := p.View(true)
	return &view, nil
}

// Own finds the patient behind a patient session: the patient currently
// linked to the account, or the patient id of a bare session.
func (s *Service) Own(ctx context.Context, session model.Session) (*model.Patient, error) {
	if err := s.authz.Authorize(session, rbac.ViewOwnPatient, nil); err != nil {
		return nil, err
	}

	var (
		p   *model.Patient
		err = repository.ErrNotFound
	)
	switch v := session.(type) {
	case model.LinkedPatientSession:
		p, err = s.patients.GetByLinkedAccount(ctx, v.AccountID)
	case model.BarePatientSession:
		p, err = s.patients.Get(ctx, v.PatientID)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("patient", err)
		}
		return nil, apperrors.Internal(err)
	}
	return p, nil
}

func (s *Service) Mine(ctx context.Context, session model.Session) (*model.PatientView, error) {
	p, err := s.Own(ctx, session)
	if err != nil {
		return nil, err
	}
	view := p.View(false)
	return &view, nil
}
