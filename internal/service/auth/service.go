package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
	"github.com/jwalitptl/medrecords-api/pkg/auth"
	apperrors "github.com/jwalitptl/medrecords-api/pkg/errors"
	"github.com/jwalitptl/medrecords-api/pkg/event"
	"github.com/jwalitptl/medrecords-api/pkg/metrics"
	"github.com/jwalitptl/medrecords-api/pkg/security"
)

// Result is a freshly issued session.
type Result struct {
	Token     string
	ExpiresAt time.Time
	User      model.SessionUser
}

type Service struct {
	accounts  repository.AccountRepository
	patients  repository.PatientRepository
	hasher    security.PasswordHasher
	encryptor security.Encryptor
	jwtSvc    auth.JWTService
	events    event.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func NewService(
	accounts repository.AccountRepository,
	patients repository.PatientRepository,
	hasher security.PasswordHasher,
	encryptor security.Encryptor,
	jwtSvc auth.JWTService,
	events event.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Service {
	return &Service{
		accounts:  accounts,
		patients:  patients,
		hasher:    hasher,
		encryptor: encryptor,
		jwtSvc:    jwtSvc,
		events:    events,
		metrics:   m,
		logger:    logger.With().Str("component", "auth").Logger(),
	}
}

// NormalizeEmail is applied before every lookup and insert.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a PATIENT account and signs it in. Staff accounts are
// only created by administrators.
func (s *Service) Register(ctx context.Context, req model.RegisterRequest) (*Result, error) {
	account := &model.Account{
		Name:   strings.TrimSpace(req.Name),
		Email:  NormalizeEmail(req.Email),
		Role:   model.RolePatient,
		Status: model.AccountStatusActive,
	}
	if account.Name == "" {
		return nil, apperrors.Validation("name", "name is required")
	}

	hash, err := s.hasher.Hash(req.Password)
	if errors.Is(err, security.ErrPasswordTooShort) {
		return nil, apperrors.Validation("password", "password is too short")
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	account.PasswordHash = hash

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperrors.Conflict("email already in use", err)
		}
		return nil, apperrors.Internal(fmt.Errorf("failed to register: %w", err))
	}

	s.events.Emit(ctx, event.AccountCreated, account.ID.String(), map[string]interface{}{
		"account_id": account.ID.String(),
		"role":       account.Role,
		"source":     "register",
	})

	return s.issue(model.LinkedPatientSession{AccountID: account.ID, Name: account.Name, Email: account.Email})
}

// Login signs in an ACTIVE account. Every failure looks the same to the caller.
func (s *Service) Login(ctx context.Context, req model.LoginRequest) (*Result, error) {
	account, err := s.accounts.GetByEmail(ctx, NormalizeEmail(req.Email))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.Internal(err)
		}
		s.metrics.ObserveLogin(auth.KindStaff, false)
		return nil, apperrors.InvalidCredentials()
	}
	if account.Status != model.AccountStatusActive || s.hasher.Compare(account.PasswordHash, req.Password) != nil {
		s.metrics.ObserveLogin(auth.KindStaff, false)
		return nil, apperrors.InvalidCredentials()
	}

	session, err := s.sessionForAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveLogin(kindOf(session), true)
	return s.issue(session)
}

func (s *Service) sessionForAccount(ctx context.Context, account *model.Account) (model.Session, error) {
	if account.Role != model.RolePatient {
		return model.StaffSession{AccountID: account.ID, Role: account.Role, Name: account.Name, Email: account.Email}, nil
	}
	session := model.LinkedPatientSession{AccountID: account.ID, Name: account.Name, Email: account.Email}
	p, err := s.patients.GetByLinkedAccount(ctx, account.ID)
	switch {
	case err == nil:
		session.PatientID = p.ID
	case !errors.Is(err, repository.ErrNotFound):
		return nil, apperrors.Internal(err)
	}
	return session, nil
}

// LoginPatient signs in with a patient code and NIC. A linked patient gets
// a session for its account, otherwise a bare patient session.
func (s *Service) LoginPatient(ctx context.Context, req model.PatientLoginRequest) (*Result, error) {
	p, err := s.patients.GetByCode(ctx, strings.TrimSpace(req.PatientID))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.Internal(err)
		}
		s.metrics.ObserveLogin(auth.KindPatient, false)
		return nil, apperrors.InvalidCredentials()
	}

	nic, err := security.OpenString(s.encryptor, p.NIC)
	if err != nil {
		s.logger.Error().Err(err).Str("patient_id", p.PatientID).Msg("failed to open stored NIC")
		return nil, apperrors.Internal(err)
	}
	if subtle.ConstantTimeCompare([]byte(nic), []byte(strings.TrimSpace(req.NIC))) != 1 {
		s.metrics.ObserveLogin(auth.KindPatient, false)
		return nil, apperrors.InvalidCredentials()
	}

	var session model.Session = model.BarePatientSession{PatientID: p.ID, Name: p.FullName(), Email: p.Email}
	if p.LinkedAccountID != nil {
		session = model.LinkedPatientSession{AccountID: *p.LinkedAccountID, PatientID: p.ID, Name: p.FullName(), Email: p.Email}
	}
	s.metrics.ObserveLogin(kindOf(session), true)
	return s.issue(session)
}

func kindOf(session model.Session) string {
	switch session.(type) {
	case model.LinkedPatientSession:
		return auth.KindLinkedPatient
	case model.BarePatientSession:
		return auth.KindPatient
	default:
		return auth.KindStaff
	}
}

func (s *Service) issue(session model.Session) (*Result, error) {
	claims := auth.Claims{
		Role:  string(session.SessionRole()),
		Name:  session.DisplayName(),
		Email: session.ContactEmail(),
		Kind:  kindOf(session),
	}
	switch v := session.(type) {
	case model.StaffSession:
		claims.Subject = v.AccountID.String()
	case model.LinkedPatientSession:
		claims.Subject = v.AccountID.String()
		if v.PatientID != uuid.Nil {
			claims.PatientID = v.PatientID.String()
		}
	case model.BarePatientSession:
		claims.PatientID = v.PatientID.String()
	}

	token, expires, err := s.jwtSvc.Issue(claims)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &Result{Token: token, ExpiresAt: expires, User: model.UserOf(session)}, nil
}

// Authenticate turns a credential back into a session without touching the
// store. Logout does not revoke: a credential stays valid until it expires.
func (s *Service) Authenticate(token string) (model.Session, error) {
	claims, err := s.jwtSvc.Verify(token)
	if err != nil {
		return nil, apperrors.Unauthorized(err)
	}
	return SessionFromClaims(claims)
}

// SessionFromClaims rebuilds the session variant named by the kind claim.
func SessionFromClaims(c *auth.Claims) (model.Session, error) {
	parse := func(s string) (uuid.UUID, error) {
		if s == "" {
			return uuid.Nil, nil
		}
		return uuid.Parse(s)
	}
	subject, err := parse(c.Subject)
	if err != nil {
		return nil, apperrors.Unauthorized(jwt.ErrTokenInvalidClaims)
	}
	patientID, err := parse(c.PatientID)
	if err != nil {
		return nil, apperrors.Unauthorized(jwt.ErrTokenInvalidClaims)
	}

	switch c.Kind {
	case auth.KindStaff:
		role := model.Role(c.Role)
		if subject == uuid.Nil || !role.IsStaff() {
			break
		}
		return model.StaffSession{AccountID: subject, Role: role, Name: c.Name, Email: c.Email}, nil
	case auth.KindLinkedPatient:
		if subject == uuid.Nil {
			break
		}
		return model.LinkedPatientSession{AccountID: subject, PatientID: patientID, Name: c.Name, Email: c.Email}, nil
	case auth.KindPatient:
		if patientID == uuid.Nil {
			break
		}
		return model.BarePatientSession{PatientID: patientID, Name: c.Name, Email: c.Email}, nil
	}
	return nil, apperrors.Unauthorized(jwt.ErrTokenInvalidClaims)
}

// Me describes the session, filling in the email from the store when the
// credential does not carry one.
func (s *Service) Me(ctx context.Context, session model.Session) model.SessionUser {
	user := model.UserOf(session)
	if user.Email != "" {
		return user
	}

	switch v := session.(type) {
	case model.StaffSession:
		if acc, err := s.accounts.Get(ctx, v.AccountID); err == nil {
			user.Email = acc.Email
			user.Name = acc.Name
		}
	case model.LinkedPatientSession:
		if p, err := s.patients.GetByLinkedAccount(ctx, v.AccountID); err == nil {
			user.Email = p.Email
		}
	case model.BarePatientSession:
		if p, err := s.patients.Get(ctx, v.PatientID); err == nil {
			user.Email = p.Email
		}
	}
	return user
}
