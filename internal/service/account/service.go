package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/medrecords-api/internal/email"
	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
	"github.com/jwalitptl/medrecords-api/internal/service/rbac"
	apperrors "github.com/jwalitptl/medrecords-api/pkg/errors"
	"github.com/jwalitptl/medrecords-api/pkg/event"
	"github.com/jwalitptl/medrecords-api/pkg/security"
)

type Service struct {
	accounts repository.AccountRepository
	patients repository.PatientRepository
	hasher   security.PasswordHasher
	mailer   email.Service
	authz    *rbac.Service
	events   event.Publisher
	logger   zerolog.Logger
}

func NewService(
	accounts repository.AccountRepository,
	patients repository.PatientRepository,
	hasher security.PasswordHasher,
	mailer email.Service,
	authz *rbac.Service,
	events event.Publisher,
	logger zerolog.Logger,
) *Service {
	return &Service{
		accounts: accounts,
		patients: patients,
		hasher:   hasher,
		mailer:   mailer,
		authz:    authz,
		events:   events,
		logger:   logger.With().Str("component", "accounts").Logger(),
	}
}

func (s *Service) List(ctx context.Context, session model.Session) ([]model.AccountView, error) {
	if err := s.authz.Authorize(session, rbac.ListAccounts, nil); err != nil {
		return nil, err
	}
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	views := make([]model.AccountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, a.View())
	}
	return views, nil
}

// Create adds an account of any role and mails the new user. A failed mail
// does not fail the creation.
func (s *Service) Create(ctx context.Context, session model.Session, req model.CreateAccountRequest) (*model.AccountView, error) {
	if err := s.authz.Authorize(session, rbac.CreateAccount, nil); err != nil {
		return nil, err
	}
	if !req.Role.Valid() {
		return nil, apperrors.Validation("role", "role must be ADMIN, DOCTOR, NURSE or PATIENT")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.Validation("name", "name is required")
	}

	hash, err := s.hash(req.Password)
	if err != nil {
		return nil, err
	}
	account := &model.Account{
		Name:         name,
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Role:         req.Role,
		Status:       model.AccountStatusActive,
		PasswordHash: hash,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperrors.Conflict("email already in use", err)
		}
		return nil, apperrors.Internal(fmt.Errorf("failed to create account: %w", err))
	}

	if err := s.mailer.SendWelcome(ctx, account.Email, account.Name); err != nil {
		s.logger.Warn().Err(err).Str("account_id", account.ID.String()).Msg("welcome mail not sent")
	}
	s.events.Emit(ctx, event.AccountCreated, model.ActorID(session), map[string]interface{}{
		"account_id": account.ID.String(),
		"role":       string(account.Role),
		"source":     "admin",
	})

	view := account.View()
	return &view, nil
}

func (s *Service) hash(password string) (string, error) {
	hash, err := s.hasher.Hash(password)
	if errors.Is(err, security.ErrPasswordTooShort) {
		return "", apperrors.Validation("password", fmt.Sprintf("password must be at least %d characters", security.MinPasswordLen))
	}
	if err != nil {
		return "", apperrors.Internal(err)
	}
	return hash, nil
}

// Update changes role, status or password of any account.
func (s *Service) Update(ctx context.Context, session model.Session, id uuid.UUID, req model.UpdateAccountRequest) (*model.AccountView, error) {
	if err := s.authz.Authorize(session, rbac.UpdateAccount, nil); err != nil {
		return nil, err
	}

	account, err := s.accounts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("user", err)
		}
		return nil, apperrors.Internal(err)
	}

	if req.Role != nil {
		if !req.Role.Valid() {
			return nil, apperrors.Validation("role", "role must be ADMIN, DOCTOR, NURSE or PATIENT")
		}
		if *req.Role != model.RolePatient {
			_, err := s.patients.GetByLinkedAccount(ctx, id)
			if err == nil {
				return nil, apperrors.Validation("role", "account is linked to a patient")
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return nil, apperrors.Internal(err)
			}
		}
		account.Role = *req.Role
	}
	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, apperrors.Validation("status", "status must be ACTIVE or SUSPENDED")
		}
		account.Status = *req.Status
	}
	if req.Password != nil {
		if account.PasswordHash, err = s.hash(*req.Password); err != nil {
			return nil, err
		}
	}

	if err := s.accounts.Update(ctx, account); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("user", err)
		}
		return nil, apperrors.Internal(err)
	}
	view := account.View()
	return &view, nil
}

// UpdateProfile lets any signed-in account change its own name, and a
// linked patient its phone number.
func (s *Service) UpdateProfile(ctx context.Context, session model.Session, req model.UpdateProfileRequest) (*model.SessionUser, error) {
	if err := s.authz.Authorize(session, rbac.UpdateProfile, nil); err != nil {
		return nil, err
	}
	accountID, ok := session.Account()
	if !ok {
		return nil, apperrors.Forbidden("profile updates need an account")
	}

	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("user", err)
		}
		return nil, apperrors.Internal(err)
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperrors.Validation("name", "name cannot be empty")
		}
		account.Name = name
		if err := s.accounts.Update(ctx, account); err != nil {
			return nil, apperrors.Internal(err)
		}
	}

	user := model.UserOf(session)
	user.Name = account.Name
	user.Email = account.Email

	if req.Phone != nil && account.Role == model.RolePatient {
		p, err := s.patients.GetByLinkedAccount(ctx, account.ID)
		switch {
		case err == nil:
			if err := s.patients.UpdatePhone(ctx, p.ID, strings.TrimSpace(*req.Phone)); err != nil {
				return nil, apperrors.Internal(err)
			}
		case errors.Is(err, repository.ErrNotFound):
			return nil, apperrors.Validation("phone", "no patient is linked to this account")
		default:
			return nil, apperrors.Internal(err)
		}
	}
	return &user, nil
}
