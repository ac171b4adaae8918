package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/medrecords-api/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique field (email, patient code, qr token) is taken.
	ErrDuplicate = errors.New("duplicate key")
)

// All repository interfaces in one file
type (
	AccountRepository interface {
		Create(ctx context.Context, account *model.Account) error
		Get(ctx context.Context, id uuid.UUID) (*model.Account, error)
		GetByEmail(ctx context.Context, email string) (*model.Account, error)
		Update(ctx context.Context, account *model.Account) error
		List(ctx context.Context) ([]*model.Account, error)
		Count(ctx context.Context) (int, error)
		CountActiveStaff(ctx context.Context) (int, error)
	}

	PatientRepository interface {
		Create(ctx context.Context, patient *model.Patient) error
		Get(ctx context.Context, id uuid.UUID) (*model.Patient, error)
		GetByCode(ctx context.Context, code string) (*model.Patient, error)
		GetByToken(ctx context.Context, token string) (*model.Patient, error)
		GetByLinkedAccount(ctx context.Context, accountID uuid.UUID) (*model.Patient, error)
		// LastCreated returns the most recently created patient.
		LastCreated(ctx context.Context) (*model.Patient, error)
		List(ctx context.Context, filter model.PatientFilter) ([]*model.Patient, int, error)
		// UpdateQR replaces token and image in one write.
		UpdateQR(ctx context.Context, id uuid.UUID, token, image string) error
		UpdatePhone(ctx context.Context, id uuid.UUID, phone string) error
		Link(ctx context.Context, id, accountID uuid.UUID) error
		// Delete removes the patient together with its record and linked account.
		Delete(ctx context.Context, id uuid.UUID) error
		Count(ctx context.Context) (int, error)
		CountCreatedSince(ctx context.Context, since time.Time) (int, error)
	}

	RecordRepository interface {
		GetByPatient(ctx context.Context, patientID uuid.UUID) (*model.Record, error)
		// AppendEntry creates the record if needed and appends in one write.
		AppendEntry(ctx context.Context, patientID uuid.UUID, entry model.Entry) (*model.Record, error)
		// Modify loads the record under lock, applies fn and saves the result
		// unless fn fails.
		Modify(ctx context.Context, patientID uuid.UUID, fn func(*model.Record) error) (*model.Record, error)
		CountEntries(ctx context.Context) (int, error)
		CountEntriesUpdatedBy(ctx context.Context, author uuid.UUID, since time.Time) (int, error)
	}

	HealthChecker interface {
		Ping(ctx context.Context) error
	}
)

// Store bundles the repositories of one backend.
type Store struct {
	Accounts AccountRepository
	Patients PatientRepository
	Records  RecordRepository
	Health   HealthChecker
	Close    func() error
}
