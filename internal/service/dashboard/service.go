package dashboard

import (
	"context"
	"errors"
	"time"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
	"github.com/jwalitptl/medrecords-api/internal/service/rbac"
	apperrors "github.com/jwalitptl/medrecords-api/pkg/errors"
)

// patientSource finds the patient behind a patient session.
type patientSource interface {
	Own(ctx context.Context, session model.Session) (*model.Patient, error)
}

type Service struct {
	store    *repository.Store
	patients patientSource
	authz    *rbac.Service
	now      func() time.Time
}

func NewService(store *repository.Store, patients patientSource, authz *rbac.Service) *Service {
	return &Service{
		store:    store,
		patients: patients,
		authz:    authz,
		now:      time.Now,
	}
}

// Stats branches on the session's role. Counters not meaningful for the
// role are left out.
func (s *Service) Stats(ctx context.Context, session model.Session) (*model.DashboardStats, error) {
	if err := s.authz.Authorize(session, rbac.ViewDashboard, nil); err != nil {
		return nil, err
	}

	var (
		stats model.DashboardStats
		err   error
	)
	switch session.SessionRole() {
	case model.RoleAdmin:
		err = s.admin(ctx, &stats)
	case model.RoleDoctor, model.RoleNurse:
		err = s.clinician(ctx, session, &stats)
	case model.RolePatient:
		err = s.patient(ctx, session, &stats)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &stats, nil
}

func (s *Service) admin(ctx context.Context, stats *model.DashboardStats) error {
	counters := []struct {
		dst   **int
		count func(context.Context) (int, error)
	}{
		{&stats.TotalPatients, s.store.Patients.Count},
		{&stats.TotalUsers, s.store.Accounts.Count},
		{&stats.TotalRecords, s.store.Records.CountEntries},
		{&stats.ActiveStaff, s.store.Accounts.CountActiveStaff},
	}
	for _, c := range counters {
		n, err := c.count(ctx)
		if err != nil {
			return err
		}
		*c.dst = &n
	}
	return nil
}

func (s *Service) clinician(ctx context.Context, session model.Session, stats *model.DashboardStats) error {
	today := startOfDay(s.now())

	created, err := s.store.Patients.CountCreatedSince(ctx, today)
	if err != nil {
		return err
	}
	stats.PatientsToday = &created

	updated := 0
	if id, ok := session.Account(); ok {
		if updated, err = s.store.Records.CountEntriesUpdatedBy(ctx, id, today); err != nil {
			return err
		}
	}
	stats.RecordsUpdated = &updated
	return nil
}

func (s *Service) patient(ctx context.Context, session model.Session, stats *model.DashboardStats) error {
	total := 0
	stats.TotalRecords = &total

	p, err := s.patients.Own(ctx, session)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}

	rec, err := s.store.Records.GetByPatient(ctx, p.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	total = rec.Len()
	if total > 0 {
		last := rec.UpdatedAt
		stats.LastVisit = &last
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
