// Package memory is an in-process implementation of every repository. It
// enforces the same unique constraints as the Postgres schema and is used by
// tests and by the "memory" store driver.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
)

type recordState struct {
	id        uuid.UUID
	patientID uuid.UUID
	entries   []model.Entry
	createdAt time.Time
	updatedAt time.Time
}

// DB holds all tables behind one lock.
type DB struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]model.Account
	patients map[uuid.UUID]model.Patient
	records  map[uuid.UUID]*recordState // keyed by patient id
	seq      int64
	created  map[uuid.UUID]int64 // insertion order for patients
	now      func() time.Time
}

func New() *DB {
	return &DB{
		accounts: make(map[uuid.UUID]model.Account),
		patients: make(map[uuid.UUID]model.Patient),
		records:  make(map[uuid.UUID]*recordState),
		created:  make(map[uuid.UUID]int64),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewStore returns a Store backed by a fresh DB.
func NewStore() *repository.Store {
	db := New()
	return db.Store()
}

func (db *DB) Store() *repository.Store {
	return &repository.Store{
		Accounts: &accountRepository{db},
		Patients: &patientRepository{db},
		Records:  &recordRepository{db},
		Health:   db,
		Close:    func() error { return nil },
	}
}

func (db *DB) Ping(ctx context.Context) error {
	return ctx.Err()
}

type accountRepository struct{ db *DB }

func (r *accountRepository) Create(ctx context.Context, account *model.Account) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, a := range r.db.accounts {
		if a.Email == account.Email {
			return repository.ErrDuplicate
		}
	}
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := r.db.now()
	account.CreatedAt = now
	account.UpdatedAt = now
	r.db.accounts[account.ID] = *account
	return nil
}

func (r *accountRepository) Get(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	a, ok := r.db.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	for _, a := range r.db.accounts {
		if a.Email == email {
			a := a
			return &a, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *accountRepository) Update(ctx context.Context, account *model.Account) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	current, ok := r.db.accounts[account.ID]
	if !ok {
		return repository.ErrNotFound
	}
	current.Name = account.Name
	current.Role = account.Role
	current.Status = account.Status
	current.PasswordHash = account.PasswordHash
	current.UpdatedAt = r.db.now()
	account.UpdatedAt = current.UpdatedAt
	r.db.accounts[account.ID] = current
	return nil
}

func (r *accountRepository) List(ctx context.Context) ([]*model.Account, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	out := make([]*model.Account, 0, len(r.db.accounts))
	for _, a := range r.db.accounts {
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *accountRepository) Count(ctx context.Context) (int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	return len(r.db.accounts), nil
}

func (r *accountRepository) CountActiveStaff(ctx context.Context) (int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	n := 0
	for _, a := range r.db.accounts {
		if (a.Role == model.RoleDoctor || a.Role == model.RoleNurse) && a.Status == model.AccountStatusActive {
			n++
		}
	}
	return n, nil
}

type patientRepository struct{ db *DB }

func (r *patientRepository) Create(ctx context.Context, patient *model.Patient) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, p := range r.db.patients {
		if p.PatientID == patient.PatientID || p.QRToken == patient.QRToken {
			return repository.ErrDuplicate
		}
	}
	if patient.ID == uuid.Nil {
		patient.ID = uuid.New()
	}
	now := r.db.now()
	patient.CreatedAt = now
	patient.UpdatedAt = now
	r.db.seq++
	r.db.created[patient.ID] = r.db.seq
	r.db.patients[patient.ID] = clonePatient(*patient)
	return nil
}

func clonePatient(p model.Patient) model.Patient {
	if p.Allergies != nil {
		p.Allergies = append(model.StringList(nil), p.Allergies...)
	}
	if p.LinkedAccountID != nil {
		id := *p.LinkedAccountID
		p.LinkedAccountID = &id
	}
	return p
}

func (r *patientRepository) find(match func(model.Patient) bool) (*model.Patient, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	for _, p := range r.db.patients {
		if match(p) {
			out := clonePatient(p)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *patientRepository) Get(ctx context.Context, id uuid.UUID) (*model.Patient, error) {
	return r.find(func(p model.Patient) bool { return p.ID == id })
}

func (r *patientRepository) GetByCode(ctx context.Context, code string) (*model.Patient, error) {
	return r.find(func(p model.Patient) bool { return p.PatientID == code })
}

func (r *patientRepository) GetByToken(ctx context.Context, token string) (*model.Patient, error) {
	return r.find(func(p model.Patient) bool { return token != "" && p.QRToken == token })
}

func (r *patientRepository) GetByLinkedAccount(ctx context.Context, accountID uuid.UUID) (*model.Patient, error) {
	return r.find(func(p model.Patient) bool { return p.LinkedTo(accountID) })
}

// sorted returns patients newest first, by insertion order.
func (r *patientRepository) sorted() []model.Patient {
	out := make([]model.Patient, 0, len(r.db.patients))
	for _, p := range r.db.patients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return r.db.created[out[i].ID] > r.db.created[out[j].ID] })
	return out
}

func (r *patientRepository) LastCreated(ctx context.Context) (*model.Patient, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	all := r.sorted()
	if len(all) == 0 {
		return nil, repository.ErrNotFound
	}
	out := clonePatient(all[0])
	return &out, nil
}

func (r *patientRepository) List(ctx context.Context, filter model.PatientFilter) ([]*model.Patient, int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(filter.Query))
	matched := make([]model.Patient, 0)
	for _, p := range r.sorted() {
		if q == "" || containsFold(q, p.FirstName, p.LastName, p.Phone, p.QRToken) {
			matched = append(matched, p)
		}
	}

	total := len(matched)
	start := filter.Offset()
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}

	out := make([]*model.Patient, 0, end-start)
	for _, p := range matched[start:end] {
		p := clonePatient(p)
		out = append(out, &p)
	}
	return out, total, nil
}

func containsFold(q string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

func (r *patientRepository) update(id uuid.UUID, fn func(*model.Patient) error) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	p, ok := r.db.patients[id]
	if !ok {
		return repository.ErrNotFound
	}
	if err := fn(&p); err != nil {
		return err
	}
	p.UpdatedAt = r.db.now()
	r.db.patients[id] = p
	return nil
}

func (r *patientRepository) UpdateQR(ctx context.Context, id uuid.UUID, token, image string) error {
	return r.update(id, func(p *model.Patient) error {
		for otherID, other := range r.db.patients {
			if otherID != id && other.QRToken == token {
				return repository.ErrDuplicate
			}
		}
		p.QRToken = token
		p.QRImage = image
		return nil
	})
}

func (r *patientRepository) UpdatePhone(ctx context.Context, id uuid.UUID, phone string) error {
	return r.update(id, func(p *model.Patient) error {
		p.Phone = phone
		return nil
	})
}

func (r *patientRepository) Link(ctx context.Context, id, accountID uuid.UUID) error {
	return r.update(id, func(p *model.Patient) error {
		for otherID, other := range r.db.patients {
			if otherID != id && other.LinkedTo(accountID) {
				return repository.ErrDuplicate
			}
		}
		linked := accountID
		p.LinkedAccountID = &linked
		return nil
	})
}

func (r *patientRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	p, ok := r.db.patients[id]
	if !ok {
		return repository.ErrNotFound
	}
	delete(r.db.records, id)
	delete(r.db.patients, id)
	delete(r.db.created, id)
	if p.LinkedAccountID != nil {
		delete(r.db.accounts, *p.LinkedAccountID)
	}
	return nil
}

func (r *patientRepository) Count(ctx context.Context) (int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	return len(r.db.patients), nil
}

func (r *patientRepository) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	n := 0
	for _, p := range r.db.patients {
		if !p.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type recordRepository struct{ db *DB }

func (s *recordState) aggregate() *model.Record {
	return model.RestoreRecord(s.id, s.patientID, s.entries, s.createdAt, s.updatedAt)
}

func (r *recordRepository) GetByPatient(ctx context.Context, patientID uuid.UUID) (*model.Record, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	s, ok := r.db.records[patientID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.aggregate(), nil
}

func (r *recordRepository) AppendEntry(ctx context.Context, patientID uuid.UUID, entry model.Entry) (*model.Record, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.patients[patientID]; !ok {
		return nil, repository.ErrNotFound
	}
	s, ok := r.db.records[patientID]
	if !ok {
		s = &recordState{id: uuid.New(), patientID: patientID, createdAt: entry.CreatedAt}
		r.db.records[patientID] = s
	}
	s.entries = append(append([]model.Entry(nil), s.entries...), entry)
	s.updatedAt = entry.CreatedAt
	return s.aggregate(), nil
}

func (r *recordRepository) Modify(ctx context.Context, patientID uuid.UUID, fn func(*model.Record) error) (*model.Record, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	s, ok := r.db.records[patientID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rec := s.aggregate()
	if err := fn(rec); err != nil {
		return nil, err
	}
	s.entries = rec.Entries()
	s.updatedAt = rec.UpdatedAt
	return rec, nil
}

func (r *recordRepository) CountEntries(ctx context.Context) (int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	n := 0
	for _, s := range r.db.records {
		n += len(s.entries)
	}
	return n, nil
}

func (r *recordRepository) CountEntriesUpdatedBy(ctx context.Context, author uuid.UUID, since time.Time) (int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	n := 0
	for _, s := range r.db.records {
		for _, e := range s.entries {
			if e.AuthorID == author && !e.UpdatedAt.Before(since) {
				n++
			}
		}
	}
	return n, nil
}
