package record

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
	"github.com/jwalitptl/medrecords-api/internal/service/patient"
	"github.com/jwalitptl/medrecords-api/internal/service/rbac"
	apperrors "github.com/jwalitptl/medrecords-api/pkg/errors"
	"github.com/jwalitptl/medrecords-api/pkg/event"
	"github.com/jwalitptl/medrecords-api/pkg/metrics"
	"github.com/jwalitptl/medrecords-api/pkg/storage"
)

const (
	DefaultMaxFiles = 5

	authorCacheTTL = 5 * time.Minute
)

var unknownAuthor = model.AuthorView{Name: "Unknown"}

// Upload is one attachment received with an append.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Content     io.Reader
}

type Service struct {
	records  repository.RecordRepository
	accounts repository.AccountRepository
	patients *patient.Service
	files    storage.Store
	authz    *rbac.Service
	events   event.Publisher
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	authors  *cache.Cache
	maxFiles int
	now      func() time.Time
}

func NewService(
	records repository.RecordRepository,
	accounts repository.AccountRepository,
	patients *patient.Service,
	files storage.Store,
	authz *rbac.Service,
	events event.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
	maxFiles int,
) *Service {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	return &Service{
		records:  records,
		accounts: accounts,
		patients: patients,
		files:    files,
		authz:    authz,
		events:   events,
		metrics:  m,
		logger:   logger.With().Str("component", "records").Logger(),
		authors:  cache.New(authorCacheTTL, 2*authorCacheTTL),
		maxFiles: maxFiles,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AttachmentURL is where a stored attachment can be downloaded.
func AttachmentURL(patientID uuid.UUID, key string) string {
	return fmt.Sprintf("/api/v1/records/%s/attachments/%s", patientID, key)
}

// Get returns the patient's record newest first. A patient without entries
// gets an empty view.
func (s *Service) Get(ctx context.Context, session model.Session, patientID uuid.UUID) (*model.RecordView, error) {
	p, err := s.patients.Load(ctx, session, rbac.ViewRecord, patientID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, p.ID)
}

// Mine is the record of the patient behind a patient session.
func (s *Service) Mine(ctx context.Context, session model.Session) (*model.RecordView, error) {
	p, err := s.patients.Own(ctx, session)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, p.ID)
}

func (s *Service) view(ctx context.Context, patientID uuid.UUID) (*model.RecordView, error) {
	rec, err := s.records.GetByPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &model.RecordView{PatientID: patientID, Entries: []model.EntryView{}}, nil
		}
		return nil, apperrors.Internal(err)
	}
	return s.present(ctx, rec), nil
}

func (s *Service) present(ctx context.Context, rec *model.Record) *model.RecordView {
	newest := rec.Newest()
	view := &model.RecordView{
		PatientID: rec.PatientID,
		Entries:   make([]model.EntryView, 0, len(newest)),
	}
	if len(newest) > 0 {
		updated := rec.UpdatedAt
		view.UpdatedAt = &updated
	}
	for _, e := range newest {
		view.Entries = append(view.Entries, e.View(s.author(ctx, e.AuthorID)))
	}
	return view
}

func (s *Service) author(ctx context.Context, id uuid.UUID) model.AuthorView {
	key := id.String()
	if v, ok := s.authors.Get(key); ok {
		return v.(model.AuthorView)
	}
	acc, err := s.accounts.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn().Err(err).Str("author_id", key).Msg("failed to resolve author")
		}
		return unknownAuthor
	}
	view := model.AuthorView{Name: acc.Name, Role: acc.Role}
	s.authors.SetDefault(key, view)
	return view
}

// Append adds an entry authored by the caller, storing any uploads first.
func (s *Service) Append(ctx context.Context, session model.Session, patientID uuid.UUID, req model.AppendEntryRequest, uploads []Upload) (*model.RecordView, error) {
	if err := s.authz.Authorize(session, rbac.AppendEntry, nil); err != nil {
		return nil, err
	}
	author, ok := session.Account()
	if !ok {
		return nil, apperrors.Forbidden("")
	}
	if len(uploads) > s.maxFiles {
		return nil, apperrors.Validation("files", fmt.Sprintf("at most %d files per entry", s.maxFiles))
	}

	now := s.now()
	entry, err := model.NewEntry(req.Type, req.Text, author, nil, now)
	if err != nil {
		return nil, entryError(err)
	}

	p, err := s.patients.Load(ctx, session, rbac.AppendEntry, patientID)
	if err != nil {
		return nil, err
	}

	var saved []string
	for _, u := range uploads {
		att, key, err := s.store(ctx, p.ID, u)
		if err != nil {
			s.discard(ctx, p.ID, saved)
			return nil, err
		}
		saved = append(saved, key)
		entry.Attachments = append(entry.Attachments, att)
	}

	rec, err := s.records.AppendEntry(ctx, p.ID, entry)
	if err != nil {
		s.discard(ctx, p.ID, saved)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("patient", err)
		}
		return nil, apperrors.Internal(fmt.Errorf("failed to append entry: %w", err))
	}

	s.metrics.ObserveAppend()
	s.events.Emit(ctx, event.EntryAppended, model.ActorID(session), map[string]interface{}{
		"patient_id":  p.ID.String(),
		"entry_id":    entry.ID.String(),
		"type":        string(entry.Type),
		"attachments": len(entry.Attachments),
	})
	return s.present(ctx, rec), nil
}

func (s *Service) store(ctx context.Context, patientID uuid.UUID, u Upload) (model.Attachment, string, error) {
	obj, err := s.files.Save(ctx, patientID.String(), storage.Object{
		Name:        u.Name,
		ContentType: u.ContentType,
		Size:        u.Size,
	}, u.Content)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrFileTooLarge):
			return model.Attachment{}, "", apperrors.Validation("files", fmt.Sprintf("%s is too large", u.Name))
		case errors.Is(err, storage.ErrInvalidContentType):
			return model.Attachment{}, "", apperrors.Validation("files", fmt.Sprintf("%s has an unsupported file type", u.Name))
		case errors.Is(err, storage.ErrMissingFileName):
			return model.Attachment{}, "", apperrors.Validation("files", "file name is required")
		}
		return model.Attachment{}, "", apperrors.Internal(fmt.Errorf("failed to store attachment: %w", err))
	}
	return model.Attachment{
		Name:        obj.Name,
		ContentType: obj.ContentType,
		Size:        obj.Size,
		URL:         AttachmentURL(patientID, obj.Key),
	}, obj.Key, nil
}

// discard removes uploads of an entry that was never written.
func (s *Service) discard(ctx context.Context, patientID uuid.UUID, keys []string) {
	for _, key := range keys {
		if err := s.files.Delete(ctx, patientID.String(), key); err != nil {
			s.logger.Warn().Err(err).Str("patient_id", patientID.String()).Str("key", key).Msg("failed to discard attachment")
		}
	}
}

// GetEntry returns one entry of a record the caller may view.
func (s *Service) GetEntry(ctx context.Context, session model.Session, patientID, entryID uuid.UUID) (*model.EntryView, error) {
	p, err := s.patients.Load(ctx, session, rbac.ViewRecord, patientID)
	if err != nil {
		return nil, err
	}
	rec, err := s.records.GetByPatient(ctx, p.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("entry", err)
		}
		return nil, apperrors.Internal(err)
	}
	e, ok := rec.Entry(entryID)
	if !ok {
		return nil, apperrors.NotFound("entry", model.ErrEntryNotFound)
	}
	view := e.View(s.author(ctx, e.AuthorID))
	return &view, nil
}

// Edit replaces an entry's text. Only the entry's author may edit it, an
// administrator included.
func (s *Service) Edit(ctx context.Context, session model.Session, patientID, entryID uuid.UUID, text string) (view *model.EntryView, err error) {
	defer func() {
		if !apperrors.HasCode(err, apperrors.ErrInternal) {
			s.metrics.ObserveEdit(err == nil)
		}
	}()

	if err := s.authz.Authorize(session, rbac.EditEntry, nil); err != nil {
		return nil, err
	}
	p, err := s.patients.Load(ctx, session, rbac.ViewRecord, patientID)
	if err != nil {
		return nil, err
	}

	editor, _ := session.Account()
	var edited model.Entry
	_, err = s.records.Modify(ctx, p.ID, func(rec *model.Record) error {
		e, err := rec.Edit(entryID, editor, text, s.now())
		if err != nil {
			return err
		}
		edited = e
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound), errors.Is(err, model.ErrEntryNotFound):
			return nil, apperrors.NotFound("entry", err)
		case errors.Is(err, model.ErrNotEntryAuthor):
			s.metrics.ObserveDenied(string(rbac.EditEntry))
			return nil, apperrors.Forbidden("You can only edit your own entries")
		case errors.Is(err, model.ErrEmptyEntryText):
			return nil, apperrors.Validation("text", "text is required")
		}
		return nil, apperrors.Internal(fmt.Errorf("failed to edit entry: %w", err))
	}

	s.events.Emit(ctx, event.EntryEdited, model.ActorID(session), map[string]interface{}{
		"patient_id": p.ID.String(),
		"entry_id":   edited.ID.String(),
	})
	v := edited.View(s.author(ctx, edited.AuthorID))
	return &v, nil
}

// OpenAttachment streams an attachment of a record the caller may view.
func (s *Service) OpenAttachment(ctx context.Context, session model.Session, patientID uuid.UUID, key string) (io.ReadCloser, *model.Attachment, error) {
	p, err := s.patients.Load(ctx, session, rbac.ViewRecord, patientID)
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.records.GetByPatient(ctx, p.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, apperrors.NotFound("attachment", err)
		}
		return nil, nil, apperrors.Internal(err)
	}

	url := AttachmentURL(p.ID, key)
	for _, e := range rec.Entries() {
		for _, att := range e.Attachments {
			if att.URL != url {
				continue
			}
			rc, err := s.files.Open(ctx, p.ID.String(), key)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil, nil, apperrors.NotFound("attachment", err)
				}
				return nil, nil, apperrors.Internal(err)
			}
			att := att
			return rc, &att, nil
		}
	}
	return nil, nil, apperrors.NotFound("attachment", nil)
}

func entryError(err error) error {
	switch {
	case errors.Is(err, model.ErrInvalidEntryType):
		return apperrors.Validation("type", "type must be one of "+strings.Join(entryTypes(), ", "))
	case errors.Is(err, model.ErrEmptyEntryText):
		return apperrors.Validation("text", "text is required")
	}
	return apperrors.Internal(err)
}

func entryTypes() []string {
	return []string{
		string(model.EntryDiagnosis),
		string(model.EntryTestResult),
		string(model.EntryPrescription),
		string(model.EntryNote),
	}
}
