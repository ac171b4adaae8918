package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EntryType string

const (
	EntryDiagnosis    EntryType = "DIAGNOSIS"
	EntryTestResult   EntryType = "TEST_RESULT"
	EntryPrescription EntryType = "PRESCRIPTION"
	EntryNote         EntryType = "NOTE"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryDiagnosis, EntryTestResult, EntryPrescription, EntryNote:
		return true
	}
	return false
}

type EntryState string

const (
	EntryCreated EntryState = "CREATED"
	EntryEdited  EntryState = "EDITED"
)

var (
	ErrEntryNotFound    = errors.New("entry not found")
	ErrNotEntryAuthor   = errors.New("only the author can edit this entry")
	ErrInvalidEntryType = errors.New("invalid entry type")
	ErrEmptyEntryText   = errors.New("entry text is required")
)

// Attachment references a file held by the attachment store.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

type Entry struct {
	ID          uuid.UUID    `json:"id"`
	Type        EntryType    `json:"type"`
	Text        string       `json:"text"`
	AuthorID    uuid.UUID    `json:"authorId"`
	Attachments []Attachment `json:"attachments"`
	State       EntryState   `json:"state"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Entries is the JSONB column form of a record's log.
type Entries []Entry

func (e Entries) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]Entry(e))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (e *Entries) Scan(src interface{}) error {
	return scanJSON(src, e)
}

// Record is the per-patient clinical log. Entries are kept in append order
// and indexed by id. Authorship rules live in Edit.
type Record struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time

	entries []Entry
	index   map[uuid.UUID]int
}

// NewRecord starts an empty log for a patient.
func NewRecord(patientID uuid.UUID, now time.Time) *Record {
	return RestoreRecord(uuid.New(), patientID, nil, now, now)
}

// RestoreRecord rebuilds an aggregate from stored state.
func RestoreRecord(id, patientID uuid.UUID, entries []Entry, createdAt, updatedAt time.Time) *Record {
	r := &Record{
		ID:        id,
		PatientID: patientID,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		entries:   make([]Entry, 0, len(entries)),
		index:     make(map[uuid.UUID]int, len(entries)),
	}
	for _, e := range entries {
		r.index[e.ID] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return r
}

// Len is the number of entries.
func (r *Record) Len() int {
	return len(r.entries)
}

// Entries returns a copy of the log, oldest first.
func (r *Record) Entries() Entries {
	out := make(Entries, len(r.entries))
	copy(out, r.entries)
	return out
}

// Newest returns a copy of the log, newest first.
func (r *Record) Newest() []Entry {
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[len(r.entries)-1-i] = e
	}
	return out
}

// Entry looks an entry up by id.
func (r *Record) Entry(id uuid.UUID) (Entry, bool) {
	i, ok := r.index[id]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// NewEntry validates a draft and stamps it with author and time. It does not
// touch any record, so the store can append it atomically.
func NewEntry(entryType EntryType, text string, author uuid.UUID, attachments []Attachment, now time.Time) (Entry, error) {
	if !entryType.Valid() {
		return Entry{}, ErrInvalidEntryType
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, ErrEmptyEntryText
	}
	if attachments == nil {
		attachments = []Attachment{}
	}
	return Entry{
		ID:          uuid.New(),
		Type:        entryType,
		Text:        text,
		AuthorID:    author,
		Attachments: attachments,
		State:       EntryCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Append adds a validated entry to the end of the log.
func (r *Record) Append(e Entry) {
	r.index[e.ID] = len(r.entries)
	r.entries = append(r.entries, e)
	if e.UpdatedAt.After(r.UpdatedAt) {
		r.UpdatedAt = e.UpdatedAt
	}
}

// Edit replaces the text of an entry. Only the entry's author may edit it,
// whatever their role; a zero editor id never matches.
func (r *Record) Edit(entryID, editor uuid.UUID, text string, now time.Time) (Entry, error) {
	i, ok := r.index[entryID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	e := r.entries[i]
	if editor == uuid.Nil || e.AuthorID != editor {
		return Entry{}, ErrNotEntryAuthor
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, ErrEmptyEntryText
	}

	e.Text = text
	e.State = EntryEdited
	e.UpdatedAt = now
	r.entries[i] = e
	r.UpdatedAt = now
	return e, nil
}

// EntryView is an entry with its author resolved for display.
type EntryView struct {
	ID          uuid.UUID    `json:"id"`
	Type        EntryType    `json:"type"`
	Text        string       `json:"text"`
	Author      AuthorView   `json:"author"`
	Attachments []Attachment `json:"attachments"`
	State       EntryState   `json:"state"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

func (e Entry) View(author AuthorView) EntryView {
	attachments := e.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	return EntryView{
		ID:          e.ID,
		Type:        e.Type,
		Text:        e.Text,
		Author:      author,
		Attachments: attachments,
		State:       e.State,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

// RecordView is the presentation form: entries newest first.
type RecordView struct {
	PatientID uuid.UUID   `json:"patientId"`
	Entries   []EntryView `json:"entries"`
	UpdatedAt *time.Time  `json:"updatedAt,omitempty"`
}

type AppendEntryRequest struct {
	Type EntryType `json:"type" form:"type" binding:"required,entrytype"`
	Text string    `json:"text" form:"text" binding:"required"`
}

type EditEntryRequest struct {
	Text string `json:"text" binding:"required"`
}
