package event

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Domain events published after a successful mutation.
const (
	PatientCreated      EventType = "patient.created"
	PatientDeleted      EventType = "patient.deleted"
	PatientTokenRotated EventType = "patient.token_rotated"
	PatientLinked       EventType = "patient.linked"
	EntryAppended       EventType = "record.entry_appended"
	EntryEdited         EventType = "record.entry_edited"
	AccountCreated      EventType = "account.created"
)

// DefaultChannel is where events go unless configured otherwise.
const DefaultChannel = "medrec.events"

// Event is the envelope written to the broker. Payloads never carry
// QR tokens, NICs or password material.
type Event struct {
	ID         uuid.UUID              `json:"id"`
	Type       EventType              `json:"type"`
	ActorID    string                 `json:"actor_id,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
	OccurredAt time.Time              `json:"occurred_at"`
}
