// Package audit defines the audit trail events emitted for every successful
// record mutation, and the publisher abstraction the store emits them through.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of mutation an event describes.
type EventType string

const (
	EventRecordCreated     EventType = "record.created"
	EventRecordUpdated     EventType = "record.updated"
	EventRecordDeleted     EventType = "record.deleted"
	EventMedicationTracked EventType = "record.medication_tracked"
)

// Event is one audit trail entry. Detail carries the serialized record
// snapshot (or medication entry) at the time of the mutation.
type Event struct {
	ID       string          `json:"id"`
	Type     EventType       `json:"type"`
	RecordID uint64          `json:"record_id"`
	Actor    string          `json:"actor"`
	At       time.Time       `json:"at"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

// NewEvent builds an event with a fresh id and the current wall-clock time.
// A detail that cannot be serialized is dropped rather than failing the
// mutation the event describes.
func NewEvent(eventType EventType, recordID uint64, actor string, detail any) Event {
	ev := Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		RecordID: recordID,
		Actor:    actor,
		At:       time.Now().UTC(),
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			ev.Detail = raw
		}
	}
	return ev
}

// Publisher delivers audit events to a sink. Publishing is best-effort from
// the store's point of view: a failing publisher never fails the mutation.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
