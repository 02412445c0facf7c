package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record event types published after a successful CRM mutation.
const (
	EventRecordCreated = "record.created"
	EventRecordUpdated = "record.updated"
	EventRecordDeleted = "record.deleted"
)

// Envelope is the canonical event envelope published to NATS.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Source        string          `json:"source"` // CRM endpoint the record lives on
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Context       RecordContext   `json:"context"`
}

// RecordContext identifies the record an event is about.
type RecordContext struct {
	Module   string `json:"module"`
	RecordID string `json:"record_id,omitempty"`
}

// NewRecordEnvelope builds an envelope for eventType on module/recordID.
// A zero correlationID gets a fresh one.
func NewRecordEnvelope(eventType, topic, source, module, recordID string, correlationID uuid.UUID, payload json.RawMessage) *Envelope {
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}
	return &Envelope{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		Source:        source,
		Topic:         topic,
		EventType:     eventType,
		Version:       "1.0.0",
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
		Context:       RecordContext{Module: module, RecordID: recordID},
	}
}
