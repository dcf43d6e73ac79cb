// Package eventstore is the append-only, per-aggregate ordered event log with
// optimistic concurrency control and optional snapshots.
//
// Import Path: sagaflow.io/sagaflow/internal/eventstore
package eventstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags the payload of a DomainEvent.
type EventType string

// DomainEvent is an immutable, committed fact about one aggregate.
type DomainEvent struct {
	EventID        string `json:"event_id"`
	AggregateID    string `json:"aggregate_id"`
	AggregateType  string `json:"aggregate_type"`
	SequenceNumber int64  `json:"sequence_number"`
	// GlobalPosition orders events across all aggregates in commit order.
	GlobalPosition int64           `json:"global_position"`
	EventType      EventType       `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// DecodePayload unmarshals the payload into v.
func (e DomainEvent) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of %s@%d: %w", e.EventType, e.AggregateID, e.SequenceNumber, err)
	}
	return nil
}

// PendingEvent is an event not yet appended. The store assigns identity,
// sequence number, and global position.
type PendingEvent struct {
	AggregateType string
	EventType     EventType
	Payload       json.RawMessage
	// OccurredAt defaults to the append time when zero.
	OccurredAt time.Time
}

// NewEvent marshals payload into a PendingEvent.
func NewEvent(aggregateType string, eventType EventType, payload any) (PendingEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return PendingEvent{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return PendingEvent{AggregateType: aggregateType, EventType: eventType, Payload: data}, nil
}

// MustEvent is NewEvent for payloads that cannot fail to marshal.
func MustEvent(aggregateType string, eventType EventType, payload any) PendingEvent {
	ev, err := NewEvent(aggregateType, eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Snapshot caches aggregate state at a known version.
type Snapshot struct {
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int64           `json:"version"`
	State         json.RawMessage `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
}

// materialize turns pending events into committed ones starting after version.
func materialize(aggregateID string, version, position int64, pending []PendingEvent, now time.Time) []DomainEvent {
	out := make([]DomainEvent, len(pending))
	for i, p := range pending {
		occurred := p.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}
		out[i] = DomainEvent{
			EventID:        uuid.NewString(),
			AggregateID:    aggregateID,
			AggregateType:  p.AggregateType,
			SequenceNumber: version + int64(i) + 1,
			GlobalPosition: position + int64(i) + 1,
			EventType:      p.EventType,
			Payload:        append(json.RawMessage(nil), p.Payload...),
			OccurredAt:     occurred.UTC(),
		}
	}
	return out
}
