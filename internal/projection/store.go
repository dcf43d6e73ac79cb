// Package projection maintains query-side read models from the committed event log.
//
// A Projector drains the log from a durable checkpoint and routes each event
// to projections through a domain.EventDispatcher. Every read model entry
// remembers the last sequence number it applied per source aggregate, so a
// redelivered event is skipped instead of counted twice.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a kind and key.
	ErrNotFound = errors.New("read model entry not found")
	// ErrRevisionConflict is returned by Put when the stored revision moved.
	ErrRevisionConflict = errors.New("read model revision conflict")
)

// Entry is one read model document.
type Entry struct {
	Kind string          `json:"kind"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
	// SourceVersions maps aggregate ID to the last applied sequence number.
	SourceVersions map[string]int64 `json:"source_versions"`
	// Revision increments on every write; Put compares it.
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Applied reports whether the event at seq from aggregateID is already reflected.
func (e Entry) Applied(aggregateID string, seq int64) bool {
	return e.SourceVersions[aggregateID] >= seq
}

func (e Entry) clone() Entry {
	e.Data = append(json.RawMessage(nil), e.Data...)
	versions := make(map[string]int64, len(e.SourceVersions))
	for k, v := range e.SourceVersions {
		versions[k] = v
	}
	e.SourceVersions = versions
	return e
}

// Store persists read model entries and projector checkpoints.
type Store interface {
	// Get returns ErrNotFound for a missing entry.
	Get(ctx context.Context, kind, key string) (Entry, error)
	// Put writes entry if the stored revision equals expectedRevision
	// (zero means the entry must not exist yet).
	Put(ctx context.Context, entry Entry, expectedRevision int64) error
	// Scan returns up to limit entries of kind with Key >= fromKey, in key order.
	Scan(ctx context.Context, kind, fromKey string, limit int) ([]Entry, error)
	// Checkpoint returns the last saved position for name, zero if none.
	Checkpoint(ctx context.Context, name string) (int64, error)
	SaveCheckpoint(ctx context.Context, name string, position int64) error
}
