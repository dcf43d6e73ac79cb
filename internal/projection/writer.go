package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sagaflow.io/sagaflow/internal/eventstore"
)

const maxPutRetries = 5

// Writer performs idempotent read model upserts on behalf of projections.
type Writer struct {
	store   Store
	metrics *Metrics
	now     func() time.Time
}

func NewWriter(store Store, metrics *Metrics) *Writer {
	return &Writer{store: store, metrics: metrics, now: time.Now}
}

// Upsert applies mutate to the (kind, key) document of type T unless the entry
// already reflects ev. A missing entry starts from T's zero value. It returns
// whether the event changed the entry.
func Upsert[T any](ctx context.Context, w *Writer, kind, key string, ev eventstore.DomainEvent, mutate func(*T) error) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%s projection: event %s has no key", kind, ev.EventID)
	}
	for attempt := 0; ; attempt++ {
		entry, err := w.store.Get(ctx, kind, key)
		switch {
		case errors.Is(err, ErrNotFound):
			entry = Entry{Kind: kind, Key: key, SourceVersions: map[string]int64{}}
		case err != nil:
			return false, err
		}

		if entry.Applied(ev.AggregateID, ev.SequenceNumber) {
			w.metrics.skipped(kind)
			return false, nil
		}

		var doc T
		if len(entry.Data) > 0 {
			if err := json.Unmarshal(entry.Data, &doc); err != nil {
				return false, fmt.Errorf("decode %s/%s: %w", kind, key, err)
			}
		}
		if err := mutate(&doc); err != nil {
			return false, fmt.Errorf("%s/%s apply %s: %w", kind, key, ev.EventType, err)
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return false, fmt.Errorf("encode %s/%s: %w", kind, key, err)
		}

		expected := entry.Revision
		next := entry.clone()
		next.Data = data
		next.SourceVersions[ev.AggregateID] = ev.SequenceNumber
		next.Revision = expected + 1
		next.UpdatedAt = w.now().UTC()

		err = w.store.Put(ctx, next, expected)
		if err == nil {
			w.metrics.applied(kind)
			return true, nil
		}
		if !errors.Is(err, ErrRevisionConflict) || attempt >= maxPutRetries {
			return false, err
		}
	}
}
