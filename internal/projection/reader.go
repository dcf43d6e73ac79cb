package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"sagaflow.io/sagaflow/internal/domain"
)

// Reader is the read-only query boundary over read models.
type Reader struct {
	store Store
}

func NewReader(store Store) *Reader {
	return &Reader{store: store}
}

func (r *Reader) Get(ctx context.Context, kind, key string) (Entry, error) {
	return r.store.Get(ctx, kind, key)
}

func (r *Reader) Scan(ctx context.Context, kind, fromKey string, limit int) ([]Entry, error) {
	return r.store.Scan(ctx, kind, fromKey, limit)
}

// Decode unmarshals an entry's document.
func Decode[T any](e Entry) (T, error) {
	var doc T
	if err := json.Unmarshal(e.Data, &doc); err != nil {
		return doc, fmt.Errorf("decode %s/%s: %w", e.Kind, e.Key, err)
	}
	return doc, nil
}

// Order returns the order view for id.
func (r *Reader) Order(ctx context.Context, id string) (domain.Order, error) {
	e, err := r.store.Get(ctx, KindOrder, id)
	if err != nil {
		return domain.Order{}, err
	}
	return Decode[domain.Order](e)
}

// Orders returns up to limit order views with ID >= fromID.
func (r *Reader) Orders(ctx context.Context, fromID string, limit int) ([]domain.Order, error) {
	entries, err := r.store.Scan(ctx, KindOrder, fromID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(entries))
	for _, e := range entries {
		o, err := Decode[domain.Order](e)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Customer returns the summary for a customer.
func (r *Reader) Customer(ctx context.Context, id string) (CustomerSummary, error) {
	e, err := r.store.Get(ctx, KindCustomer, id)
	if err != nil {
		return CustomerSummary{}, err
	}
	return Decode[CustomerSummary](e)
}
