package eventstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

type memoryStream struct {
	aggregateType string
	events        []DomainEvent
}

// MemoryStore is a mutex-guarded in-process Store, used when no database is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string]*memoryStream
	log       []DomainEvent
	snapshots map[string][]Snapshot
	notify    *notifier
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string]*memoryStream),
		snapshots: make(map[string][]Snapshot),
		notify:    newNotifier(),
		now:       time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []PendingEvent) ([]DomainEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateAppend(aggregateID, expectedVersion, events); err != nil {
		return nil, err
	}

	s.mu.Lock()
	stream, ok := s.streams[aggregateID]
	var actual int64
	if ok {
		actual = int64(len(stream.events))
		if stream.aggregateType != events[0].AggregateType {
			s.mu.Unlock()
			return nil, ErrAggregateTypeMismatch
		}
	}
	if actual != expectedVersion {
		s.mu.Unlock()
		return nil, &ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: actual}
	}
	if !ok {
		stream = &memoryStream{aggregateType: events[0].AggregateType}
		s.streams[aggregateID] = stream
	}

	committed := materialize(aggregateID, actual, int64(len(s.log)), events, s.now())
	stream.events = append(stream.events, committed...)
	s.log = append(s.log, committed...)
	s.mu.Unlock()

	s.notify.broadcast()
	return cloneEvents(committed), nil
}

func (s *MemoryStore) Load(ctx context.Context, aggregateID string) ([]DomainEvent, error) {
	return s.LoadRange(ctx, aggregateID, 0, 0)
}

func (s *MemoryStore) LoadRange(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]DomainEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[aggregateID]
	if !ok {
		return []DomainEvent{}, nil
	}
	out := make([]DomainEvent, 0, len(stream.events))
	for _, ev := range stream.events {
		if ev.SequenceNumber < fromSeq {
			continue
		}
		if toSeq > 0 && ev.SequenceNumber > toSeq {
			break
		}
		out = append(out, ev)
	}
	return cloneEvents(out), nil
}

func (s *MemoryStore) Version(ctx context.Context, aggregateID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if stream, ok := s.streams[aggregateID]; ok {
		return int64(len(stream.events)), nil
	}
	return 0, nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]DomainEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Positions are 1-based and dense, so the log index is position-1.
	start := int(afterPosition)
	if start < 0 {
		start = 0
	}
	if start >= len(s.log) {
		return []DomainEvent{}, nil
	}
	end := len(s.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return cloneEvents(s.log[start:end]), nil
}

func (s *MemoryStore) Head(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.log)), nil
}

func (s *MemoryStore) ListAggregateIDs(ctx context.Context, aggregateType string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)
	for id, stream := range s.streams {
		if stream.aggregateType == aggregateType {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	if stream, ok := s.streams[snap.AggregateID]; ok {
		version = int64(len(stream.events))
	}
	if snap.Version <= 0 || snap.Version > version {
		return ErrSnapshotAhead
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now().UTC()
	}
	snap.State = append(json.RawMessage(nil), snap.State...)

	list := s.snapshots[snap.AggregateID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Version >= snap.Version })
	if i < len(list) && list[i].Version == snap.Version {
		list[i] = snap
	} else {
		list = append(list, Snapshot{})
		copy(list[i+1:], list[i:])
		list[i] = snap
	}
	s.snapshots[snap.AggregateID] = list
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[aggregateID]
	for i := len(list) - 1; i >= 0; i-- {
		if maxVersion <= 0 || list[i].Version <= maxVersion {
			snap := list[i]
			snap.State = append(json.RawMessage(nil), snap.State...)
			return snap, nil
		}
	}
	return Snapshot{}, ErrSnapshotNotFound
}

func (s *MemoryStore) Subscribe() (<-chan struct{}, func()) {
	return s.notify.subscribe()
}

func cloneEvents(in []DomainEvent) []DomainEvent {
	out := make([]DomainEvent, len(in))
	for i, ev := range in {
		ev.Payload = append(json.RawMessage(nil), ev.Payload...)
		out[i] = ev
	}
	return out
}
