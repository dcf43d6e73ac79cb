package projection

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps read models in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string]map[string]Entry
	checkpoints map[string]int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string]map[string]Entry),
		checkpoints: make(map[string]int64),
	}
}

func (s *MemoryStore) Get(ctx context.Context, kind, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[kind][key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, entry Entry, expectedRevision int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.entries[entry.Kind]
	if !ok {
		byKey = make(map[string]Entry)
		s.entries[entry.Kind] = byKey
	}
	if byKey[entry.Key].Revision != expectedRevision {
		return ErrRevisionConflict
	}
	byKey[entry.Key] = entry.clone()
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, kind, fromKey string, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries[kind]))
	for k := range s.entries[kind] {
		if k >= fromKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Entry, len(keys))
	for i, k := range keys {
		out[i] = s.entries[kind][k].clone()
	}
	return out, nil
}

func (s *MemoryStore) Checkpoint(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[name], nil
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, name string, position int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[name] = position
	return nil
}
