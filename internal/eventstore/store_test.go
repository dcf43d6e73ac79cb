package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sagaflow.io/sagaflow/internal/testutil"
)

const testType = "order"

func ev(t EventType, n int) PendingEvent {
	return MustEvent(testType, t, map[string]int{"n": n})
}

// runStoreSuite exercises the Store contract; every backend must pass it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("append then load preserves order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		got, err := s.Append(ctx, "A", 0, []PendingEvent{ev("E1", 1), ev("E2", 2), ev("E3", 3)})
		require.NoError(t, err)
		require.Len(t, got, 3)

		loaded, err := s.Load(ctx, "A")
		require.NoError(t, err)
		require.Len(t, loaded, 3)
		for i, e := range loaded {
			require.EqualValues(t, i+1, e.SequenceNumber)
			require.Equal(t, EventType(fmt.Sprintf("E%d", i+1)), e.EventType)
			require.Equal(t, testType, e.AggregateType)
			require.NotEmpty(t, e.EventID)
			require.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i+1), string(e.Payload))
		}

		v, err := s.Version(ctx, "A")
		require.NoError(t, err)
		require.EqualValues(t, 3, v)
	})

	t.Run("stale expected version conflicts without partial write", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Append(ctx, "A", 0, []PendingEvent{ev("E1", 1), ev("E2", 2), ev("E3", 3)})
		require.NoError(t, err)

		_, err = s.Append(ctx, "A", 2, []PendingEvent{ev("X", 4), ev("Y", 5)})
		require.ErrorIs(t, err, ErrConcurrencyConflict)
		var conflict *ConflictError
		require.True(t, errors.As(err, &conflict))
		require.EqualValues(t, 2, conflict.Expected)
		require.EqualValues(t, 3, conflict.Actual)

		loaded, err := s.Load(ctx, "A")
		require.NoError(t, err)
		require.Len(t, loaded, 3)
	})

	t.Run("unknown aggregate is empty", func(t *testing.T) {
		s := newStore(t)
		loaded, err := s.Load(context.Background(), "missing")
		require.NoError(t, err)
		require.Empty(t, loaded)

		v, err := s.Version(context.Background(), "missing")
		require.NoError(t, err)
		require.Zero(t, v)

		_, err = s.Append(context.Background(), "missing", 1, []PendingEvent{ev("E", 1)})
		require.ErrorIs(t, err, ErrConcurrencyConflict)
	})

	t.Run("concurrent appends at the same version have one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Append(ctx, "A", 0, []PendingEvent{ev("E1", 1)})
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Append(ctx, "A", 1, []PendingEvent{ev("W", i)})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)

		var ok, conflicts int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConcurrencyConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, writers-1, conflicts)

		loaded, err := s.Load(ctx, "A")
		require.NoError(t, err)
		require.Len(t, loaded, 2)
	})

	t.Run("load range bounds", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Append(ctx, "A", 0, []PendingEvent{ev("E1", 1), ev("E2", 2), ev("E3", 3), ev("E4", 4)})
		require.NoError(t, err)

		tests := []struct {
			from, to int64
			want     []int64
		}{
			{0, 0, []int64{1, 2, 3, 4}},
			{2, 0, []int64{2, 3, 4}},
			{0, 2, []int64{1, 2}},
			{2, 3, []int64{2, 3}},
			{5, 0, nil},
		}
		for _, tt := range tests {
			got, err := s.LoadRange(ctx, "A", tt.from, tt.to)
			require.NoError(t, err)
			var seqs []int64
			for _, e := range got {
				seqs = append(seqs, e.SequenceNumber)
			}
			require.Equal(t, tt.want, seqs, "range %d..%d", tt.from, tt.to)
		}
	})

	t.Run("read all follows commit order across aggregates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Append(ctx, "A", 0, []PendingEvent{ev("A1", 1)})
		require.NoError(t, err)
		_, err = s.Append(ctx, "B", 0, []PendingEvent{ev("B1", 1), ev("B2", 2)})
		require.NoError(t, err)
		_, err = s.Append(ctx, "A", 1, []PendingEvent{ev("A2", 2)})
		require.NoError(t, err)

		all, err := s.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		var types []EventType
		for i, e := range all {
			require.EqualValues(t, i+1, e.GlobalPosition)
			types = append(types, e.EventType)
		}
		require.Equal(t, []EventType{"A1", "B1", "B2", "A2"}, types)

		page, err := s.ReadAll(ctx, 2, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.Equal(t, EventType("B2"), page[0].EventType)

		head, err := s.Head(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 4, head)
	})

	t.Run("list aggregate ids by type", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Append(ctx, "o-2", 0, []PendingEvent{ev("E", 1)})
		require.NoError(t, err)
		_, err = s.Append(ctx, "o-1", 0, []PendingEvent{ev("E", 1)})
		require.NoError(t, err)
		_, err = s.Append(ctx, "s-1", 0, []PendingEvent{MustEvent("saga", "S", struct{}{})})
		require.NoError(t, err)

		ids, err := s.ListAggregateIDs(ctx, testType)
		require.NoError(t, err)
		require.Equal(t, []string{"o-1", "o-2"}, ids)
	})

	t.Run("snapshots", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Append(ctx, "A", 0, []PendingEvent{ev("E1", 1), ev("E2", 2), ev("E3", 3)})
		require.NoError(t, err)

		_, err = s.LoadSnapshot(ctx, "A", 0)
		require.ErrorIs(t, err, ErrSnapshotNotFound)

		err = s.SaveSnapshot(ctx, Snapshot{AggregateID: "A", AggregateType: testType, Version: 4, State: json.RawMessage(`{}`)})
		require.ErrorIs(t, err, ErrSnapshotAhead)

		require.NoError(t, s.SaveSnapshot(ctx, Snapshot{AggregateID: "A", AggregateType: testType, Version: 1, State: json.RawMessage(`{"v":1}`)}))
		require.NoError(t, s.SaveSnapshot(ctx, Snapshot{AggregateID: "A", AggregateType: testType, Version: 3, State: json.RawMessage(`{"v":3}`)}))

		latest, err := s.LoadSnapshot(ctx, "A", 0)
		require.NoError(t, err)
		require.EqualValues(t, 3, latest.Version)
		require.JSONEq(t, `{"v":3}`, string(latest.State))

		bounded, err := s.LoadSnapshot(ctx, "A", 2)
		require.NoError(t, err)
		require.EqualValues(t, 1, bounded.Version)
	})

	t.Run("subscribe is signalled after commit", func(t *testing.T) {
		s := newStore(t)
		ch, cancel := s.Subscribe()
		defer cancel()

		_, err := s.Append(context.Background(), "A", 0, []PendingEvent{ev("E1", 1)})
		require.NoError(t, err)

		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("no commit signal")
		}
	})

	t.Run("rejects invalid batches", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Append(ctx, "A", 0, nil)
		require.ErrorIs(t, err, ErrEmptyAppend)

		_, err = s.Append(ctx, "A", 0, []PendingEvent{ev("E1", 1), MustEvent("saga", "S", 1)})
		require.ErrorIs(t, err, ErrAggregateTypeMismatch)

		_, err = s.Append(ctx, "A", 0, []PendingEvent{ev("E1", 1)})
		require.NoError(t, err)
		_, err = s.Append(ctx, "A", 1, []PendingEvent{MustEvent("saga", "S", 1)})
		require.ErrorIs(t, err, ErrAggregateTypeMismatch)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		pool := testutil.OpenPGXPool(t, "eventstore")
		s := NewPostgresStore(pool)
		require.NoError(t, s.Migrate(context.Background()))
		return s
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Append(ctx, "A", 0, []PendingEvent{ev("E1", 1)})
	require.NoError(t, err)

	loaded, err := s.Load(ctx, "A")
	require.NoError(t, err)
	loaded[0].Payload[0] = 'X'

	again, err := s.Load(ctx, "A")
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(again[0].Payload))
}

func TestConflictError(t *testing.T) {
	err := fmt.Errorf("append: %w", &ConflictError{AggregateID: "A", Expected: 2, Actual: 3})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.Contains(t, err.Error(), "expected version 2, actual 3")
}
