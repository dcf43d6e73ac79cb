package projection

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"sagaflow.io/sagaflow/internal/testutil"
)

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("get missing", func(t *testing.T) {
		_, err := newStore(t).Get(context.Background(), KindOrder, "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put compares revision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := Entry{Kind: KindOrder, Key: "o-1", Data: json.RawMessage(`{"a":1}`), SourceVersions: map[string]int64{"o-1": 1}, Revision: 1}
		require.NoError(t, s.Put(ctx, e, 0))
		require.ErrorIs(t, s.Put(ctx, e, 0), ErrRevisionConflict)

		e.Revision = 2
		e.Data = json.RawMessage(`{"a":2}`)
		require.NoError(t, s.Put(ctx, e, 1))
		require.ErrorIs(t, s.Put(ctx, e, 1), ErrRevisionConflict)

		got, err := s.Get(ctx, KindOrder, "o-1")
		require.NoError(t, err)
		require.EqualValues(t, 2, got.Revision)
		require.JSONEq(t, `{"a":2}`, string(got.Data))
		require.Equal(t, map[string]int64{"o-1": 1}, got.SourceVersions)
	})

	t.Run("scan in key order from key", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []string{"c", "a", "d", "b"} {
			require.NoError(t, s.Put(ctx, Entry{Kind: KindOrder, Key: k, Data: json.RawMessage(`{}`), Revision: 1}, 0))
		}
		require.NoError(t, s.Put(ctx, Entry{Kind: KindCustomer, Key: "a", Data: json.RawMessage(`{}`), Revision: 1}, 0))

		tests := []struct {
			from  string
			limit int
			want  []string
		}{
			{"", 0, []string{"a", "b", "c", "d"}},
			{"b", 0, []string{"b", "c", "d"}},
			{"bb", 2, []string{"c", "d"}},
			{"", 2, []string{"a", "b"}},
			{"z", 0, nil},
		}
		for _, tt := range tests {
			entries, err := s.Scan(ctx, KindOrder, tt.from, tt.limit)
			require.NoError(t, err)
			var keys []string
			for _, e := range entries {
				keys = append(keys, e.Key)
			}
			require.Equal(t, tt.want, keys, "from %q limit %d", tt.from, tt.limit)
		}
	})

	t.Run("checkpoints", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		pos, err := s.Checkpoint(ctx, "x")
		require.NoError(t, err)
		require.Zero(t, pos)
		require.NoError(t, s.SaveCheckpoint(ctx, "x", 42))
		pos, err = s.Checkpoint(ctx, "x")
		require.NoError(t, err)
		require.EqualValues(t, 42, pos)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		client, _ := testutil.OpenRedis(t)
		return NewRedisStore(client, "test")
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Entry{Kind: KindOrder, Key: "o", SourceVersions: map[string]int64{"o": 1}, Revision: 1}, 0))

	got, err := s.Get(ctx, KindOrder, "o")
	require.NoError(t, err)
	got.SourceVersions["o"] = 99

	again, err := s.Get(ctx, KindOrder, "o")
	require.NoError(t, err)
	require.EqualValues(t, 1, again.SourceVersions["o"])
}
