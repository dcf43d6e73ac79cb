package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/pkg/logger"
	"sagaflow.io/sagaflow/internal/projection"
)

func init() {
	_ = logger.Init("error", "json")
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []Message
	fail error
}

func (p *fakePublisher) Publish(_ context.Context, msgs []Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.sent = append(p.sent, msgs...)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	for i, m := range p.sent {
		out[i] = string(m.Key)
	}
	return out
}

func seed(t *testing.T, store eventstore.Store) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "a"} {
		v, err := store.Version(ctx, id)
		require.NoError(t, err)
		_, err = store.Append(ctx, id, v, []eventstore.PendingEvent{eventstore.MustEvent("order", "TICK", map[string]string{"id": id})})
		require.NoError(t, err)
	}
}

func TestRelay_PublishesInOrderAndCheckpoints(t *testing.T) {
	events := eventstore.NewMemoryStore()
	seed(t, events)
	checkpoints := projection.NewMemoryStore()
	pub := &fakePublisher{}
	metrics := NewMetrics(prometheus.NewRegistry())
	r := New(events, checkpoints, pub, Config{BatchSize: 2}, metrics)

	require.NoError(t, r.Drain(context.Background()))
	require.Equal(t, []string{"a", "b", "a"}, pub.keys())

	pos, err := checkpoints.Checkpoint(context.Background(), CheckpointRelay)
	require.NoError(t, err)
	require.EqualValues(t, 3, pos)
	require.Equal(t, 3.0, testutil.ToFloat64(metrics.PublishedTotal))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.Lag))

	var ev eventstore.DomainEvent
	require.NoError(t, json.Unmarshal(pub.sent[1].Value, &ev))
	require.Equal(t, "b", ev.AggregateID)
	require.Equal(t, "2", pub.sent[1].Headers["global_position"])
	require.Equal(t, "TICK", pub.sent[1].Headers["event_type"])
}

func TestRelay_FailedPublishHoldsCheckpoint(t *testing.T) {
	events := eventstore.NewMemoryStore()
	seed(t, events)
	checkpoints := projection.NewMemoryStore()
	pub := &fakePublisher{fail: errors.New("broker down")}
	metrics := NewMetrics(prometheus.NewRegistry())
	r := New(events, checkpoints, pub, DefaultConfig(), metrics)

	_, err := r.Step(context.Background())
	require.ErrorContains(t, err, "broker down")
	pos, err := checkpoints.Checkpoint(context.Background(), CheckpointRelay)
	require.NoError(t, err)
	require.Zero(t, pos)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.FailedTotal))

	pub.fail = nil
	n, err := r.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, pub.keys(), 3)
}

func TestRelay_RunFollowsCommits(t *testing.T) {
	events := eventstore.NewMemoryStore()
	pub := &fakePublisher{}
	r := New(events, projection.NewMemoryStore(), pub, Config{PollInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	seed(t, events)
	require.Eventually(t, func() bool { return len(pub.keys()) == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestShouldReset(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"dial tcp 10.0.0.1:9092: connect: connection refused", true},
		{"[6] Not Leader For Partition", true},
		{"read tcp: i/o timeout", true},
		{"[10] Message Size Too Large", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, shouldReset(errors.New(tt.err)), tt.err)
	}
}

func TestToKafka(t *testing.T) {
	km := toKafka(Message{Key: []byte("k"), Value: []byte("v"), Headers: map[string]string{"event_type": "X"}})
	require.Equal(t, []byte("k"), km.Key)
	require.Len(t, km.Headers, 1)
	require.Equal(t, "event_type", km.Headers[0].Key)
}
