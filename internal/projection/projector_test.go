package projection

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"sagaflow.io/sagaflow/internal/aggregate"
	"sagaflow.io/sagaflow/internal/domain"
	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func orderEvent(t *testing.T, typ eventstore.EventType, p interface{ ToJSON() ([]byte, error) }) eventstore.PendingEvent {
	t.Helper()
	ev, err := domain.OrderEvent(typ, p)
	require.NoError(t, err)
	return ev
}

func appendTo(t *testing.T, store eventstore.Store, id string, events ...eventstore.PendingEvent) {
	t.Helper()
	v, err := store.Version(context.Background(), id)
	require.NoError(t, err)
	_, err = store.Append(context.Background(), id, v, events)
	require.NoError(t, err)
}

func seedOrders(t *testing.T, events eventstore.Store) {
	t.Helper()
	lines := []domain.OrderLine{{SKU: "a", Quantity: 2, UnitPriceCents: 500}}
	appendTo(t, events, "o-1",
		orderEvent(t, domain.EventOrderCreated, domain.OrderCreatedPayload{OrderID: "o-1", CustomerID: "c-1", Lines: lines, AmountCents: 1000, Currency: "EUR"}),
		orderEvent(t, domain.EventInventoryReserved, domain.InventoryPayload{OrderID: "o-1", CustomerID: "c-1", ReservationID: "r-1"}),
		orderEvent(t, domain.EventPaymentCaptured, domain.PaymentPayload{OrderID: "o-1", CustomerID: "c-1", PaymentID: "p-1", AmountCents: 1000}),
		orderEvent(t, domain.EventOrderConfirmed, domain.OrderClosedPayload{OrderID: "o-1", CustomerID: "c-1", AmountCents: 1000}),
	)
	appendTo(t, events, "o-2",
		orderEvent(t, domain.EventOrderCreated, domain.OrderCreatedPayload{OrderID: "o-2", CustomerID: "c-1", AmountCents: 300, Currency: "EUR"}),
		orderEvent(t, domain.EventOrderCancelled, domain.OrderClosedPayload{OrderID: "o-2", CustomerID: "c-1", Reason: "out of stock"}),
	)
	// Saga events share the log and must be passed over.
	appendTo(t, events, "s-1", eventstore.MustEvent("saga", "SAGA_STARTED", map[string]string{}))
}

func TestProjector_BuildsViews(t *testing.T) {
	events := eventstore.NewMemoryStore()
	seedOrders(t, events)
	store := NewMemoryStore()
	p := NewProjector(events, store, Config{BatchSize: 2}, nil, DefaultProjections()...)

	require.NoError(t, p.Drain(context.Background()))

	reader := NewReader(store)
	order, err := reader.Order(context.Background(), "o-1")
	require.NoError(t, err)
	want, err := domain.NewOrderReconstructor(events, aggregate.Options{}).Reconstruct(context.Background(), "o-1")
	require.NoError(t, err)
	require.Equal(t, want.State.Status, order.Status)
	require.Equal(t, want.State.PaymentID, order.PaymentID)
	require.Equal(t, want.State.Lines, order.Lines)

	summary, err := reader.Customer(context.Background(), "c-1")
	require.NoError(t, err)
	require.Equal(t, 2, summary.OrderCount)
	require.Equal(t, 1, summary.ConfirmedCount)
	require.EqualValues(t, 1000, summary.ConfirmedTotalCents)
	require.Equal(t, 1, summary.CancelledCount)

	orders, err := reader.Orders(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, domain.OrderStatusCancelled, orders[1].Status)

	pos, err := store.Checkpoint(context.Background(), CheckpointReadModels)
	require.NoError(t, err)
	require.EqualValues(t, 7, pos)
}

func TestProjector_RedeliveryIsSkipped(t *testing.T) {
	events := eventstore.NewMemoryStore()
	seedOrders(t, events)
	store := NewMemoryStore()
	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewProjector(events, store, DefaultConfig(), metrics, DefaultProjections()...)
	require.NoError(t, p.Drain(context.Background()))

	before, err := store.Get(context.Background(), KindCustomer, "c-1")
	require.NoError(t, err)

	// Rewind the checkpoint: every event is delivered a second time.
	require.NoError(t, store.SaveCheckpoint(context.Background(), CheckpointReadModels, 0))
	require.NoError(t, p.Drain(context.Background()))

	after, err := store.Get(context.Background(), KindCustomer, "c-1")
	require.NoError(t, err)
	require.Equal(t, before.Revision, after.Revision)
	require.JSONEq(t, string(before.Data), string(after.Data))
	require.Equal(t, map[string]int64{"o-1": 4, "o-2": 2}, after.SourceVersions)

	require.Equal(t, 4.0, testutil.ToFloat64(metrics.SkippedTotal.WithLabelValues(KindCustomer)))
	require.Equal(t, 6.0, testutil.ToFloat64(metrics.SkippedTotal.WithLabelValues(KindOrder)))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.Lag))
}

func TestUpsert_IndependentAggregatesInAnyOrder(t *testing.T) {
	w := NewWriter(NewMemoryStore(), nil)
	ctx := context.Background()
	inc := func(n *int) error { *n++; return nil }

	evA1 := eventstore.DomainEvent{AggregateID: "A", SequenceNumber: 1}
	evB1 := eventstore.DomainEvent{AggregateID: "B", SequenceNumber: 1}
	evB2 := eventstore.DomainEvent{AggregateID: "B", SequenceNumber: 2}

	for _, tc := range []struct {
		ev   eventstore.DomainEvent
		want bool
	}{
		{evB1, true}, {evB2, true}, {evA1, true}, {evB1, false}, {evA1, false},
	} {
		applied, err := Upsert(ctx, w, "count", "k", tc.ev, inc)
		require.NoError(t, err)
		require.Equal(t, tc.want, applied, "%s/%d", tc.ev.AggregateID, tc.ev.SequenceNumber)
	}

	e, err := w.store.Get(ctx, "count", "k")
	require.NoError(t, err)
	n, err := Decode[int](e)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestProjector_HandlerErrorHoldsCheckpoint(t *testing.T) {
	events := eventstore.NewMemoryStore()
	appendTo(t, events, "o-1",
		orderEvent(t, domain.EventOrderCreated, domain.OrderCreatedPayload{OrderID: "o-1", CustomerID: "c-1"}),
	)
	// Confirming a PENDING order is rejected by the order fold.
	appendTo(t, events, "o-1",
		orderEvent(t, domain.EventOrderConfirmed, domain.OrderClosedPayload{OrderID: "o-1", CustomerID: "c-1"}),
	)
	store := NewMemoryStore()
	p := NewProjector(events, store, DefaultConfig(), nil, NewOrderView())

	n, err := p.Step(context.Background())
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
	require.Equal(t, 1, n)

	pos, err := store.Checkpoint(context.Background(), CheckpointReadModels)
	require.NoError(t, err)
	require.EqualValues(t, 1, pos)
}

func TestProjector_RunFollowsCommits(t *testing.T) {
	events := eventstore.NewMemoryStore()
	store := NewMemoryStore()
	p := NewProjector(events, store, Config{PollInterval: time.Hour, BatchSize: 10}, nil, DefaultProjections()...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	appendTo(t, events, "o-9",
		orderEvent(t, domain.EventOrderCreated, domain.OrderCreatedPayload{OrderID: "o-9", CustomerID: "c-9"}),
	)
	require.Eventually(t, func() bool {
		_, err := NewReader(store).Order(context.Background(), "o-9")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
