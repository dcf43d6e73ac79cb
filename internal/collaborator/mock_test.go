package collaborator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sagaflow.io/sagaflow/internal/gate"
)

var errDown = errors.New("connection reset")

func reserveReq() ReserveRequest {
	return ReserveRequest{OrderID: "o-1", Items: []ReserveItem{{SKU: "a", Quantity: 1}}}
}

func TestMock_ReplaysSeenKey(t *testing.T) {
	m := NewMock(NameInventory)
	ctx := context.Background()

	first, err := m.Reserve(ctx, "k", reserveReq())
	require.NoError(t, err)
	again, err := m.Reserve(ctx, "k", reserveReq())
	require.NoError(t, err)
	other, err := m.Reserve(ctx, "k2", reserveReq())
	require.NoError(t, err)

	require.Equal(t, first, again)
	require.NotEqual(t, first, other)
	require.Equal(t, 3, m.Calls(OpReserve))
	require.Equal(t, 2, m.EffectCount(OpReserve))
}

func TestMock_Scripts(t *testing.T) {
	m := NewMock(NamePayment)
	ctx := context.Background()
	m.Script(OpCharge, errDown, nil, gate.ErrRejected)

	_, err := m.Charge(ctx, "a", ChargeRequest{AmountCents: 5})
	require.ErrorIs(t, err, errDown)
	_, err = m.Charge(ctx, "b", ChargeRequest{AmountCents: 5})
	require.NoError(t, err)
	_, err = m.Charge(ctx, "c", ChargeRequest{AmountCents: 5})
	require.ErrorIs(t, err, gate.ErrRejected)
	_, err = m.Charge(ctx, "d", ChargeRequest{AmountCents: 5})
	require.NoError(t, err)

	m.FailAlways(OpCharge, errDown)
	_, err = m.Charge(ctx, "e", ChargeRequest{AmountCents: 5})
	require.ErrorIs(t, err, errDown)
	m.FailAlways(OpCharge, nil)
	_, err = m.Charge(ctx, "e", ChargeRequest{AmountCents: 5})
	require.NoError(t, err)

	require.Equal(t, 3, m.EffectCount(OpCharge))
}

func TestMock_BusinessRejections(t *testing.T) {
	m := NewMock(NameInventory)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"empty reservation", func() error { _, err := m.Reserve(ctx, "k", ReserveRequest{}); return err }},
		{"non-positive charge", func() error { _, err := m.Charge(ctx, "k", ChargeRequest{}); return err }},
		{"unknown reservation", func() error { return m.Release(ctx, "k", "res-missing") }},
		{"unknown payment", func() error { return m.Refund(ctx, "k", RefundRequest{PaymentID: "p"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.call(), gate.ErrRejected)
		})
	}
	require.Empty(t, m.Effects())
}

func TestMock_OutstandingTracksUndo(t *testing.T) {
	m := NewMock(NameInventory)
	ctx := context.Background()

	res, err := m.Reserve(ctx, "r", reserveReq())
	require.NoError(t, err)
	pay, err := m.Charge(ctx, "c", ChargeRequest{AmountCents: 10})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{res.ReservationID, pay.PaymentID}, m.Outstanding())

	require.NoError(t, m.Release(ctx, "u1", res.ReservationID))
	require.NoError(t, m.Release(ctx, "u1", res.ReservationID))
	require.NoError(t, m.Refund(ctx, "u2", RefundRequest{PaymentID: pay.PaymentID, AmountCents: 10}))
	require.Empty(t, m.Outstanding())
	require.Equal(t, 1, m.EffectCount(OpRelease))
}

func TestMock_LatencyHonorsContext(t *testing.T) {
	m := NewMock(NameInventory)
	m.SetLatency(OpReserve, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Reserve(ctx, "k", reserveReq())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, gate.ClassTimeout, gate.Classify(err))
	require.Empty(t, m.Effects())
}
