package domain

import (
	"fmt"

	"sagaflow.io/sagaflow/internal/aggregate"
	"sagaflow.io/sagaflow/internal/eventstore"
)

// OrderFolds returns the fold table for the order aggregate.
func OrderFolds() *aggregate.FoldRegistry[Order] {
	return aggregate.NewFoldRegistry[Order]().
		Register(EventOrderCreated, foldCreated).
		Register(EventInventoryReserved, foldReserved).
		Register(EventInventoryReleased, foldReleased).
		Register(EventPaymentCaptured, foldCaptured).
		Register(EventPaymentRefunded, foldRefunded).
		Register(EventOrderConfirmed, foldConfirmed).
		Register(EventOrderCancelled, foldCancelled)
}

// NewOrderReconstructor builds the order reconstructor over store.
func NewOrderReconstructor(store eventstore.Store, opts aggregate.Options) *aggregate.Reconstructor[Order] {
	return aggregate.NewReconstructor(store, AggregateOrder, OrderFolds(), func() Order { return Order{} }, opts)
}

func expect(o Order, ev eventstore.DomainEvent, allowed ...OrderStatus) error {
	for _, s := range allowed {
		if o.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s while %s", ErrIllegalTransition, ev.EventType, statusOrNone(o.Status))
}

func statusOrNone(s OrderStatus) string {
	if s == "" {
		return "NEW"
	}
	return string(s)
}

func foldCreated(o Order, ev eventstore.DomainEvent) (Order, error) {
	if err := expect(o, ev, ""); err != nil {
		return o, err
	}
	var p OrderCreatedPayload
	if err := ev.DecodePayload(&p); err != nil {
		return o, err
	}
	return Order{
		ID:          ev.AggregateID,
		CustomerID:  p.CustomerID,
		SagaID:      p.SagaID,
		Lines:       append([]OrderLine(nil), p.Lines...),
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		Status:      OrderStatusPending,
		CreatedAt:   ev.OccurredAt,
		UpdatedAt:   ev.OccurredAt,
	}, nil
}

func foldReserved(o Order, ev eventstore.DomainEvent) (Order, error) {
	if err := expect(o, ev, OrderStatusPending); err != nil {
		return o, err
	}
	var p InventoryPayload
	if err := ev.DecodePayload(&p); err != nil {
		return o, err
	}
	o.Status = OrderStatusInventoryReserved
	o.ReservationID = p.ReservationID
	o.UpdatedAt = ev.OccurredAt
	return o, nil
}

func foldReleased(o Order, ev eventstore.DomainEvent) (Order, error) {
	if err := expect(o, ev, OrderStatusInventoryReserved); err != nil {
		return o, err
	}
	o.Status = OrderStatusPending
	o.UpdatedAt = ev.OccurredAt
	return o, nil
}

func foldCaptured(o Order, ev eventstore.DomainEvent) (Order, error) {
	if err := expect(o, ev, OrderStatusInventoryReserved); err != nil {
		return o, err
	}
	var p PaymentPayload
	if err := ev.DecodePayload(&p); err != nil {
		return o, err
	}
	o.Status = OrderStatusPaymentCaptured
	o.PaymentID = p.PaymentID
	o.UpdatedAt = ev.OccurredAt
	return o, nil
}

func foldRefunded(o Order, ev eventstore.DomainEvent) (Order, error) {
	if err := expect(o, ev, OrderStatusPaymentCaptured); err != nil {
		return o, err
	}
	o.Status = OrderStatusInventoryReserved
	o.Refunded = true
	o.UpdatedAt = ev.OccurredAt
	return o, nil
}

func foldConfirmed(o Order, ev eventstore.DomainEvent) (Order, error) {
	if err := expect(o, ev, OrderStatusPaymentCaptured); err != nil {
		return o, err
	}
	o.Status = OrderStatusConfirmed
	o.UpdatedAt = ev.OccurredAt
	return o, nil
}

func foldCancelled(o Order, ev eventstore.DomainEvent) (Order, error) {
	if err := expect(o, ev, OrderStatusPending); err != nil {
		return o, err
	}
	var p OrderClosedPayload
	if err := ev.DecodePayload(&p); err != nil {
		return o, err
	}
	o.Status = OrderStatusCancelled
	o.CancelReason = p.Reason
	o.UpdatedAt = ev.OccurredAt
	return o, nil
}
