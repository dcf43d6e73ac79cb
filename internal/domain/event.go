package domain

import (
	"encoding/json"

	"sagaflow.io/sagaflow/internal/eventstore"
)

const (
	// Order lifecycle
	EventOrderCreated   eventstore.EventType = "ORDER_CREATED"
	EventOrderConfirmed eventstore.EventType = "ORDER_CONFIRMED"
	EventOrderCancelled eventstore.EventType = "ORDER_CANCELLED"

	// Inventory
	EventInventoryReserved eventstore.EventType = "ORDER_INVENTORY_RESERVED"
	EventInventoryReleased eventstore.EventType = "ORDER_INVENTORY_RELEASED"

	// Payment
	EventPaymentCaptured eventstore.EventType = "ORDER_PAYMENT_CAPTURED"
	EventPaymentRefunded eventstore.EventType = "ORDER_PAYMENT_REFUNDED"
)

// OrderEventTypes lists every order event type; the fold table must cover all of them.
func OrderEventTypes() []eventstore.EventType {
	return []eventstore.EventType{
		EventOrderCreated,
		EventInventoryReserved,
		EventInventoryReleased,
		EventPaymentCaptured,
		EventPaymentRefunded,
		EventOrderConfirmed,
		EventOrderCancelled,
	}
}

// Every payload carries OrderID and CustomerID so projections keyed by
// customer never need to load the order.

// OrderCreatedPayload is the payload for ORDER_CREATED.
type OrderCreatedPayload struct {
	OrderID     string      `json:"order_id"`
	CustomerID  string      `json:"customer_id"`
	SagaID      string      `json:"saga_id"`
	Lines       []OrderLine `json:"lines"`
	AmountCents int64       `json:"amount_cents"`
	Currency    string      `json:"currency"`
}

// ToJSON converts payload to JSON bytes.
func (p OrderCreatedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// InventoryPayload is the payload for ORDER_INVENTORY_RESERVED and ORDER_INVENTORY_RELEASED.
type InventoryPayload struct {
	OrderID       string `json:"order_id"`
	CustomerID    string `json:"customer_id"`
	ReservationID string `json:"reservation_id"`
}

// ToJSON converts payload to JSON bytes.
func (p InventoryPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// PaymentPayload is the payload for ORDER_PAYMENT_CAPTURED and ORDER_PAYMENT_REFUNDED.
type PaymentPayload struct {
	OrderID     string `json:"order_id"`
	CustomerID  string `json:"customer_id"`
	PaymentID   string `json:"payment_id"`
	AmountCents int64  `json:"amount_cents"`
}

// ToJSON converts payload to JSON bytes.
func (p PaymentPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// OrderClosedPayload is the payload for ORDER_CONFIRMED and ORDER_CANCELLED.
type OrderClosedPayload struct {
	OrderID     string `json:"order_id"`
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason,omitempty"` // cancellation cause
}

// ToJSON converts payload to JSON bytes.
func (p OrderClosedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// OrderEvent wraps a payload into a pending order event.
func OrderEvent(t eventstore.EventType, payload interface{ ToJSON() ([]byte, error) }) (eventstore.PendingEvent, error) {
	data, err := payload.ToJSON()
	if err != nil {
		return eventstore.PendingEvent{}, err
	}
	return eventstore.PendingEvent{AggregateType: AggregateOrder, EventType: t, Payload: data}, nil
}
