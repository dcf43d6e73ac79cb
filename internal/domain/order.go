// Package domain provides the order aggregate placed by the order saga.
//
// Order state is never stored; it is the fold of the order's events.
//
// Import Path: sagaflow.io/sagaflow/internal/domain
package domain

import (
	"errors"
	"fmt"
	"time"
)

// AggregateOrder is the event store aggregate type for orders.
const AggregateOrder = "order"

// ErrIllegalTransition is returned by a fold when the event does not apply to the current status.
var ErrIllegalTransition = errors.New("illegal order transition")

// OrderStatus is the lifecycle status of an order.
// Aligned with the order saga steps: each forward step advances it, each compensation walks it back.
type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "PENDING"            // created, nothing reserved
	OrderStatusInventoryReserved OrderStatus = "INVENTORY_RESERVED" // stock held by the inventory collaborator
	OrderStatusPaymentCaptured   OrderStatus = "PAYMENT_CAPTURED"   // payment charged
	OrderStatusConfirmed         OrderStatus = "CONFIRMED"          // terminal, success
	OrderStatusCancelled         OrderStatus = "CANCELLED"          // terminal, compensated
)

// Terminal reports whether no further events are expected.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusCancelled
}

// OrderLine is one purchased item.
type OrderLine struct {
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// Validate checks a single line.
func (l OrderLine) Validate() error {
	if l.SKU == "" {
		return errors.New("sku is required")
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("quantity for %s must be positive", l.SKU)
	}
	if l.UnitPriceCents < 0 {
		return fmt.Errorf("unit price for %s must not be negative", l.SKU)
	}
	return nil
}

// TotalCents sums the line amounts.
func TotalCents(lines []OrderLine) int64 {
	var total int64
	for _, l := range lines {
		total += int64(l.Quantity) * l.UnitPriceCents
	}
	return total
}

// Order is the reconstructed order aggregate state.
type Order struct {
	ID            string      `json:"id"`
	CustomerID    string      `json:"customer_id"`
	SagaID        string      `json:"saga_id,omitempty"`
	Lines         []OrderLine `json:"lines"`
	AmountCents   int64       `json:"amount_cents"`
	Currency      string      `json:"currency"`
	Status        OrderStatus `json:"status"`
	ReservationID string      `json:"reservation_id,omitempty"`
	PaymentID     string      `json:"payment_id,omitempty"`
	Refunded      bool        `json:"refunded,omitempty"`
	CancelReason  string      `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
