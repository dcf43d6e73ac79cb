// Package collaborator defines the external services the order saga calls
// through the remote call gate, with an HTTP client and an in-memory mock.
//
// Every operation takes the idempotency key chosen by the caller. A
// collaborator that sees a key twice must return the first result without
// repeating the side effect.
//
// Import Path: sagaflow.io/sagaflow/internal/collaborator
package collaborator

import "context"

// Collaborator names used as breaker keys.
const (
	NameInventory = "inventory"
	NamePayment   = "payment"
)

// Operation names, used by mock failure scripts and HTTP error messages.
const (
	OpReserve = "reserve"
	OpRelease = "release"
	OpCharge  = "charge"
	OpRefund  = "refund"
)

type ReserveItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type ReserveRequest struct {
	OrderID string        `json:"order_id"`
	Items   []ReserveItem `json:"items"`
}

type Reservation struct {
	ReservationID string `json:"reservation_id"`
}

type ChargeRequest struct {
	OrderID     string `json:"order_id"`
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type Payment struct {
	PaymentID string `json:"payment_id"`
}

type RefundRequest struct {
	PaymentID   string `json:"payment_id"`
	AmountCents int64  `json:"amount_cents"`
}

// Inventory reserves and releases stock.
type Inventory interface {
	Reserve(ctx context.Context, idempotencyKey string, req ReserveRequest) (Reservation, error)
	Release(ctx context.Context, idempotencyKey, reservationID string) error
}

// Payments captures and refunds customer payments.
type Payments interface {
	Charge(ctx context.Context, idempotencyKey string, req ChargeRequest) (Payment, error)
	Refund(ctx context.Context, idempotencyKey string, req RefundRequest) error
}
