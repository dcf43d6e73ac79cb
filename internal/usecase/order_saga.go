// Package usecase provides application use cases.
//
// Use cases are reusable across HTTP, jobs, and CLI. The order placement
// use case is a saga: every step records its effect on the order aggregate,
// and every compensation walks the aggregate back.
//
// Import Path: sagaflow.io/sagaflow/internal/usecase
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"sagaflow.io/sagaflow/internal/aggregate"
	"sagaflow.io/sagaflow/internal/collaborator"
	"sagaflow.io/sagaflow/internal/domain"
	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/saga"
)

// SagaPlaceOrder is the definition name of the order placement saga.
const SagaPlaceOrder = "place_order"

// Order saga step names.
const (
	StepCreateOrder      = "create_order"
	StepReserveInventory = "reserve_inventory"
	StepChargePayment    = "charge_payment"
	StepConfirmOrder     = "confirm_order"
)

// ErrOrderOwnedByOtherSaga is returned when an order ID is already bound to another saga.
var ErrOrderOwnedByOtherSaga = errors.New("order belongs to another saga")

const defaultOrderConflictRetries = 5

// OrderSagaInput is the saga input, persisted in SAGA_STARTED.
type OrderSagaInput struct {
	OrderID     string             `json:"order_id"`
	CustomerID  string             `json:"customer_id"`
	Lines       []domain.OrderLine `json:"lines"`
	AmountCents int64              `json:"amount_cents"`
	Currency    string             `json:"currency"`
}

// CreatedOutput is the output of create_order.
type CreatedOutput struct {
	OrderID string `json:"order_id"`
}

// ConfirmedOutput is the output of confirm_order.
type ConfirmedOutput struct {
	OrderID string             `json:"order_id"`
	Status  domain.OrderStatus `json:"status"`
}

// OrderSagaDeps are the collaborators of the order saga.
type OrderSagaDeps struct {
	Store     eventstore.Store
	Inventory collaborator.Inventory
	Payments  collaborator.Payments
	// Snapshot tunes order aggregate snapshots.
	Snapshot aggregate.Options
	// MaxConflictRetries bounds re-reads when another writer touched the order.
	MaxConflictRetries int
}

// orderSaga holds the step implementations. Every order mutation is a
// read-decide-append that returns without appending when the change is
// already recorded, so recovery may re-run any step.
type orderSaga struct {
	store     eventstore.Store
	orders    *aggregate.Reconstructor[domain.Order]
	inventory collaborator.Inventory
	payments  collaborator.Payments
	retries   int
}

// NewOrderSaga returns the order placement saga definition.
func NewOrderSaga(deps OrderSagaDeps) saga.Definition {
	retries := deps.MaxConflictRetries
	if retries <= 0 {
		retries = defaultOrderConflictRetries
	}
	s := &orderSaga{
		store:     deps.Store,
		orders:    domain.NewOrderReconstructor(deps.Store, deps.Snapshot),
		inventory: deps.Inventory,
		payments:  deps.Payments,
		retries:   retries,
	}
	return saga.Definition{
		Name: SagaPlaceOrder,
		Steps: []saga.Step{
			&saga.LocalStep{
				StepName: StepCreateOrder,
				Do:       s.createOrder,
				Undo:     s.cancelOrder,
			},
			&saga.RemoteStep{
				StepName:     StepReserveInventory,
				Collaborator: collaborator.NameInventory,
				Call:         s.reserve,
				Record:       s.recordReserved,
				Undo:         s.release,
				RecordUndo:   s.recordReleased,
			},
			&saga.RemoteStep{
				StepName:     StepChargePayment,
				Collaborator: collaborator.NamePayment,
				Call:         s.charge,
				Record:       s.recordCaptured,
				Undo:         s.refund,
				RecordUndo:   s.recordRefunded,
			},
			&saga.LocalStep{
				StepName: StepConfirmOrder,
				Do:       s.confirm,
			},
		},
	}
}

func (s *orderSaga) input(sc saga.StepContext) (OrderSagaInput, error) {
	var in OrderSagaInput
	if err := sc.DecodeInput(&in); err != nil {
		return in, err
	}
	if in.OrderID == "" {
		return in, fmt.Errorf("%w: order_id is empty", saga.ErrInvalidInput)
	}
	return in, nil
}

// mutate appends what decide returns for the current order, re-reading on
// conflict. decide sees exists=false for an order with no events.
func (s *orderSaga) mutate(ctx context.Context, orderID string, decide func(o domain.Order, exists bool) ([]eventstore.PendingEvent, error)) error {
	for attempt := 0; ; attempt++ {
		agg, err := s.orders.Reconstruct(ctx, orderID)
		exists := true
		if errors.Is(err, aggregate.ErrAggregateNotFound) {
			exists, err = false, nil
		}
		if err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}

		events, err := decide(agg.State, exists)
		if err != nil || len(events) == 0 {
			return err
		}
		if _, err = s.store.Append(ctx, orderID, agg.Version, events); err == nil {
			s.orders.MaybeSnapshot(ctx, orderID, agg.Version, agg.Version+int64(len(events)))
			return nil
		}
		if !errors.Is(err, eventstore.ErrConcurrencyConflict) || attempt >= s.retries {
			return fmt.Errorf("append to order %s: %w", orderID, err)
		}
	}
}

func illegal(o domain.Order, action string) error {
	return fmt.Errorf("%w: cannot %s order %s while %s", domain.ErrIllegalTransition, action, o.ID, o.Status)
}

func orderEvents(t eventstore.EventType, p interface{ ToJSON() ([]byte, error) }) ([]eventstore.PendingEvent, error) {
	ev, err := domain.OrderEvent(t, p)
	if err != nil {
		return nil, err
	}
	return []eventstore.PendingEvent{ev}, nil
}

func marshalOutput(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// create_order

func (s *orderSaga) createOrder(ctx context.Context, sc saga.StepContext) (json.RawMessage, error) {
	in, err := s.input(sc)
	if err != nil {
		return nil, err
	}
	err = s.mutate(ctx, in.OrderID, func(o domain.Order, exists bool) ([]eventstore.PendingEvent, error) {
		if exists {
			if o.SagaID != sc.SagaID {
				return nil, fmt.Errorf("%w: %s", ErrOrderOwnedByOtherSaga, in.OrderID)
			}
			return nil, nil
		}
		return orderEvents(domain.EventOrderCreated, domain.OrderCreatedPayload{
			OrderID:     in.OrderID,
			CustomerID:  in.CustomerID,
			SagaID:      sc.SagaID,
			Lines:       in.Lines,
			AmountCents: in.AmountCents,
			Currency:    in.Currency,
		})
	})
	if err != nil {
		return nil, err
	}
	return marshalOutput(CreatedOutput{OrderID: in.OrderID})
}

func (s *orderSaga) cancelOrder(ctx context.Context, sc saga.StepContext) error {
	in, err := s.input(sc)
	if err != nil {
		return err
	}
	return s.mutate(ctx, in.OrderID, func(o domain.Order, exists bool) ([]eventstore.PendingEvent, error) {
		switch {
		case !exists, o.Status == domain.OrderStatusCancelled:
			return nil, nil
		case o.Status != domain.OrderStatusPending:
			return nil, illegal(o, "cancel")
		}
		return orderEvents(domain.EventOrderCancelled, domain.OrderClosedPayload{
			OrderID:     o.ID,
			CustomerID:  o.CustomerID,
			AmountCents: o.AmountCents,
			Reason:      "compensated by saga " + sc.SagaID,
		})
	})
}

// reserve_inventory

func (s *orderSaga) reserve(ctx context.Context, sc saga.StepContext) (json.RawMessage, error) {
	in, err := s.input(sc)
	if err != nil {
		return nil, err
	}
	items := make([]collaborator.ReserveItem, 0, len(in.Lines))
	for _, l := range in.Lines {
		items = append(items, collaborator.ReserveItem{SKU: l.SKU, Quantity: l.Quantity})
	}
	res, err := s.inventory.Reserve(ctx, sc.IdempotencyKey, collaborator.ReserveRequest{OrderID: in.OrderID, Items: items})
	if err != nil {
		return nil, err
	}
	return marshalOutput(res)
}

func (s *orderSaga) recordReserved(ctx context.Context, sc saga.StepContext, out json.RawMessage) error {
	in, err := s.input(sc)
	if err != nil {
		return err
	}
	var res collaborator.Reservation
	if err := json.Unmarshal(out, &res); err != nil {
		return fmt.Errorf("decode reservation: %w", err)
	}
	return s.mutate(ctx, in.OrderID, func(o domain.Order, _ bool) ([]eventstore.PendingEvent, error) {
		switch {
		case o.Status == domain.OrderStatusInventoryReserved && o.ReservationID == res.ReservationID:
			return nil, nil
		case o.Status != domain.OrderStatusPending:
			return nil, illegal(o, "reserve inventory for")
		}
		return orderEvents(domain.EventInventoryReserved, domain.InventoryPayload{
			OrderID:       o.ID,
			CustomerID:    o.CustomerID,
			ReservationID: res.ReservationID,
		})
	})
}

func (s *orderSaga) release(ctx context.Context, sc saga.StepContext) error {
	var res collaborator.Reservation
	if err := json.Unmarshal(sc.Output, &res); err != nil {
		return fmt.Errorf("decode reservation: %w", err)
	}
	return s.inventory.Release(ctx, sc.IdempotencyKey, res.ReservationID)
}

func (s *orderSaga) recordReleased(ctx context.Context, sc saga.StepContext) error {
	in, err := s.input(sc)
	if err != nil {
		return err
	}
	return s.mutate(ctx, in.OrderID, func(o domain.Order, _ bool) ([]eventstore.PendingEvent, error) {
		switch o.Status {
		case domain.OrderStatusPending, domain.OrderStatusCancelled:
			return nil, nil
		case domain.OrderStatusInventoryReserved:
		default:
			return nil, illegal(o, "release inventory of")
		}
		return orderEvents(domain.EventInventoryReleased, domain.InventoryPayload{
			OrderID:       o.ID,
			CustomerID:    o.CustomerID,
			ReservationID: o.ReservationID,
		})
	})
}

// charge_payment

func (s *orderSaga) charge(ctx context.Context, sc saga.StepContext) (json.RawMessage, error) {
	in, err := s.input(sc)
	if err != nil {
		return nil, err
	}
	p, err := s.payments.Charge(ctx, sc.IdempotencyKey, collaborator.ChargeRequest{
		OrderID:     in.OrderID,
		CustomerID:  in.CustomerID,
		AmountCents: in.AmountCents,
		Currency:    in.Currency,
	})
	if err != nil {
		return nil, err
	}
	return marshalOutput(p)
}

func (s *orderSaga) recordCaptured(ctx context.Context, sc saga.StepContext, out json.RawMessage) error {
	in, err := s.input(sc)
	if err != nil {
		return err
	}
	var p collaborator.Payment
	if err := json.Unmarshal(out, &p); err != nil {
		return fmt.Errorf("decode payment: %w", err)
	}
	return s.mutate(ctx, in.OrderID, func(o domain.Order, _ bool) ([]eventstore.PendingEvent, error) {
		switch {
		case o.Status == domain.OrderStatusPaymentCaptured && o.PaymentID == p.PaymentID:
			return nil, nil
		case o.Status != domain.OrderStatusInventoryReserved || o.PaymentID != "":
			return nil, illegal(o, "capture payment for")
		}
		return orderEvents(domain.EventPaymentCaptured, domain.PaymentPayload{
			OrderID:     o.ID,
			CustomerID:  o.CustomerID,
			PaymentID:   p.PaymentID,
			AmountCents: o.AmountCents,
		})
	})
}

func (s *orderSaga) refund(ctx context.Context, sc saga.StepContext) error {
	in, err := s.input(sc)
	if err != nil {
		return err
	}
	var p collaborator.Payment
	if err := json.Unmarshal(sc.Output, &p); err != nil {
		return fmt.Errorf("decode payment: %w", err)
	}
	return s.payments.Refund(ctx, sc.IdempotencyKey, collaborator.RefundRequest{
		PaymentID:   p.PaymentID,
		AmountCents: in.AmountCents,
	})
}

func (s *orderSaga) recordRefunded(ctx context.Context, sc saga.StepContext) error {
	in, err := s.input(sc)
	if err != nil {
		return err
	}
	return s.mutate(ctx, in.OrderID, func(o domain.Order, _ bool) ([]eventstore.PendingEvent, error) {
		switch {
		case o.Refunded:
			return nil, nil
		case o.Status == domain.OrderStatusInventoryReserved && o.PaymentID == "":
			// The charge was refunded before it was ever recorded on the order.
			return nil, nil
		case o.Status != domain.OrderStatusPaymentCaptured:
			return nil, illegal(o, "refund")
		}
		return orderEvents(domain.EventPaymentRefunded, domain.PaymentPayload{
			OrderID:     o.ID,
			CustomerID:  o.CustomerID,
			PaymentID:   o.PaymentID,
			AmountCents: o.AmountCents,
		})
	})
}

// confirm_order

func (s *orderSaga) confirm(ctx context.Context, sc saga.StepContext) (json.RawMessage, error) {
	in, err := s.input(sc)
	if err != nil {
		return nil, err
	}
	err = s.mutate(ctx, in.OrderID, func(o domain.Order, _ bool) ([]eventstore.PendingEvent, error) {
		switch o.Status {
		case domain.OrderStatusConfirmed:
			return nil, nil
		case domain.OrderStatusPaymentCaptured:
		default:
			return nil, illegal(o, "confirm")
		}
		return orderEvents(domain.EventOrderConfirmed, domain.OrderClosedPayload{
			OrderID:     o.ID,
			CustomerID:  o.CustomerID,
			AmountCents: o.AmountCents,
		})
	})
	if err != nil {
		return nil, err
	}
	return marshalOutput(ConfirmedOutput{OrderID: in.OrderID, Status: domain.OrderStatusConfirmed})
}
