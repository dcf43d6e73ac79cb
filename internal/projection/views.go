package projection

import (
	"context"
	"time"

	"sagaflow.io/sagaflow/internal/aggregate"
	"sagaflow.io/sagaflow/internal/domain"
	"sagaflow.io/sagaflow/internal/eventstore"
)

// Read model kinds.
const (
	KindOrder    = "order"
	KindCustomer = "customer"
)

// Projection registers its event handlers on a dispatcher.
type Projection interface {
	Name() string
	Register(d *domain.EventDispatcher, w *Writer)
}

// OrderView is the per-order read model. Its document is the order state
// folded with the same rules as the aggregate, so the two cannot drift.
type OrderView struct {
	folds *aggregate.FoldRegistry[domain.Order]
}

func NewOrderView() *OrderView {
	return &OrderView{folds: domain.OrderFolds()}
}

func (*OrderView) Name() string { return "order_view" }

func (v *OrderView) Register(d *domain.EventDispatcher, w *Writer) {
	for _, t := range domain.OrderEventTypes() {
		d.Register(t, func(ctx context.Context, ev eventstore.DomainEvent) error {
			_, err := Upsert(ctx, w, KindOrder, ev.AggregateID, ev, func(o *domain.Order) error {
				next, err := v.folds.Apply(*o, ev)
				if err != nil {
					return err
				}
				*o = next
				return nil
			})
			return err
		})
	}
}

// CustomerSummary is the per-customer read model document.
type CustomerSummary struct {
	CustomerID          string    `json:"customer_id"`
	OrderCount          int       `json:"order_count"`
	ConfirmedCount      int       `json:"confirmed_count"`
	ConfirmedTotalCents int64     `json:"confirmed_total_cents"`
	CancelledCount      int       `json:"cancelled_count"`
	LastOrderAt         time.Time `json:"last_order_at"`
}

// CustomerSummaryView aggregates order outcomes per customer.
type CustomerSummaryView struct{}

func NewCustomerSummaryView() *CustomerSummaryView { return &CustomerSummaryView{} }

func (*CustomerSummaryView) Name() string { return "customer_summary" }

func (*CustomerSummaryView) Register(d *domain.EventDispatcher, w *Writer) {
	d.Register(domain.EventOrderCreated, func(ctx context.Context, ev eventstore.DomainEvent) error {
		var p domain.OrderCreatedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		_, err := Upsert(ctx, w, KindCustomer, p.CustomerID, ev, func(s *CustomerSummary) error {
			s.CustomerID = p.CustomerID
			s.OrderCount++
			if ev.OccurredAt.After(s.LastOrderAt) {
				s.LastOrderAt = ev.OccurredAt
			}
			return nil
		})
		return err
	})
	d.Register(domain.EventOrderConfirmed, func(ctx context.Context, ev eventstore.DomainEvent) error {
		var p domain.OrderClosedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		_, err := Upsert(ctx, w, KindCustomer, p.CustomerID, ev, func(s *CustomerSummary) error {
			s.CustomerID = p.CustomerID
			s.ConfirmedCount++
			s.ConfirmedTotalCents += p.AmountCents
			return nil
		})
		return err
	})
	d.Register(domain.EventOrderCancelled, func(ctx context.Context, ev eventstore.DomainEvent) error {
		var p domain.OrderClosedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		_, err := Upsert(ctx, w, KindCustomer, p.CustomerID, ev, func(s *CustomerSummary) error {
			s.CustomerID = p.CustomerID
			s.CancelledCount++
			return nil
		})
		return err
	})
}
