package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/domain"
	apperrors "sagaflow.io/sagaflow/internal/pkg/errors"
	"sagaflow.io/sagaflow/internal/pkg/logger"
	"sagaflow.io/sagaflow/internal/saga"
)

// PlaceOrderInput is the request to place an order.
type PlaceOrderInput struct {
	CustomerID string             `json:"customer_id"`
	Lines      []domain.OrderLine `json:"lines"`
	Currency   string             `json:"currency"`
}

// PlaceOrderOutput reports the order and the saga placing it. Status is the
// saga status when Execute returned; asynchronous modes report RUNNING.
type PlaceOrderOutput struct {
	OrderID string      `json:"order_id"`
	SagaID  string      `json:"saga_id"`
	Status  saga.Status `json:"status"`
	Failure string      `json:"failure,omitempty"`
}

// Scheduler hands a started saga to a durable queue.
type Scheduler interface {
	ScheduleResume(ctx context.Context, sagaID string) error
}

// PlaceOrderUseCase starts the order placement saga.
//
// Without options the saga is driven inline. WithAsync drives it on the saga
// worker pool; WithScheduler enqueues it instead, and recovery covers a
// failed enqueue.
type PlaceOrderUseCase struct {
	coordinator *saga.Coordinator
	scheduler   Scheduler
	async       bool
	log         *zap.Logger
}

// NewPlaceOrderUseCase creates a PlaceOrderUseCase.
func NewPlaceOrderUseCase(coordinator *saga.Coordinator) *PlaceOrderUseCase {
	return &PlaceOrderUseCase{
		coordinator: coordinator,
		log:         logger.Named("usecase"),
	}
}

// WithAsync drives sagas on the coordinator's worker pool.
func (uc *PlaceOrderUseCase) WithAsync(async bool) *PlaceOrderUseCase {
	uc.async = async
	return uc
}

// WithScheduler hands sagas to s. It takes precedence over WithAsync.
func (uc *PlaceOrderUseCase) WithScheduler(s Scheduler) *PlaceOrderUseCase {
	uc.scheduler = s
	return uc
}

// Execute validates the request and starts the saga.
func (uc *PlaceOrderUseCase) Execute(ctx context.Context, input PlaceOrderInput) (*PlaceOrderOutput, error) {
	sagaInput, err := buildOrderSagaInput(input)
	if err != nil {
		return nil, err
	}
	out := &PlaceOrderOutput{OrderID: sagaInput.OrderID, Status: saga.StatusRunning}

	switch {
	case uc.scheduler != nil:
		id, err := uc.coordinator.Begin(ctx, SagaPlaceOrder, sagaInput)
		if err != nil {
			return nil, err
		}
		out.SagaID = id
		if err := uc.scheduler.ScheduleResume(ctx, id); err != nil {
			uc.log.Warn("Saga enqueue failed, left to recovery",
				zap.String("saga_id", id),
				zap.Error(err),
			)
		}
		return out, nil

	case uc.async:
		id, err := uc.coordinator.StartAsync(ctx, SagaPlaceOrder, sagaInput)
		if id == "" {
			return nil, err
		}
		if err != nil {
			uc.log.Warn("Saga submit failed, left to recovery", zap.String("saga_id", id), zap.Error(err))
		}
		out.SagaID = id
		return out, nil
	}

	id, runErr := uc.coordinator.Start(ctx, SagaPlaceOrder, sagaInput)
	if id == "" {
		return nil, runErr
	}
	out.SagaID = id
	if runErr != nil && !errors.Is(runErr, saga.ErrCompensationFailed) {
		return nil, fmt.Errorf("drive saga %s: %w", id, runErr)
	}
	in, err := uc.coordinator.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out.Status = in.Status
	out.Failure = in.Failure
	if runErr != nil {
		uc.log.Warn("Order saga stuck compensating",
			zap.String("saga_id", id),
			zap.String("order_id", out.OrderID),
			zap.Error(runErr),
		)
	}
	return out, nil
}

func buildOrderSagaInput(input PlaceOrderInput) (OrderSagaInput, error) {
	if strings.TrimSpace(input.CustomerID) == "" {
		return OrderSagaInput{}, apperrors.ErrInvalidRequestFieldf("customer_id", "is required")
	}
	if len(input.Lines) == 0 {
		return OrderSagaInput{}, apperrors.ErrInvalidRequestFieldf("lines", "at least one line is required")
	}
	for i, l := range input.Lines {
		if err := l.Validate(); err != nil {
			return OrderSagaInput{}, apperrors.ErrInvalidRequestFieldf(fmt.Sprintf("lines[%d]", i), err.Error())
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if len(currency) != 3 {
		return OrderSagaInput{}, apperrors.ErrInvalidRequestFieldf("currency", "must be a 3-letter ISO code")
	}
	amount := domain.TotalCents(input.Lines)
	if amount <= 0 {
		return OrderSagaInput{}, apperrors.ErrInvalidRequestFieldf("lines", "order total must be positive")
	}
	return OrderSagaInput{
		OrderID:     uuid.NewString(),
		CustomerID:  input.CustomerID,
		Lines:       input.Lines,
		AmountCents: amount,
		Currency:    currency,
	}, nil
}
