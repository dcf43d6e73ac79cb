package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"sagaflow.io/sagaflow/internal/api/middleware"
	"sagaflow.io/sagaflow/internal/collaborator"
	"sagaflow.io/sagaflow/internal/domain"
	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/gate"
	apperrors "sagaflow.io/sagaflow/internal/pkg/errors"
	"sagaflow.io/sagaflow/internal/pkg/logger"
	"sagaflow.io/sagaflow/internal/projection"
	"sagaflow.io/sagaflow/internal/saga"
	"sagaflow.io/sagaflow/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

type fixture struct {
	router    *gin.Engine
	events    eventstore.Store
	inventory *collaborator.Mock
	payments  *collaborator.Mock
	projector *projection.Projector
}

func newFixture(t *testing.T, checks ...HealthCheck) *fixture {
	t.Helper()
	f := &fixture{
		events:    eventstore.NewMemoryStore(),
		inventory: collaborator.NewMock(collaborator.NameInventory),
		payments:  collaborator.NewMock(collaborator.NamePayment),
	}
	defs := saga.NewRegistry()
	require.NoError(t, defs.Register(usecase.NewOrderSaga(usecase.OrderSagaDeps{
		Store:     f.events,
		Inventory: f.inventory,
		Payments:  f.payments,
	})))
	breakers := gate.NewRegistry(gate.DefaultBreakerConfig())
	g := gate.New(breakers, gate.Config{
		AttemptTimeout: 100 * time.Millisecond,
		Retry: gate.RetryPolicy{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      1,
		},
	})
	coordinator := saga.NewCoordinator(f.events, defs, g, saga.DefaultConfig())

	readStore := projection.NewMemoryStore()
	f.projector = projection.NewProjector(f.events, readStore, projection.DefaultConfig(), nil, projection.DefaultProjections()...)

	server := NewServer(ServerDeps{
		PlaceOrder: usecase.NewPlaceOrderUseCase(coordinator),
		Sagas:      coordinator,
		Breakers:   breakers,
		Events:     f.events,
		ReadModels: projection.NewReader(readStore),
		Checks:     checks,
	})
	f.router = gin.New()
	f.router.Use(middleware.RequestID(), middleware.ErrorHandler())
	server.RegisterRoutes(f.router.Group("/api/v1"), f.router.Group("/health"))
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) project(t *testing.T) {
	t.Helper()
	require.NoError(t, f.projector.Drain(context.Background()))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func orderRequest(customer string) usecase.PlaceOrderInput {
	return usecase.PlaceOrderInput{
		CustomerID: customer,
		Lines:      []domain.OrderLine{{SKU: "book", Quantity: 2, UnitPriceCents: 1250}},
		Currency:   "EUR",
	}
}

type errorBody struct {
	Code   string         `json:"code"`
	Params map[string]any `json:"params"`
}

func TestCreateOrder_ConfirmsAndProjects(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/orders", orderRequest("c-1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out := decode[usecase.PlaceOrderOutput](t, w)
	require.Equal(t, saga.StatusCompleted, out.Status)
	require.Equal(t, "/api/v1/orders/"+out.OrderID, w.Header().Get("Location"))

	// Before projection only the event-sourced view knows the order.
	w = f.do(t, http.MethodGet, "/api/v1/orders/"+out.OrderID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, apperrors.CodeReadModelNotFound, decode[errorBody](t, w).Code)

	w = f.do(t, http.MethodGet, "/api/v1/orders/"+out.OrderID+"?consistent=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, domain.OrderStatusConfirmed, decode[domain.Order](t, w).Status)

	f.project(t)
	w = f.do(t, http.MethodGet, "/api/v1/orders/"+out.OrderID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	order := decode[domain.Order](t, w)
	require.Equal(t, domain.OrderStatusConfirmed, order.Status)
	require.EqualValues(t, 2500, order.AmountCents)

	w = f.do(t, http.MethodGet, "/api/v1/customers/c-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[projection.CustomerSummary](t, w)
	require.Equal(t, 1, summary.ConfirmedCount)
	require.EqualValues(t, 2500, summary.ConfirmedTotalCents)

	w = f.do(t, http.MethodGet, "/api/v1/sagas/"+out.SagaID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	in := decode[saga.Instance](t, w)
	require.Equal(t, usecase.SagaPlaceOrder, in.Definition)
	require.Len(t, in.StepLog, 4)
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name      string
		body      any
		wantField string
	}{
		{name: "malformed body", body: "not an object", wantField: "body"},
		{name: "missing customer", body: orderRequest(""), wantField: "customer_id"},
		{
			name: "bad currency",
			body: usecase.PlaceOrderInput{
				CustomerID: "c-1",
				Lines:      []domain.OrderLine{{SKU: "x", Quantity: 1, UnitPriceCents: 1}},
				Currency:   "EURO",
			},
			wantField: "currency",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/orders", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			body := decode[errorBody](t, w)
			require.Equal(t, apperrors.CodeInvalidRequestField, body.Code)
			require.Equal(t, tt.wantField, body.Params["field"])
		})
	}
}

func TestCreateOrder_RejectedPaymentCompensates(t *testing.T) {
	f := newFixture(t)
	f.payments.FailAlways(collaborator.OpCharge, gate.ErrRejected)

	w := f.do(t, http.MethodPost, "/api/v1/orders", orderRequest("c-2"))
	require.Equal(t, http.StatusCreated, w.Code)
	out := decode[usecase.PlaceOrderOutput](t, w)
	require.Equal(t, saga.StatusFailed, out.Status)
	require.NotEmpty(t, out.Failure)
	require.Empty(t, f.inventory.Outstanding())

	f.project(t)
	w = f.do(t, http.MethodGet, "/api/v1/orders/"+out.OrderID, nil)
	require.Equal(t, domain.OrderStatusCancelled, decode[domain.Order](t, w).Status)
}

func TestRetrySagaCompensation(t *testing.T) {
	f := newFixture(t)
	f.payments.FailAlways(collaborator.OpCharge, gate.ErrRejected)
	f.inventory.FailAlways(collaborator.OpRelease, errors.New("connection reset by peer"))

	w := f.do(t, http.MethodPost, "/api/v1/orders", orderRequest("c-3"))
	require.Equal(t, http.StatusAccepted, w.Code)
	out := decode[usecase.PlaceOrderOutput](t, w)
	require.Equal(t, saga.StatusCompensating, out.Status)

	w = f.do(t, http.MethodGet, "/api/v1/sagas", nil)
	require.Equal(t, http.StatusOK, w.Code)
	active := decode[struct {
		Items []saga.Instance `json:"items"`
	}](t, w)
	require.Len(t, active.Items, 1)

	// Still failing: the saga stays COMPENSATING and the call succeeds.
	w = f.do(t, http.MethodPost, "/api/v1/sagas/"+out.SagaID+"/compensation/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, saga.StatusCompensating, decode[saga.Instance](t, w).Status)

	f.inventory.FailAlways(collaborator.OpRelease, nil)
	w = f.do(t, http.MethodPost, "/api/v1/sagas/"+out.SagaID+"/compensation/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, saga.StatusFailed, decode[saga.Instance](t, w).Status)
	require.Empty(t, f.inventory.Outstanding())

	w = f.do(t, http.MethodPost, "/api/v1/sagas/"+out.SagaID+"/compensation/retry", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, apperrors.CodeSagaNotCompensating, decode[errorBody](t, w).Code)
}

func TestCancelSaga(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/orders", orderRequest("c-4"))
	out := decode[usecase.PlaceOrderOutput](t, w)

	w = f.do(t, http.MethodPost, "/api/v1/sagas/"+out.SagaID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, apperrors.CodeSagaNotCancellable, decode[errorBody](t, w).Code)

	w = f.do(t, http.MethodPost, "/api/v1/sagas/missing/cancel", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, apperrors.CodeSagaNotFound, decode[errorBody](t, w).Code)
}

func TestListOrders_Pages(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/orders", orderRequest("c-5"))
		require.Equal(t, http.StatusCreated, w.Code)
	}
	f.project(t)

	w := f.do(t, http.MethodGet, "/api/v1/orders?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[OrderList](t, w)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.Next)
	require.Less(t, page.Items[0].ID, page.Items[1].ID)

	w = f.do(t, http.MethodGet, "/api/v1/orders?limit=2&from="+page.Next, nil)
	rest := decode[OrderList](t, w)
	require.Len(t, rest.Items, 1)
	require.Empty(t, rest.Next)

	w = f.do(t, http.MethodGet, "/api/v1/orders?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAggregateEvents(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/orders", orderRequest("c-6"))
	out := decode[usecase.PlaceOrderOutput](t, w)

	type eventList struct {
		Items []eventstore.DomainEvent `json:"items"`
	}

	w = f.do(t, http.MethodGet, "/api/v1/aggregates/"+out.OrderID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[eventList](t, w).Items
	require.Equal(t, domain.EventOrderCreated, all[0].EventType)
	require.Equal(t, domain.EventOrderConfirmed, all[len(all)-1].EventType)

	w = f.do(t, http.MethodGet, "/api/v1/aggregates/"+out.OrderID+"/events?from=2&to=2", nil)
	require.Len(t, decode[eventList](t, w).Items, 1)

	w = f.do(t, http.MethodGet, "/api/v1/aggregates/"+out.OrderID+"/events?from=99", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode[eventList](t, w).Items)

	w = f.do(t, http.MethodGet, "/api/v1/aggregates/nope/events", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, apperrors.CodeAggregateNotFound, decode[errorBody](t, w).Code)

	w = f.do(t, http.MethodGet, "/api/v1/aggregates/nope/events?from=x", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListBreakers(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/v1/orders", orderRequest("c-7"))

	w := f.do(t, http.MethodGet, "/api/v1/breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Items []gate.CircuitBreakerState `json:"items"`
	}](t, w)
	require.Len(t, list.Items, 2)
	for _, b := range list.Items {
		require.Equal(t, gate.StateClosed, b.State)
	}
}

func TestHealth(t *testing.T) {
	failing := errors.New("down")
	f := newFixture(t,
		HealthCheck{Name: "events", Check: func(context.Context) error { return nil }},
		HealthCheck{Name: "redis", Check: func(context.Context) error { return failing }},
	)

	w := f.do(t, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}](t, w)
	require.Equal(t, "degraded", body.Status)
	require.Equal(t, map[string]string{"events": "ok", "redis": "error"}, body.Checks)
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		err        error
		wantCode   string
		wantStatus int
	}{
		{saga.ErrSagaBusy, apperrors.CodeSagaBusy, http.StatusConflict},
		{eventstore.ErrConcurrencyConflict, apperrors.CodeConcurrencyConflict, http.StatusConflict},
		{gate.ErrCircuitOpen, apperrors.CodeCircuitOpen, http.StatusServiceUnavailable},
		{gate.ErrTimeout, apperrors.CodeCollaboratorTimeout, http.StatusGatewayTimeout},
		{gate.ErrRejected, apperrors.CodeCollaboratorRejected, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			appErr, ok := apperrors.IsAppError(toAppError(tt.err))
			require.True(t, ok)
			require.Equal(t, tt.wantCode, appErr.Code)
			require.Equal(t, tt.wantStatus, appErr.HTTPStatus)
		})
	}

	plain := errors.New("boom")
	require.Same(t, plain, toAppError(plain))
}
