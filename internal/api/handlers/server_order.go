package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sagaflow.io/sagaflow/internal/aggregate"
	"sagaflow.io/sagaflow/internal/domain"
	apperrors "sagaflow.io/sagaflow/internal/pkg/errors"
	"sagaflow.io/sagaflow/internal/projection"
	"sagaflow.io/sagaflow/internal/usecase"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// OrderList is a page of order views. Next is the cursor for the following page.
type OrderList struct {
	Items []domain.Order `json:"items"`
	Next  string         `json:"next,omitempty"`
}

// CreateOrder handles POST /orders.
// A saga that already finished answers 201; one still running answers 202.
func (s *Server) CreateOrder(c *gin.Context) {
	var req usecase.PlaceOrderInput
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ErrInvalidRequestFieldf("body", err.Error()))
		return
	}

	out, err := s.placeOrder.Execute(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	status := http.StatusAccepted
	if out.Status.Terminal() {
		status = http.StatusCreated
	}
	c.Header("Location", "/api/v1/orders/"+out.OrderID)
	c.JSON(status, out)
}

// GetOrder handles GET /orders/:id.
// With ?consistent=true the order is rebuilt from its events instead of the
// read model, so a client sees its own writes before the projector catches up.
func (s *Server) GetOrder(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if consistent, _ := strconv.ParseBool(c.Query("consistent")); consistent {
		agg, err := domain.NewOrderReconstructor(s.events, aggregate.Options{}).Reconstruct(ctx, id)
		if errors.Is(err, aggregate.ErrAggregateNotFound) {
			_ = c.Error(apperrors.ErrAggregateNotFoundf(id))
			return
		}
		if err != nil {
			_ = c.Error(toAppError(err))
			return
		}
		c.JSON(http.StatusOK, agg.State)
		return
	}

	order, err := s.readModels.Order(ctx, id)
	if errors.Is(err, projection.ErrNotFound) {
		_ = c.Error(apperrors.ErrReadModelNotFoundf(projection.KindOrder, id))
		return
	}
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, order)
}

// ListOrders handles GET /orders?from=<id>&limit=<n>, a range scan in ID order.
func (s *Server) ListOrders(c *gin.Context) {
	limit, err := pageSize(c.Query("limit"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	// One extra row tells whether another page exists.
	orders, err := s.readModels.Orders(c.Request.Context(), c.Query("from"), limit+1)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	list := OrderList{Items: orders}
	if len(orders) > limit {
		list.Items = orders[:limit]
		list.Next = orders[limit].ID
	}
	c.JSON(http.StatusOK, list)
}

// GetCustomer handles GET /customers/:id.
func (s *Server) GetCustomer(c *gin.Context) {
	id := c.Param("id")
	summary, err := s.readModels.Customer(c.Request.Context(), id)
	if errors.Is(err, projection.ErrNotFound) {
		_ = c.Error(apperrors.ErrReadModelNotFoundf(projection.KindCustomer, id))
		return
	}
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, summary)
}

func pageSize(raw string) (int, error) {
	if raw == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperrors.ErrInvalidRequestFieldf("limit", "must be a positive integer")
	}
	return min(n, maxPageSize), nil
}
