package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sagaflow.io/sagaflow/internal/eventstore"
	apperrors "sagaflow.io/sagaflow/internal/pkg/errors"
	"sagaflow.io/sagaflow/internal/saga"
)

// GetSaga handles GET /sagas/:id.
func (s *Server) GetSaga(c *gin.Context) {
	in, err := s.sagas.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, in)
}

// ListActiveSagas handles GET /sagas: every saga not yet terminal.
func (s *Server) ListActiveSagas(c *gin.Context) {
	list, err := s.sagas.ListActive(c.Request.Context())
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": list})
}

// RetrySagaCompensation handles POST /sagas/:id/compensation/retry.
// A retry that fails again is not a request error: the saga stays
// COMPENSATING and the response carries the new failure.
func (s *Server) RetrySagaCompensation(c *gin.Context) {
	in, err := s.sagas.RetryCompensation(c.Request.Context(), c.Param("id"))
	if err != nil && !(errors.Is(err, saga.ErrCompensationFailed) && in.SagaID != "") {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, in)
}

// CancelSaga handles POST /sagas/:id/cancel.
func (s *Server) CancelSaga(c *gin.Context) {
	in, err := s.sagas.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusAccepted, in)
}

// ListBreakers handles GET /breakers.
func (s *Server) ListBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": s.breakers.Snapshots()})
}

// ListAggregateEvents handles GET /aggregates/:id/events?from=<seq>&to=<seq>.
func (s *Server) ListAggregateEvents(c *gin.Context) {
	id := c.Param("id")
	from, err := seqParam(c, "from")
	if err != nil {
		_ = c.Error(err)
		return
	}
	to, err := seqParam(c, "to")
	if err != nil {
		_ = c.Error(err)
		return
	}

	events, err := s.events.LoadRange(c.Request.Context(), id, from, to)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	if len(events) == 0 {
		version, err := s.events.Version(c.Request.Context(), id)
		if err != nil {
			_ = c.Error(toAppError(err))
			return
		}
		if version == 0 {
			_ = c.Error(apperrors.ErrAggregateNotFoundf(id))
			return
		}
		events = []eventstore.DomainEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"items": events})
}

func seqParam(c *gin.Context, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, apperrors.ErrInvalidRequestFieldf(name, "must be a non-negative integer")
	}
	return n, nil
}
