package handlers

import (
	"errors"
	"net/http"

	"sagaflow.io/sagaflow/internal/aggregate"
	"sagaflow.io/sagaflow/internal/eventstore"
	"sagaflow.io/sagaflow/internal/gate"
	apperrors "sagaflow.io/sagaflow/internal/pkg/errors"
	"sagaflow.io/sagaflow/internal/projection"
	"sagaflow.io/sagaflow/internal/saga"
)

// toAppError maps component sentinels onto API error codes. Unknown errors
// pass through and render as INTERNAL_ERROR.
func toAppError(err error) error {
	if _, ok := apperrors.IsAppError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, saga.ErrSagaNotFound):
		return apperrors.Wrap(err, apperrors.CodeSagaNotFound, "saga not found", http.StatusNotFound)
	case errors.Is(err, saga.ErrNotCancellable):
		return apperrors.Wrap(err, apperrors.CodeSagaNotCancellable, "saga cannot be cancelled", http.StatusConflict)
	case errors.Is(err, saga.ErrNotCompensating):
		return apperrors.Wrap(err, apperrors.CodeSagaNotCompensating, "saga is not compensating", http.StatusConflict)
	case errors.Is(err, saga.ErrSagaBusy):
		return apperrors.Wrap(err, apperrors.CodeSagaBusy, "saga is being driven by another request", http.StatusConflict)
	case errors.Is(err, saga.ErrInvalidInput):
		return apperrors.Wrap(err, apperrors.CodeValidationFailed, "invalid saga input", http.StatusBadRequest)
	case errors.Is(err, eventstore.ErrConcurrencyConflict):
		return apperrors.Wrap(err, apperrors.CodeConcurrencyConflict, "concurrent modification, retry the request", http.StatusConflict)
	case errors.Is(err, aggregate.ErrAggregateNotFound):
		return apperrors.Wrap(err, apperrors.CodeAggregateNotFound, "aggregate has no events", http.StatusNotFound)
	case errors.Is(err, projection.ErrNotFound):
		return apperrors.Wrap(err, apperrors.CodeReadModelNotFound, "read model entry not found", http.StatusNotFound)
	case errors.Is(err, gate.ErrCircuitOpen):
		return apperrors.Wrap(err, apperrors.CodeCircuitOpen, "collaborator circuit is open", http.StatusServiceUnavailable)
	case errors.Is(err, gate.ErrTimeout):
		return apperrors.Wrap(err, apperrors.CodeCollaboratorTimeout, "collaborator timed out", http.StatusGatewayTimeout)
	case errors.Is(err, gate.ErrCollaboratorUnavailable):
		return apperrors.Wrap(err, apperrors.CodeCollaboratorUnavailable, "collaborator unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, gate.ErrRejected):
		return apperrors.Wrap(err, apperrors.CodeCollaboratorRejected, "collaborator rejected the request", http.StatusUnprocessableEntity)
	}
	return err
}
