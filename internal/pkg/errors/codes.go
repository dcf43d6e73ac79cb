package errors

import "net/http"

// Error codes carry no localized text; the HTTP layer returns code + message.

// Remote call gate error codes.
const (
	CodeCollaboratorUnavailable = "COLLABORATOR_UNAVAILABLE"
	CodeCollaboratorRejected    = "COLLABORATOR_REJECTED"
	CodeCollaboratorTimeout     = "TIMEOUT"
	CodeCircuitOpen             = "CIRCUIT_OPEN"
)

// Event store error codes.
const (
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeAggregateNotFound   = "AGGREGATE_NOT_FOUND"
)

// Saga error codes.
const (
	CodeSagaNotFound        = "SAGA_NOT_FOUND"
	CodeSagaNotCancellable  = "SAGA_NOT_CANCELLABLE"
	CodeSagaNotCompensating = "SAGA_NOT_COMPENSATING"
	CodeSagaBusy            = "SAGA_BUSY"
	CodeCompensationFailure = "COMPENSATION_FAILED"
	CodeSagaFailed          = "SAGA_FAILED"
)

// Read model error codes.
const (
	CodeReadModelNotFound = "READ_MODEL_NOT_FOUND"
)

// Validation error codes.
const (
	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
	CodeValidationFailed    = "VALIDATION_FAILED"
)

// Convenience constructors using predefined codes.

// ErrSagaNotFoundf creates a saga not found error.
func ErrSagaNotFoundf(sagaID string) *AppError {
	return NotFound(CodeSagaNotFound, "saga not found").
		WithParams(map[string]interface{}{"saga_id": sagaID})
}

// ErrAggregateNotFoundf creates an aggregate not found error.
func ErrAggregateNotFoundf(aggregateID string) *AppError {
	return NotFound(CodeAggregateNotFound, "aggregate has no events").
		WithParams(map[string]interface{}{"aggregate_id": aggregateID})
}

// ErrReadModelNotFoundf creates a read model entry not found error.
func ErrReadModelNotFoundf(kind, key string) *AppError {
	return NotFound(CodeReadModelNotFound, "read model entry not found").
		WithParams(map[string]interface{}{"kind": kind, "key": key})
}

// ErrInvalidRequestFieldf creates a bad request error for an invalid field.
func ErrInvalidRequestFieldf(fieldName, reason string) *AppError {
	return &AppError{
		Code:       CodeInvalidRequestField,
		Message:    "invalid request field " + fieldName + ": " + reason,
		HTTPStatus: http.StatusBadRequest,
		Params:     map[string]interface{}{"field": fieldName},
	}
}
