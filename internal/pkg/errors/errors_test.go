package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeSagaNotFound, "saga not found", http.StatusNotFound),
			want: "SAGA_NOT_FOUND: saga not found",
		},
		{
			name: "with wrapped error",
			err:  Wrap(fmt.Errorf("version 3 != 2"), CodeConcurrencyConflict, "stale write", http.StatusConflict),
			want: "CONCURRENCY_CONFLICT: stale write: version 3 != 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap(inner, "CODE", "msg", 500)

	if !errors.Is(appErr, inner) {
		t.Error("errors.Is should match inner error")
	}
}

func TestIsAppError(t *testing.T) {
	appErr := ErrSagaNotFoundf("saga-1")
	wrapped := fmt.Errorf("wrapped: %w", appErr)

	got, ok := IsAppError(wrapped)
	if !ok {
		t.Fatal("IsAppError should return true for wrapped AppError")
	}
	if got.Code != CodeSagaNotFound {
		t.Errorf("Code = %q, want %s", got.Code, CodeSagaNotFound)
	}
	if got.Params["saga_id"] != "saga-1" {
		t.Errorf("Params[saga_id] = %v, want saga-1", got.Params["saga_id"])
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
	}{
		{"NotFound", NotFound("NF", "not found"), http.StatusNotFound},
		{"BadRequest", BadRequest("BR", "bad request"), http.StatusBadRequest},
		{"Conflict", Conflict("CF", "conflict"), http.StatusConflict},
		{"Unavailable", Unavailable("UA", "unavailable"), http.StatusServiceUnavailable},
		{"Internal", Internal("IE", "internal"), http.StatusInternalServerError},
		{"ReadModelNotFound", ErrReadModelNotFoundf("order", "o-1"), http.StatusNotFound},
		{"InvalidField", ErrInvalidRequestFieldf("lines", "must not be empty"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", tt.err.HTTPStatus, tt.wantStatus)
			}
		})
	}
}

func TestWithParams_Empty(t *testing.T) {
	err := New("CODE", "msg", http.StatusBadRequest).WithParams(nil)
	if err.Params != nil {
		t.Errorf("Params = %v, want nil", err.Params)
	}
}
