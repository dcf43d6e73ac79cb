package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sagaflow.io/sagaflow/internal/gate"
)

// HeaderIdempotencyKey carries the caller's idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxErrorBody = 512

// HTTPClient talks JSON to a collaborator service.
//
// Routes:
//
//	POST {base}/reservations                 Reserve
//	POST {base}/reservations/{id}/release    Release
//	POST {base}/payments                     Charge
//	POST {base}/payments/{id}/refunds        Refund
//
// Status mapping: 2xx succeeds, 408/429/5xx and transport errors are
// transient, other 4xx wrap gate.ErrRejected. Deadlines surface as
// context.DeadlineExceeded, which the gate classifies as a timeout.
type HTTPClient struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds a client for the named collaborator. timeout bounds a
// single request on top of the caller's context; zero leaves it to the context.
func NewHTTPClient(name, baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Name() string { return c.name }

func (c *HTTPClient) Reserve(ctx context.Context, key string, req ReserveRequest) (Reservation, error) {
	var out Reservation
	err := c.do(ctx, OpReserve, "/reservations", key, req, &out)
	return out, err
}

func (c *HTTPClient) Release(ctx context.Context, key, reservationID string) error {
	return c.do(ctx, OpRelease, "/reservations/"+url.PathEscape(reservationID)+"/release", key, nil, nil)
}

func (c *HTTPClient) Charge(ctx context.Context, key string, req ChargeRequest) (Payment, error) {
	var out Payment
	err := c.do(ctx, OpCharge, "/payments", key, req, &out)
	return out, err
}

func (c *HTTPClient) Refund(ctx context.Context, key string, req RefundRequest) error {
	return c.do(ctx, OpRefund, "/payments/"+url.PathEscape(req.PaymentID)+"/refunds", key, req, nil)
}

func (c *HTTPClient) do(ctx context.Context, op, path, key string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode %s %s request: %v", gate.ErrRejected, c.name, op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: build %s %s request: %v", gate.ErrRejected, c.name, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderIdempotencyKey, key)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", c.name, op, ctxErr)
		}
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() {
			return fmt.Errorf("%w: %s %s: %v", gate.ErrTimeout, c.name, op, err)
		}
		return fmt.Errorf("%s %s: %w", c.name, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", c.name, op, err)
		}
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := fmt.Errorf("%s %s: status %d: %s", c.name, op, resp.StatusCode, strings.TrimSpace(string(detail)))
	if rejected(resp.StatusCode) {
		return fmt.Errorf("%w: %w", gate.ErrRejected, statusErr)
	}
	return statusErr
}

func rejected(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
