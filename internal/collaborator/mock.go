package collaborator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sagaflow.io/sagaflow/internal/gate"
)

// Effect is one side effect applied by a Mock.
type Effect struct {
	Op  string
	Key string
	ID  string
}

// Mock is an in-memory collaborator implementing both Inventory and Payments.
// Failures are scripted per operation; a key already applied replays its
// first result without a new effect.
type Mock struct {
	name string

	mu       sync.Mutex
	scripts  map[string][]error
	always   map[string]error
	latency  map[string]time.Duration
	calls    map[string]int
	results  map[string]string // op|key -> resulting ID
	effects  []Effect
	released map[string]bool
	refunded map[string]int64
}

// NewMock creates a mock named after the collaborator it stands in for.
func NewMock(name string) *Mock {
	m := &Mock{name: name}
	m.Reset()
	return m
}

// Reset clears scripts, calls, and effects.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = make(map[string][]error)
	m.always = make(map[string]error)
	m.latency = make(map[string]time.Duration)
	m.calls = make(map[string]int)
	m.results = make(map[string]string)
	m.effects = nil
	m.released = make(map[string]bool)
	m.refunded = make(map[string]int64)
}

func (m *Mock) Name() string { return m.name }

// Script queues errors returned by the next calls of op, one per call.
// A nil entry lets that call succeed.
func (m *Mock) Script(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[op] = append(m.scripts[op], errs...)
}

// FailAlways makes every call of op fail with err once its script is drained.
// A nil err clears it.
func (m *Mock) FailAlways(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.always, op)
		return
	}
	m.always[op] = err
}

// SetLatency delays every call of op, honoring context cancellation.
func (m *Mock) SetLatency(op string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency[op] = d
}

// Calls counts invocations of op, including failed and replayed ones.
func (m *Mock) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Effects returns applied side effects in order.
func (m *Mock) Effects() []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Effect(nil), m.effects...)
}

// EffectCount counts applied side effects of op.
func (m *Mock) EffectCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.effects {
		if e.Op == op {
			n++
		}
	}
	return n
}

// Outstanding lists reservation or payment IDs not yet released or refunded.
func (m *Mock) Outstanding() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, e := range m.effects {
		switch e.Op {
		case OpReserve:
			if !m.released[e.ID] {
				ids = append(ids, e.ID)
			}
		case OpCharge:
			if _, ok := m.refunded[e.ID]; !ok {
				ids = append(ids, e.ID)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Mock) Reserve(ctx context.Context, key string, req ReserveRequest) (Reservation, error) {
	if len(req.Items) == 0 {
		return Reservation{}, fmt.Errorf("%w: %s: nothing to reserve", gate.ErrRejected, m.name)
	}
	id, err := m.invoke(ctx, OpReserve, key, func() (string, error) {
		return "res-" + derivedID(OpReserve, key), nil
	})
	return Reservation{ReservationID: id}, err
}

func (m *Mock) Release(ctx context.Context, key, reservationID string) error {
	_, err := m.invoke(ctx, OpRelease, key, func() (string, error) {
		if m.released[reservationID] {
			return reservationID, nil
		}
		if !m.applied(OpReserve, reservationID) {
			return "", fmt.Errorf("%w: %s: unknown reservation %s", gate.ErrRejected, m.name, reservationID)
		}
		m.released[reservationID] = true
		return reservationID, nil
	})
	return err
}

func (m *Mock) Charge(ctx context.Context, key string, req ChargeRequest) (Payment, error) {
	if req.AmountCents <= 0 {
		return Payment{}, fmt.Errorf("%w: %s: amount must be positive", gate.ErrRejected, m.name)
	}
	id, err := m.invoke(ctx, OpCharge, key, func() (string, error) {
		return "pay-" + derivedID(OpCharge, key), nil
	})
	return Payment{PaymentID: id}, err
}

func (m *Mock) Refund(ctx context.Context, key string, req RefundRequest) error {
	_, err := m.invoke(ctx, OpRefund, key, func() (string, error) {
		if !m.applied(OpCharge, req.PaymentID) {
			return "", fmt.Errorf("%w: %s: unknown payment %s", gate.ErrRejected, m.name, req.PaymentID)
		}
		m.refunded[req.PaymentID] += req.AmountCents
		return req.PaymentID, nil
	})
	return err
}

// invoke applies scripts and latency, then replays or runs apply under the lock.
func (m *Mock) invoke(ctx context.Context, op, key string, apply func() (string, error)) (string, error) {
	m.mu.Lock()
	m.calls[op]++
	var scripted error
	if q := m.scripts[op]; len(q) > 0 {
		scripted, m.scripts[op] = q[0], q[1:]
	} else {
		scripted = m.always[op]
	}
	delay := m.latency[op]
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}
	if scripted != nil {
		return "", scripted
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	resultKey := op + "|" + key
	if id, ok := m.results[resultKey]; ok {
		return id, nil
	}
	id, err := apply()
	if err != nil {
		return "", err
	}
	m.results[resultKey] = id
	m.effects = append(m.effects, Effect{Op: op, Key: key, ID: id})
	return id, nil
}

// applied reports whether op produced id. Caller holds mu.
func (m *Mock) applied(op, id string) bool {
	for _, e := range m.effects {
		if e.Op == op && e.ID == id {
			return true
		}
	}
	return false
}

func derivedID(op, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(op+"|"+key)).String()[:8]
}

var (
	_ Inventory = (*Mock)(nil)
	_ Payments  = (*Mock)(nil)
	_ Inventory = (*HTTPClient)(nil)
	_ Payments  = (*HTTPClient)(nil)
)
