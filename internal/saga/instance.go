package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"sagaflow.io/sagaflow/internal/aggregate"
	"sagaflow.io/sagaflow/internal/eventstore"
)

// AggregateSaga is the aggregate type saga instances are stored under.
const AggregateSaga = "saga"

const (
	EventSagaStarted         eventstore.EventType = "SAGA_STARTED"
	EventStepStarted         eventstore.EventType = "SAGA_STEP_STARTED"
	EventStepCompleted       eventstore.EventType = "SAGA_STEP_COMPLETED"
	EventStepFailed          eventstore.EventType = "SAGA_STEP_FAILED"
	EventCancelRequested     eventstore.EventType = "SAGA_CANCEL_REQUESTED"
	EventCompensationStarted eventstore.EventType = "SAGA_COMPENSATION_STARTED"
	EventStepCompensated     eventstore.EventType = "SAGA_STEP_COMPENSATED"
	EventCompensationFailed  eventstore.EventType = "SAGA_COMPENSATION_FAILED"
	EventCompensationRetried eventstore.EventType = "SAGA_COMPENSATION_RETRIED"
	EventSagaCompleted       eventstore.EventType = "SAGA_COMPLETED"
	EventSagaFailed          eventstore.EventType = "SAGA_FAILED"
)

// EventTypes lists every saga event type.
func EventTypes() []eventstore.EventType {
	return []eventstore.EventType{
		EventSagaStarted, EventStepStarted, EventStepCompleted, EventStepFailed,
		EventCancelRequested, EventCompensationStarted, EventStepCompensated,
		EventCompensationFailed, EventCompensationRetried, EventSagaCompleted, EventSagaFailed,
	}
}

type startedPayload struct {
	SagaID     string          `json:"saga_id"`
	Definition string          `json:"definition"`
	Steps      []string        `json:"steps"`
	Input      json.RawMessage `json:"input"`
}

type stepPayload struct {
	Index          int             `json:"index"`
	Name           string          `json:"name"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	Class          string          `json:"class,omitempty"`
	// Effect marks a failed step whose remote call was applied.
	Effect         bool            `json:"effect,omitempty"`
}

type reasonPayload struct {
	Reason string `json:"reason,omitempty"`
}

// StepState is the progress of one step within an instance.
type StepState string

const (
	StepPending            StepState = "PENDING"
	StepStarted            StepState = "STARTED"
	StepCompleted          StepState = "COMPLETED"
	StepFailed             StepState = "FAILED"
	StepCompensated        StepState = "COMPENSATED"
	StepCompensationFailed StepState = "COMPENSATION_FAILED"
)

// StepRecord is one entry of the step log.
type StepRecord struct {
	Index                int             `json:"index"`
	Name                 string          `json:"name"`
	State                StepState       `json:"state"`
	Output               json.RawMessage `json:"output,omitempty"`
	Error                string          `json:"error,omitempty"`
	// Effect is set on a FAILED step whose side effect still needs undoing.
	Effect               bool            `json:"effect,omitempty"`
	Attempts             int             `json:"attempts"`
	CompensationAttempts int             `json:"compensation_attempts"`
	StartedAt            time.Time       `json:"started_at,omitempty"`
	FinishedAt           time.Time       `json:"finished_at,omitempty"`
	CompensatedAt        time.Time       `json:"compensated_at,omitempty"`
}

// needsCompensation reports whether the step produced an effect that is not yet undone.
func (r StepRecord) needsCompensation() bool {
	switch r.State {
	case StepCompleted, StepCompensationFailed:
		return true
	case StepFailed:
		return r.Effect
	}
	return false
}

// Instance is the reconstructed state of one saga.
type Instance struct {
	SagaID           string          `json:"saga_id"`
	Definition       string          `json:"definition"`
	Status           Status          `json:"status"`
	CurrentStepIndex int             `json:"current_step_index"`
	StepLog          []StepRecord    `json:"step_log"`
	Input            json.RawMessage `json:"input"`
	// Failure is the original cause that started compensation.
	Failure string `json:"failure,omitempty"`
	// CompensationFailure is the latest compensation error; cleared on progress.
	CompensationFailure string    `json:"compensation_failure,omitempty"`
	CancelRequested     bool      `json:"cancel_requested"`
	StartedAt           time.Time `json:"started_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	FinishedAt          time.Time `json:"finished_at,omitempty"`
}

// Outputs collects the outputs of steps that completed, by step name.
func (in Instance) Outputs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in.StepLog))
	for _, r := range in.StepLog {
		if len(r.Output) > 0 {
			out[r.Name] = r.Output
		}
	}
	return out
}

// nextCompensation returns the highest step index still owing a compensation, or -1.
func (in Instance) nextCompensation() int {
	for i := len(in.StepLog) - 1; i >= 0; i-- {
		if in.StepLog[i].needsCompensation() {
			return i
		}
	}
	return -1
}

func (in Instance) clone() Instance {
	in.StepLog = append([]StepRecord(nil), in.StepLog...)
	return in
}

// Folds returns the fold table for saga instances.
func Folds() *aggregate.FoldRegistry[Instance] {
	return aggregate.NewFoldRegistry[Instance]().
		Register(EventSagaStarted, foldStarted).
		Register(EventStepStarted, foldStepStarted).
		Register(EventStepCompleted, foldStepCompleted).
		Register(EventStepFailed, foldStepFailed).
		Register(EventCancelRequested, foldCancelRequested).
		Register(EventCompensationStarted, foldCompensationStarted).
		Register(EventStepCompensated, foldStepCompensated).
		Register(EventCompensationFailed, foldCompensationFailed).
		Register(EventCompensationRetried, foldCompensationRetried).
		Register(EventSagaCompleted, foldCompleted).
		Register(EventSagaFailed, foldFailed)
}

// NewInstanceReconstructor builds the saga reconstructor over store.
func NewInstanceReconstructor(store eventstore.Store, opts aggregate.Options) *aggregate.Reconstructor[Instance] {
	return aggregate.NewReconstructor(store, AggregateSaga, Folds(), func() Instance { return Instance{} }, opts)
}

func foldStarted(in Instance, ev eventstore.DomainEvent) (Instance, error) {
	if in.Status != "" {
		return in, fmt.Errorf("%w: %s on existing saga %s", ErrIllegalTransition, ev.EventType, ev.AggregateID)
	}
	var p startedPayload
	if err := ev.DecodePayload(&p); err != nil {
		return in, err
	}
	log := make([]StepRecord, len(p.Steps))
	for i, name := range p.Steps {
		log[i] = StepRecord{Index: i, Name: name, State: StepPending}
	}
	return Instance{
		SagaID:     ev.AggregateID,
		Definition: p.Definition,
		Status:     StatusRunning,
		StepLog:    log,
		Input:      p.Input,
		StartedAt:  ev.OccurredAt,
		UpdatedAt:  ev.OccurredAt,
	}, nil
}

// stepAt decodes a step payload and checks it addresses a known step in an allowed state.
func stepAt(in Instance, ev eventstore.DomainEvent, allowed ...StepState) (Instance, stepPayload, error) {
	var p stepPayload
	if err := ev.DecodePayload(&p); err != nil {
		return in, p, err
	}
	if p.Index < 0 || p.Index >= len(in.StepLog) {
		return in, p, fmt.Errorf("%w: %s for step %d of %d", ErrIllegalTransition, ev.EventType, p.Index, len(in.StepLog))
	}
	cur := in.StepLog[p.Index].State
	for _, s := range allowed {
		if cur == s {
			out := in.clone()
			out.UpdatedAt = ev.OccurredAt
			return out, p, nil
		}
	}
	return in, p, fmt.Errorf("%w: %s for step %d while %s", ErrIllegalTransition, ev.EventType, p.Index, cur)
}

func requireStatus(in Instance, ev eventstore.DomainEvent, want Status) error {
	if in.Status != want {
		return fmt.Errorf("%w: %s while %s", ErrIllegalTransition, ev.EventType, in.Status)
	}
	return nil
}

func foldStepStarted(in Instance, ev eventstore.DomainEvent) (Instance, error) {
	if err := requireStatus(in, ev, StatusRunning); err != nil {
		return in, err
	}
	out, p, err := stepAt(in, ev, StepPending, StepStarted)
	if err != nil {
		return in, err
	}
	if p.Index != in.CurrentStepIndex {
		return in, fmt.Errorf("%w: step %d started while current is %d", ErrIllegalTransition, p.Index, in.CurrentStepIndex)
	}
	rec := &out.StepLog[p.Index]
	rec.State = StepStarted
	rec.Attempts++
	if rec.StartedAt.IsZero() {
		rec.StartedAt = ev.OccurredAt
	}
	return out, nil
}

func foldStepCompleted(in Instance, ev eventstore.DomainEvent) (Instance, error) {
	if err := requireStatus(in, ev, StatusRunning); err != nil {
		return in, err
	}
	out, p, err := stepAt(in, ev, StepStarted)
	if err != nil {
		return in, err
	}
	rec := &out.StepLog[p.Index]
	rec.State = StepCompleted
	rec.Output = p.Output
	rec.FinishedAt = ev.OccurredAt
	out.CurrentStepIndex = p.Index + 1
	return out, nil
}

func foldStepFailed(in Instance, ev eventstore.DomainEvent) (Instance, error) {
	if err := requireStatus(in, ev, StatusRunning); err != nil {
		return in, err
	}
	out, p, err := stepAt(in, ev, StepStarted)
	if err != nil {
		return in, err
	}
	rec := &out.StepLog[p.Index]
	rec.State = StepFailed
	rec.Error = p.Error
	rec.FinishedAt = ev.OccurredAt
	if p.Effect {
		rec.Effect = true
		rec.Output = p.Output
	}
	out.Failure = fmt.Sprintf("step %s failed: %s", p.Name, p.Error)
	return out, nil
}

func foldCancelRequested(in Instance, ev eventstore.DomainEvent) (Instance, error) {
	if !canTransition(in.Status, transitionCompensate) {
		return in, fmt.Errorf("%w: %s while %s", ErrIllegalTransition, ev.EventType, in.Status)
	}
	out := in.clone()
	out.CancelRequested = true
	out.UpdatedAt = ev.OccurredAt
	return out, nil
}

func foldCompensationStarted(in Instance, ev eventstore.DomainEvent) (Instance, error) {
	next, err := nextStatus(in.Status, transitionCompensate)
	if err != nil {
		return in, err
	}
	var p reasonPayload
	if err := ev.DecodePayload(&p); err != nil {
		return in, err
	}
	out := in.clone()
	out.Status = next
	if out.Failure == "" {
		out.Failure = p.Reason
	}
	out.UpdatedAt = ev.OccurredAt
	return out, nil
}

func foldStepCompensated(in Instance, ev eventstore.DomainEvent) (Instance, error) {
	if err := requireStatus(in, ev, StatusCompensating); err != nil {
		return in, err
	}
	out, p, err := stepAt(in, ev, StepCompleted, StepCompensationFailed, StepFailed)
	if err != nil {
		return in, err
	}
	if next := in.nextCompensation(); next != p.Index {
		return in, fmt.Errorf("%w: step %d compensated out of order, expected %d", ErrIllegalTransition, p.Index, next)
	}
	rec := &out.StepLog[p.Index]
	rec.State = StepCompensated
	rec.CompensationAttempts++
	rec.CompensatedAt = ev.OccurredAt
	out.CompensationFailure = ""
	return out, nil
}

func foldCompensationFailed(in Instance, ev eventstore.DomainEvent) (Instance, error) {
	if err := requireStatus(in, ev, StatusCompensating); err != nil {
		return in, err
	}
	out, p, err := stepAt(in, ev, StepCompleted, StepCompensationFailed, StepFailed)
	if err != nil {
		return in, err
	}
	if !in.StepLog[p.Index].needsCompensation() {
		return in, fmt.Errorf("%w: compensation of step %d failed but nothing is owed", ErrIllegalTransition, p.Index)
	}
	rec := &out.StepLog[p.Index]
	rec.State = StepCompensationFailed
	rec.CompensationAttempts++
	rec.Error = p.Error
	out.CompensationFailure = fmt.Sprintf("compensation of %s failed: %s", p.Name, p.Error)
	return out, nil
}

func foldCompensationRetried(in Instance, ev eventstore.DomainEvent) (Instance, error) {
	if err := requireStatus(in, ev, StatusCompensating); err != nil {
		return in, err
	}
	out := in.clone()
	out.UpdatedAt = ev.OccurredAt
	return out, nil
}

func foldCompleted(in Instance, ev eventstore.DomainEvent) (Instance, error) {
	next, err := nextStatus(in.Status, transitionComplete)
	if err != nil {
		return in, err
	}
	if in.CurrentStepIndex != len(in.StepLog) {
		return in, fmt.Errorf("%w: completed at step %d of %d", ErrIllegalTransition, in.CurrentStepIndex, len(in.StepLog))
	}
	if in.CancelRequested {
		return in, fmt.Errorf("%w: completed after cancellation was requested", ErrIllegalTransition)
	}
	out := in.clone()
	out.Status = next
	out.UpdatedAt = ev.OccurredAt
	out.FinishedAt = ev.OccurredAt
	return out, nil
}

func foldFailed(in Instance, ev eventstore.DomainEvent) (Instance, error) {
	next, err := nextStatus(in.Status, transitionFail)
	if err != nil {
		return in, err
	}
	if pending := in.nextCompensation(); pending >= 0 {
		return in, fmt.Errorf("%w: failed with step %d still owing compensation", ErrIllegalTransition, pending)
	}
	out := in.clone()
	out.Status = next
	out.UpdatedAt = ev.OccurredAt
	out.FinishedAt = ev.OccurredAt
	return out, nil
}

// sagaEvent builds a saga event; every payload here is a plain struct that always marshals.
func sagaEvent(t eventstore.EventType, payload any) eventstore.PendingEvent {
	return eventstore.MustEvent(AggregateSaga, t, payload)
}
