package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"sagaflow.io/sagaflow/internal/gate"
)

// StepKind tags the variant of a Step.
type StepKind int

const (
	// KindLocal steps touch only the event store.
	KindLocal StepKind = iota + 1
	// KindRemote steps call a collaborator through the gate.
	KindRemote
)

func (k StepKind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Step is one business step of a saga: an action and its compensation.
// The set of variants is closed (*LocalStep and *RemoteStep); remote variants
// receive the gate that isolates their collaborator.
type Step interface {
	Name() string
	Kind() StepKind
	Execute(ctx context.Context, sc StepContext, g *gate.Gate) (json.RawMessage, error)
	Compensate(ctx context.Context, sc StepContext, g *gate.Gate) error
	sealed()
}

// StepContext is what a step sees when it runs or compensates.
type StepContext struct {
	SagaID     string
	Definition string
	StepIndex  int
	StepName   string
	// IdempotencyKey is stable across retries and resumes: sagaID:index:action
	// for the action, sagaID:index:compensate for the compensation.
	IdempotencyKey string
	Input          json.RawMessage
	// Output is this step's recorded output; set for compensations.
	Output json.RawMessage
	// Outputs holds the outputs of completed steps, by step name.
	Outputs map[string]json.RawMessage
}

// DecodeInput unmarshals the saga input.
func (sc StepContext) DecodeInput(v any) error {
	if err := json.Unmarshal(sc.Input, v); err != nil {
		return fmt.Errorf("decode input of saga %s: %w", sc.SagaID, err)
	}
	return nil
}

// DecodeOutput unmarshals the recorded output of a completed step.
func (sc StepContext) DecodeOutput(step string, v any) error {
	raw, ok := sc.Outputs[step]
	if !ok || len(raw) == 0 {
		return fmt.Errorf("saga %s has no output for step %s", sc.SagaID, step)
	}
	return json.Unmarshal(raw, v)
}

// ActionFunc performs a step's forward action and returns its output.
type ActionFunc func(ctx context.Context, sc StepContext) (json.RawMessage, error)

// UndoFunc reverses a completed step.
type UndoFunc func(ctx context.Context, sc StepContext) error

// LocalStep runs in-process, typically appending events to a business aggregate.
// Do and Undo must be idempotent with respect to sc: they may run again after a crash.
type LocalStep struct {
	StepName string
	Do       ActionFunc
	// Undo is nil for steps with nothing to reverse.
	Undo UndoFunc
}

func (s *LocalStep) Name() string   { return s.StepName }
func (s *LocalStep) Kind() StepKind { return KindLocal }
func (*LocalStep) sealed()          {}

// Execute runs Do.
func (s *LocalStep) Execute(ctx context.Context, sc StepContext, _ *gate.Gate) (json.RawMessage, error) {
	return s.Do(ctx, sc)
}

// Compensate runs Undo, if any.
func (s *LocalStep) Compensate(ctx context.Context, sc StepContext, _ *gate.Gate) error {
	if s.Undo == nil {
		return nil
	}
	return s.Undo(ctx, sc)
}

// RemoteStep calls a collaborator through the gate, then records the result locally.
type RemoteStep struct {
	StepName     string
	Collaborator string
	// Call is executed through the gate with sc.IdempotencyKey.
	Call ActionFunc
	// Record runs after Call succeeds, with Call's output.
	Record func(ctx context.Context, sc StepContext, out json.RawMessage) error
	// Undo is executed through the gate; nil for steps with nothing to reverse.
	Undo UndoFunc
	// RecordUndo runs after Undo succeeds.
	RecordUndo UndoFunc
}

func (s *RemoteStep) Name() string   { return s.StepName }
func (s *RemoteStep) Kind() StepKind { return KindRemote }
func (*RemoteStep) sealed()          {}

// Execute calls the collaborator through g, then records the result.
func (s *RemoteStep) Execute(ctx context.Context, sc StepContext, g *gate.Gate) (json.RawMessage, error) {
	out, err := gate.Execute(ctx, g, s.Collaborator, sc.IdempotencyKey,
		func(ctx context.Context, key string) (json.RawMessage, error) {
			call := sc
			call.IdempotencyKey = key
			return s.Call(ctx, call)
		})
	if err != nil {
		return nil, err
	}
	if s.Record != nil {
		if err := s.Record(ctx, sc, out); err != nil {
			return nil, &UnrecordedEffectError{Step: s.StepName, Output: out, Err: err}
		}
	}
	return out, nil
}

// UnrecordedEffectError means the collaborator applied the call but recording
// its result failed. The step failed yet still owes its compensation, which
// sees Output as the step output.
type UnrecordedEffectError struct {
	Step   string
	Output json.RawMessage
	Err    error
}

func (e *UnrecordedEffectError) Error() string {
	return fmt.Sprintf("record %s: %v", e.Step, e.Err)
}

func (e *UnrecordedEffectError) Unwrap() error { return e.Err }

// Compensate calls Undo through g, then RecordUndo.
func (s *RemoteStep) Compensate(ctx context.Context, sc StepContext, g *gate.Gate) error {
	if s.Undo != nil {
		_, err := gate.Execute(ctx, g, s.Collaborator, sc.IdempotencyKey,
			func(ctx context.Context, key string) (struct{}, error) {
				call := sc
				call.IdempotencyKey = key
				return struct{}{}, s.Undo(ctx, call)
			})
		if err != nil {
			return err
		}
	}
	if s.RecordUndo != nil {
		if err := s.RecordUndo(ctx, sc); err != nil {
			return fmt.Errorf("record undo of %s: %w", s.StepName, err)
		}
	}
	return nil
}

// Definition is a named, ordered list of steps.
type Definition struct {
	Name  string
	Steps []Step
}

// Validate checks the definition is runnable.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("saga definition name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s has no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, st := range d.Steps {
		if st == nil || st.Name() == "" {
			return fmt.Errorf("saga %s step %d has no name", d.Name, i)
		}
		if seen[st.Name()] {
			return fmt.Errorf("saga %s has duplicate step %s", d.Name, st.Name())
		}
		seen[st.Name()] = true
		switch s := st.(type) {
		case *LocalStep:
			if s.Do == nil {
				return fmt.Errorf("saga %s local step %s has no action", d.Name, s.StepName)
			}
		case *RemoteStep:
			if s.Call == nil || s.Collaborator == "" {
				return fmt.Errorf("saga %s remote step %s needs a collaborator and a call", d.Name, s.StepName)
			}
		}
	}
	return nil
}

func (d Definition) stepNames() []string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name()
	}
	return names
}

// ErrUnknownDefinition is returned for an unregistered saga name.
var ErrUnknownDefinition = errors.New("unknown saga definition")

// Registry holds the closed set of saga definitions known to this process.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition after validating it.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.defs[def.Name]; dup {
		return fmt.Errorf("saga %s already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownDefinition, name)
	}
	return def, nil
}

// Names returns the registered definition names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for n := range r.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
