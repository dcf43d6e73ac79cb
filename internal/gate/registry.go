package gate

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/pkg/logger"
)

// TransitionHook observes breaker state changes.
type TransitionHook func(Transition)

// Registry owns one CircuitBreaker per collaborator name.
// It is passed explicitly to the Gate; tests build a fresh one per case.
type Registry struct {
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
	now       func() time.Time
	hooks     []TransitionHook

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithOverride sets a collaborator-specific breaker configuration.
func WithOverride(collaborator string, cfg BreakerConfig) RegistryOption {
	return func(r *Registry) { r.overrides[collaborator] = cfg }
}

// WithTransitionHook adds a hook called on every state change.
func WithTransitionHook(h TransitionHook) RegistryOption {
	return func(r *Registry) { r.hooks = append(r.hooks, h) }
}

// NewRegistry creates an empty registry. Breakers are created lazily.
func NewRegistry(defaults BreakerConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		defaults:  defaults,
		overrides: make(map[string]BreakerConfig),
		now:       time.Now,
		breakers:  make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breaker returns the breaker for a collaborator, creating it on first use.
func (r *Registry) Breaker(collaborator string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[collaborator]; ok {
		return b
	}
	cfg, ok := r.overrides[collaborator]
	if !ok {
		cfg = r.defaults
	}
	b := newCircuitBreaker(collaborator, cfg, r.now, r.onTransition)
	r.breakers[collaborator] = b
	return b
}

// Snapshots returns the state of every known breaker, sorted by name.
func (r *Registry) Snapshots() []CircuitBreakerState {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]CircuitBreakerState, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollaboratorName < out[j].CollaboratorName })
	return out
}

func (r *Registry) onTransition(t Transition) {
	logger.Named("gate").Info("Circuit breaker transition",
		zap.String("collaborator", t.Collaborator),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
	)
	for _, h := range r.hooks {
		h(t)
	}
}
