package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Well-known breaker names with built-in defaults.
const (
	EmailService   = "email_service"
	PaymentGateway = "payment_gateway"
	ExternalAPI    = "external_api"
	Database       = "database"
)

var wellKnown = map[string]Config{
	EmailService: {
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		ResetTimeout:     60 * time.Second,
	},
	PaymentGateway: {
		FailureThreshold: 2,
		SuccessThreshold: 3,
		OpenTimeout:      60 * time.Second,
		ResetTimeout:     120 * time.Second,
	},
	ExternalAPI: {
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      15 * time.Second,
		ResetTimeout:     30 * time.Second,
	},
	Database: {
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      5 * time.Second,
		ResetTimeout:     10 * time.Second,
	},
}

// Registry owns all named breakers in the process. Lookup is a
// read-locked index; each breaker serializes its own state.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	log      *zap.Logger
	onChange func(name string, from, to State)
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		log:      logger,
	}
}

// OnStateChange registers a registry-wide transition callback applied
// to breakers created afterwards. Used by the engine to export breaker
// state as metrics.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Get returns the breaker for name, creating it on first use with the
// well-known defaults for that name or DefaultConfig otherwise.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock: a concurrent first user may have
	// won the creation.
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, known := wellKnown[name]
	if !known {
		cfg = DefaultConfig
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.onChange
	}
	b = New(name, cfg, r.log)
	r.breakers[name] = b
	return b
}

// Configure creates or replaces the breaker for name with an explicit
// config. An existing breaker is stopped first.
func (r *Registry) Configure(name string, cfg Config) *Breaker {
	return r.configure(name, cfg)
}

func (r *Registry) configure(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.breakers[name]; ok {
		prev.Stop()
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.onChange
	}
	b := New(name, cfg, r.log)
	r.breakers[name] = b
	return b
}

// Call runs fn inside the named breaker.
func (r *Registry) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name).Call(ctx, fn)
}

// Allow reports whether the named breaker admits a call right now.
func (r *Registry) Allow(name string) bool {
	return r.Get(name).Allow()
}

// Status returns a snapshot of the named breaker.
func (r *Registry) Status(name string) Status {
	return r.Get(name).Status()
}

// StatusAll returns snapshots of every breaker in the registry.
func (r *Registry) StatusAll() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Status())
	}
	return out
}

// ForceState moves the named breaker to a state directly.
func (r *Registry) ForceState(name string, s State) {
	r.Get(name).ForceState(s)
}

// Reset returns the named breaker to closed with cleared counters.
func (r *Registry) Reset(name string) {
	r.Get(name).Reset()
}

// Stop cancels every breaker's timers. Called on engine shutdown.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Stop()
	}
}
