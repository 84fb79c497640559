package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/pkg/schema"
)

// CircuitBreakerConfig configures the per-collaborator circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// circuit. Zero never opens it.
	FailureThreshold uint32 `mapstructure:"failure_threshold"`
	// Cooldown is how long a circuit stays open before going half-open.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax uint32 `mapstructure:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerStateFunc observes circuit state changes.
type BreakerStateFunc func(name string, from, to gobreaker.State)

// CircuitBreakerRegistry lazily creates one breaker per collaborator name
// ("agent:<id>", "tool:<id>").
type CircuitBreakerRegistry struct {
	config   CircuitBreakerConfig
	logger   *slog.Logger
	onChange BreakerStateFunc

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, logger *slog.Logger, onChange BreakerStateFunc) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		config:   config,
		logger:   logging.OrDiscard(logger),
		onChange: onChange,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn through the named breaker. An open circuit fails fast
// with an error wrapping gobreaker.ErrOpenState.
func (r *CircuitBreakerRegistry) Execute(name string, fn func() (any, error)) (any, error) {
	out, err := r.get(name).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "circuit breaker %s is %s", name, r.State(name)).
			WithCause(err).
			WithDetails(map[string]any{"breaker": name})
	}
	return out, err
}

// State returns the current state of the named breaker.
func (r *CircuitBreakerRegistry) State(name string) gobreaker.State {
	return r.get(name).State()
}

// Counts returns diagnostic counters of the named breaker.
func (r *CircuitBreakerRegistry) Counts(name string) gobreaker.Counts {
	return r.get(name).Counts()
}

func (r *CircuitBreakerRegistry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	threshold := r.config.FailureThreshold
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.config.HalfOpenMax,
		Timeout:     r.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if r.onChange != nil {
				r.onChange(name, from, to)
			}
		},
	})
	r.breakers[name] = cb
	return cb
}
