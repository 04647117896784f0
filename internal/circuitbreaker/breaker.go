// Package circuitbreaker guards remote store backends so that an unavailable
// Redis fails requests immediately instead of stacking them up on timeouts.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"handshakegate/gate-service/internal/metrics"

	"github.com/rs/zerolog/log"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type CircuitBreaker struct {
	name   string
	config Config

	state     atomic.Int32
	failures  atomic.Int64
	successes atomic.Int64
	probes    atomic.Int64
	openedAt  atomic.Int64 // unix nano

	mu      sync.Mutex // serializes transitions
	nowFunc func() time.Time
}

func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	cb := &CircuitBreaker{name: name, config: config, nowFunc: time.Now}
	cb.state.Store(int32(StateClosed))
	metrics.StoreCircuitState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Do runs fn if the breaker admits it and records the outcome. Errors for
// which ignore returns true count as successes (e.g. redis.Nil).
func (cb *CircuitBreaker) Do(fn func() error, ignore func(error) bool) error {
	probe, err := cb.allow()
	if err != nil {
		return err
	}
	if probe {
		defer cb.probes.Add(-1)
	}
	err = fn()
	if err != nil && (ignore == nil || !ignore(err)) {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return err
}

// allow reports whether a call may proceed; probe is true for half-open trial calls.
func (cb *CircuitBreaker) allow() (probe bool, err error) {
	switch State(cb.state.Load()) {
	case StateClosed:
		return false, nil

	case StateOpen:
		elapsed := cb.nowFunc().Sub(time.Unix(0, cb.openedAt.Load()))
		if elapsed < cb.config.Timeout {
			return false, fmt.Errorf("%w: %s (retry in %v)", ErrOpen, cb.name, (cb.config.Timeout - elapsed).Round(time.Second))
		}
		cb.mu.Lock()
		if State(cb.state.Load()) == StateOpen {
			cb.transitionTo(StateHalfOpen)
		}
		cb.mu.Unlock()
		return cb.allow()

	case StateHalfOpen:
		if int(cb.probes.Add(1)) > cb.config.SuccessThreshold {
			cb.probes.Add(-1)
			return false, fmt.Errorf("%w: %s half-open probe limit reached", ErrOpen, cb.name)
		}
		return true, nil

	default:
		return false, fmt.Errorf("circuit breaker %s in unknown state", cb.name)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch State(cb.state.Load()) {
	case StateClosed:
		cb.failures.Store(0)
	case StateHalfOpen:
		if int(cb.successes.Add(1)) >= cb.config.SuccessThreshold {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateHalfOpen {
				cb.transitionTo(StateClosed)
			}
			cb.mu.Unlock()
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	switch State(cb.state.Load()) {
	case StateClosed:
		if int(cb.failures.Add(1)) >= cb.config.FailureThreshold {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateClosed {
				cb.transitionTo(StateOpen)
			}
			cb.mu.Unlock()
		}
	case StateHalfOpen:
		cb.mu.Lock()
		if State(cb.state.Load()) == StateHalfOpen {
			cb.transitionTo(StateOpen)
		}
		cb.mu.Unlock()
	}
}

// transitionTo changes state; caller holds mu.
func (cb *CircuitBreaker) transitionTo(next State) {
	prev := State(cb.state.Load())
	cb.state.Store(int32(next))
	cb.failures.Store(0)
	cb.successes.Store(0)
	if next == StateOpen {
		cb.openedAt.Store(cb.nowFunc().UnixNano())
	}

	metrics.StoreCircuitState.WithLabelValues(cb.name).Set(float64(next))
	metrics.StoreCircuitTransitions.WithLabelValues(cb.name, prev.String(), next.String()).Inc()

	ev := log.Info()
	if next == StateOpen {
		ev = log.Error()
	}
	ev.Str("backend", cb.name).
		Str("old_state", prev.String()).
		Str("new_state", next.String()).
		Msg("circuit breaker state transition")
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if State(cb.state.Load()) != StateClosed {
		cb.transitionTo(StateClosed)
	}
}

// Manager hands out one breaker per backend name.
type Manager struct {
	config   Config
	breakers sync.Map // map[string]*CircuitBreaker
}

func NewManager(config Config) *Manager {
	return &Manager{config: config}
}

func (m *Manager) GetOrCreate(backend string) *CircuitBreaker {
	if val, ok := m.breakers.Load(backend); ok {
		return val.(*CircuitBreaker)
	}
	actual, _ := m.breakers.LoadOrStore(backend, New(backend, m.config))
	return actual.(*CircuitBreaker)
}

// States snapshots every breaker's state, keyed by backend.
func (m *Manager) States() map[string]State {
	out := make(map[string]State)
	m.breakers.Range(func(key, value interface{}) bool {
		out[key.(string)] = value.(*CircuitBreaker).State()
		return true
	})
	return out
}
