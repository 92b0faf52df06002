// Package circuit implements the CircuitBreakingMiddleware layer: a
// per-connector failure-counting breaker with Closed/Open/HalfOpen states,
// adapted wholesale from internal/net/circuit.Breaker (same threshold
// fields, Stats snapshot, and Manager-keyed-by-name shape), generalized
// from a bespoke ErrCircuitOpen sentinel to the shared *borsaerr.CircuitOpen
// taxonomy member so callers can treat it the same way as quota/blacklist
// trips.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sawpanic/borsa/internal/borsaerr"
)

type State int

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

// Config mirrors net/circuit.Config's threshold/timeout fields.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	RequestTimeout   time.Duration
}

// Breaker is a single connector's circuit-breaker state.
type Breaker struct {
	name string

	mu              sync.RWMutex
	config          Config
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time
	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	totalTimeouts   int64
}

func NewBreaker(name string, config Config) *Breaker {
	return &Breaker{name: name, config: config, state: StateClosed, lastStateChange: time.Now()}
}

// Call gates fn behind the breaker, enforcing RequestTimeout as a
// per-call deadline distinct from the caller's own ctx deadline.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allowRequest() {
		return &borsaerr.CircuitOpen{Connector: b.name}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	b.mu.Lock()
	b.totalRequests++
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- fn(timeoutCtx) }()

	select {
	case err := <-done:
		if err != nil {
			b.onFailure()
			return err
		}
		b.onSuccess()
		return nil
	case <-timeoutCtx.Done():
		b.onTimeout()
		return &borsaerr.ProviderTimeout{Connector: b.name, Capability: "circuit-call"}
	}
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.Timeout {
			b.setState(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalSuccesses++
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalFailures++
	b.lastFailureTime = time.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.successes = 0
	}
}

func (b *Breaker) onTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalTimeouts++
	b.totalFailures++
	b.lastFailureTime = time.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.successes = 0
	}
}

func (b *Breaker) setState(state State) {
	if b.state != state {
		b.state = state
		b.lastStateChange = time.Now()
		if state == StateHalfOpen {
			b.failures = 0
		}
	}
}

func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

type Stats struct {
	State                State
	TotalRequests        int64
	TotalSuccesses       int64
	TotalFailures        int64
	TotalTimeouts        int64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastStateChange      time.Time
	LastFailureTime      time.Time
	SuccessRate          float64
	TimeoutRate          float64
}

func (s *Stats) IsHealthy() bool {
	return s.State == StateClosed && (s.TotalRequests == 0 || s.SuccessRate >= 0.9)
}

func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var successRate, timeoutRate float64
	if b.totalRequests > 0 {
		successRate = float64(b.totalSuccesses) / float64(b.totalRequests)
		timeoutRate = float64(b.totalTimeouts) / float64(b.totalRequests)
	}
	return Stats{
		State:                b.state,
		TotalRequests:        b.totalRequests,
		TotalSuccesses:       b.totalSuccesses,
		TotalFailures:        b.totalFailures,
		TotalTimeouts:        b.totalTimeouts,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastStateChange:      b.lastStateChange,
		LastFailureTime:      b.lastFailureTime,
		SuccessRate:          successRate,
		TimeoutRate:          timeoutRate,
	}
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.totalRequests = 0
	b.totalSuccesses = 0
	b.totalFailures = 0
	b.totalTimeouts = 0
	b.lastStateChange = time.Now()
	b.lastFailureTime = time.Time{}
}

// Manager keeps one Breaker per connector name.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewManager() *Manager { return &Manager{breakers: make(map[string]*Breaker)} }

func (m *Manager) AddProvider(name string, config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[name] = NewBreaker(name, config)
}

func (m *Manager) GetBreaker(provider string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[provider]
	return b, ok
}

func (m *Manager) Call(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	b, ok := m.GetBreaker(provider)
	if !ok {
		return fn(ctx)
	}
	return b.Call(ctx, fn)
}

func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.Stats()
	}
	return out
}

func (m *Manager) IsHealthy() bool {
	for _, s := range m.Stats() {
		if !s.IsHealthy() {
			return false
		}
	}
	return true
}

func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.breakers {
		b.Reset()
	}
}

func (m *Manager) GetUnhealthyProviders() []string {
	var unhealthy []string
	for provider, s := range m.Stats() {
		if !s.IsHealthy() {
			unhealthy = append(unhealthy, fmt.Sprintf("%s (state: %s, success: %.1f%%)", provider, s.State, s.SuccessRate*100))
		}
	}
	return unhealthy
}
