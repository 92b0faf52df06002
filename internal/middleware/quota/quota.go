// Package quota implements the QuotaAwareConnector middleware layer: a
// rolling long-window budget plus, for the EvenSpreadHourly strategy, 24
// intra-window slices that smooth usage across the window instead of
// allowing it to burst at the boundary.
//
// Adapted from internal/net/budget's Tracker/Manager shape (mutex-guarded
// runtime state, a Manager keyed by provider name, a Stats snapshot type)
// but replacing its daily-UTC-hour reset semantics with the boundary-
// aligned rolling-window arithmetic of borsa-middleware::quota::QuotaRuntime,
// and returning *borsaerr.QuotaExceeded instead of a bespoke error type.
package quota

import (
	"sync"
	"time"

	"github.com/sawpanic/borsa/internal/borsaerr"
)

// Strategy selects how the long-window budget is spent.
type Strategy int

const (
	// Unit allows up to Limit calls anywhere within Window.
	Unit Strategy = iota
	// Weighted behaves exactly like Unit at the runtime-arithmetic level:
	// Allow consumes one unit per call, and Runtime has no per-call weight.
	Weighted
	// EvenSpreadHourly additionally enforces a per-slice allowance so a
	// client can't exhaust the whole window's budget in its first minute.
	EvenSpreadHourly
)

// Config describes one connector's quota budget.
type Config struct {
	Limit    uint64
	Window   time.Duration
	Strategy Strategy
}

// Runtime is the mutable rolling-window state for a single connector,
// guarded by a short-held mutex — arithmetic only, no blocking calls
// under the lock, per §5's shared-resource policy.
type Runtime struct {
	mu sync.Mutex

	limit    uint64
	window   time.Duration
	strategy Strategy

	windowCount uint64
	windowStart time.Time

	allowedPerSlice uint64
	sliceDuration   time.Duration
	sliceCount      uint64
	sliceStart      time.Time

	now func() time.Time
}

// NewRuntime constructs quota runtime state for cfg, anchored at now()
// (defaults to time.Now if nil — tests inject a fake clock).
func NewRuntime(cfg Config, now func() time.Time) *Runtime {
	if now == nil {
		now = time.Now
	}
	r := &Runtime{
		limit:    cfg.Limit,
		window:   cfg.Window,
		strategy: cfg.Strategy,
		now:      now,
	}
	t := now()
	r.windowStart = t
	if cfg.Strategy == EvenSpreadHourly {
		r.allowedPerSlice = cfg.Limit / 24
		if r.allowedPerSlice < 1 {
			r.allowedPerSlice = 1
		}
		r.sliceDuration = cfg.Window / 24
		r.sliceStart = t
	}
	return r
}

// advanceWindows advances windowStart/sliceStart by whole multiples of
// their duration when the elapsed time has crossed a boundary — never by
// reassigning to now, which would let drift accumulate across idle gaps.
func (r *Runtime) advanceWindows(now time.Time) {
	if r.window > 0 {
		elapsed := now.Sub(r.windowStart)
		if elapsed >= r.window {
			windowsPassed := int64(elapsed / r.window)
			r.windowStart = r.windowStart.Add(time.Duration(windowsPassed) * r.window)
			r.windowCount = 0
		}
	}
	if r.strategy == EvenSpreadHourly && r.sliceDuration > 0 {
		elapsed := now.Sub(r.sliceStart)
		if elapsed >= r.sliceDuration {
			slicesPassed := int64(elapsed / r.sliceDuration)
			r.sliceStart = r.sliceStart.Add(time.Duration(slicesPassed) * r.sliceDuration)
			r.sliceCount = 0
		}
	}
}

// Allow applies §4.4.1's pre-call algorithm: advance boundaries, check
// slice/window exhaustion, and — if allowed — consume one unit.
func (r *Runtime) Allow() *borsaerr.QuotaExceeded {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.advanceWindows(now)

	if r.strategy == EvenSpreadHourly && r.sliceCount >= r.allowedPerSlice && r.windowCount < r.limit {
		sliceRemaining := r.sliceDuration - now.Sub(r.sliceStart)
		return &borsaerr.QuotaExceeded{
			Remaining: r.limit - r.windowCount,
			ResetInMs: uint64(sliceRemaining.Milliseconds()),
		}
	}

	if r.windowCount < r.limit {
		r.windowCount++
		if r.strategy == EvenSpreadHourly {
			r.sliceCount++
		}
		return nil
	}

	windowRemaining := r.window - now.Sub(r.windowStart)
	return &borsaerr.QuotaExceeded{
		Remaining: 0,
		ResetInMs: uint64(windowRemaining.Milliseconds()),
	}
}

// Stats is a point-in-time snapshot for metrics/introspection.
type Stats struct {
	Limit           uint64
	WindowCount     uint64
	SliceCount      uint64
	AllowedPerSlice uint64
}

func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Limit: r.limit, WindowCount: r.windowCount, SliceCount: r.sliceCount, AllowedPerSlice: r.allowedPerSlice}
}

// Manager wraps one Runtime per connector name, mirroring
// internal/net/budget.Manager's map-of-trackers shape.
type Manager struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
}

func NewManager() *Manager {
	return &Manager{runtimes: make(map[string]*Runtime)}
}

func (m *Manager) AddProvider(name string, cfg Config, now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtimes[name] = NewRuntime(cfg, now)
}

func (m *Manager) Allow(name string) *borsaerr.QuotaExceeded {
	m.mu.RLock()
	r, ok := m.runtimes[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.Allow()
}

func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.runtimes))
	for name, r := range m.runtimes {
		out[name] = r.Stats()
	}
	return out
}
