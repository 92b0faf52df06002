// Package blacklist implements the BlacklistingMiddleware layer:
// temporary exclusion of a connector after it reports quota or rate-limit
// exhaustion, with lazy expiry on next use.
//
// Grounded on borsa-middleware::blacklist::BlacklistingMiddleware's
// is_blacklisted/blacklist_until/handle_error trio, and on this
// repository's own middleware shape (middleware/circuit.Breaker: a mutex-guarded
// struct with a single state field and a Manager keyed by provider name).
package blacklist

import (
	"sync"
	"time"

	"github.com/sawpanic/borsa/internal/borsaerr"
)

// State is a single connector's blacklist window: unset until an error
// trips it.
type State struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

func NewState(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{now: now}
}

// IsBlacklisted reports whether the connector is currently excluded,
// lazily clearing an expired window.
func (s *State) IsBlacklisted() (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.until.IsZero() {
		return false, 0
	}
	now := s.now()
	if !now.Before(s.until) {
		s.until = time.Time{}
		return false, 0
	}
	return true, s.until.Sub(now)
}

// BlacklistUntil sets an explicit expiry, overwriting any existing one.
func (s *State) BlacklistUntil(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.until = until
}

// defaultBlacklistDuration is used for RateLimitExceeded, which carries no
// explicit reset hint.
const defaultBlacklistDuration = 30 * time.Second

// HandleError inspects a provider error and, if it's one of the two
// triggers, sets the blacklist window per §4.4.2's exact duration rule.
// Any other error is ignored (does not trip the blacklist).
func (s *State) HandleError(err borsaerr.Error) {
	now := s.now()
	switch e := err.(type) {
	case *borsaerr.QuotaExceeded:
		if e.Remaining == 0 {
			s.BlacklistUntil(now.Add(time.Duration(e.ResetInMs) * time.Millisecond))
		} else {
			ms := e.ResetInMs
			if ms < 1 {
				ms = 1
			}
			s.BlacklistUntil(now.Add(time.Duration(ms) * time.Millisecond))
		}
	case *borsaerr.RateLimitExceeded:
		s.BlacklistUntil(now.Add(defaultBlacklistDuration))
	}
}

// Guard is called before invoking the inner connector. If blacklisted it
// returns a TemporarilyBlacklisted error without touching the inner
// provider at all.
func (s *State) Guard() borsaerr.Error {
	blacklisted, remaining := s.IsBlacklisted()
	if !blacklisted {
		return nil
	}
	return &borsaerr.TemporarilyBlacklisted{ResetInMs: uint64(remaining.Milliseconds())}
}

// Manager wraps one State per connector, mirroring circuit.Manager's
// map-of-breakers shape.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*State
	now    func() time.Time
}

func NewManager(now func() time.Time) *Manager {
	return &Manager{states: make(map[string]*State), now: now}
}

func (m *Manager) stateFor(name string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	if !ok {
		s = NewState(m.now)
		m.states[name] = s
	}
	return s
}

func (m *Manager) Guard(name string) borsaerr.Error {
	return m.stateFor(name).Guard()
}

func (m *Manager) HandleError(name string, err borsaerr.Error) {
	m.stateFor(name).HandleError(err)
}
