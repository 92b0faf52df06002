// manager.go wires Supervisor's pure state machine to real connectors: it
// executes RequestStart by calling the provider's StreamQuotesProvider
// capability (gated by an independent sony/gobreaker breaker per
// provider, distinct from the hand-rolled CircuitBreakingMiddleware kept
// for HTTP-call bookkeeping — streaming-start attempts are long-lived and
// warrant their own trip/reset policy), forwards session output onto one
// fan-in channel with monotonic-timestamp filtering per symbol, and
// funnels completion/failure back into the state machine's event queue.
package streaming

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
	"github.com/sawpanic/borsa/internal/connector"
)

// Session owns one provider's live stream and its teardown func.
type session struct {
	cancel func()
	done   <-chan struct{}
}

// Manager runs one Supervisor for a single asset kind's provider set and
// forwards every active session's updates onto Updates.
type Manager struct {
	kind       borsatypes.AssetKind
	connectors []connector.Connector

	sm *Supervisor

	events chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup

	sessions   map[int]session
	sessionsMu sync.Mutex

	breakers map[int]*gobreaker.CircuitBreaker

	Updates chan connector.StreamUpdate

	enforceMonotonic bool
	lastTsMu         sync.Mutex
	lastTs           map[string]int64

	jitterPercent uint8
}

// NewManager builds a Manager for kind, given the ordered connector list
// (as orchestrator.Borsa.OrderedForKind would return), the symbols each
// must cover, and backoff/monotonic-filter configuration.
func NewManager(
	kind borsatypes.AssetKind,
	connectors []connector.Connector,
	requiredSymbols []string,
	minBackoff, maxBackoff time.Duration,
	factor uint64,
	jitterPercent uint8,
	enforceMonotonic bool,
) (*Manager, chan error) {
	n := len(connectors)
	providerInstruments := make([][]borsatypes.Instrument, n)
	providerAllow := make([]map[string]bool, n)
	canStream := make([]bool, n)
	required := make(map[string]bool, len(requiredSymbols))
	for _, s := range requiredSymbols {
		required[s] = true
	}

	for i, c := range connectors {
		_, canStream[i] = connector.AsStreamQuotesProvider(c)
		allow := make(map[string]bool, len(requiredSymbols))
		insts := make([]borsatypes.Instrument, 0, len(requiredSymbols))
		for _, sym := range requiredSymbols {
			allow[sym] = true
			insts = append(insts, borsatypes.Instrument{Symbol: sym, Kind: kind})
		}
		providerAllow[i] = allow
		providerInstruments[i] = insts
	}

	initialNotify := make(chan error, 1)
	sm := NewSupervisor(providerInstruments, providerAllow, required, canStream,
		uint64(minBackoff.Milliseconds()), uint64(maxBackoff.Milliseconds()), factor, initialNotify)

	breakers := make(map[int]*gobreaker.CircuitBreaker, n)
	for i, c := range connectors {
		breakers[i] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "stream-start:" + c.Name(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}

	m := &Manager{
		kind:             kind,
		connectors:       connectors,
		sm:               sm,
		events:           make(chan Event, 64),
		stopCh:           make(chan struct{}),
		sessions:         make(map[int]session),
		breakers:         breakers,
		Updates:          make(chan connector.StreamUpdate, 256),
		enforceMonotonic: enforceMonotonic,
		lastTs:           make(map[string]int64),
		jitterPercent:    jitterPercent,
	}

	m.wg.Add(1)
	go m.loop()

	return m, initialNotify
}

// Stop requests an orderly shutdown of every active session.
func (m *Manager) Stop() {
	select {
	case m.events <- Event{Kind: EventShutdown}:
	case <-m.stopCh:
	}
}

// Wait blocks until the manager's event loop has fully drained.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) loop() {
	defer m.wg.Done()
	defer close(m.stopCh)

	initial := m.sm.Handle(Event{Kind: EventBackoffTick})
	m.execute(initial)

	for ev := range m.events {
		actions := m.sm.Handle(ev)
		m.execute(actions)
		if m.sm.phase.Kind == PhaseTerminated {
			return
		}
	}
}

func (m *Manager) execute(actions []Action) {
	for _, a := range actions {
		switch a.Kind {
		case ActionRequestStart:
			m.startProvider(a.ID, a.Instruments)
		case ActionStopAll:
			m.stopAll()
		case ActionAwaitAll:
			// sessions close their done channel on teardown; startProvider's
			// goroutines already post SessionEnded, so there's nothing
			// additional to block on here beyond the sessions map draining.
		case ActionNotifyInitial:
			if a.NotifyCh != nil {
				a.NotifyCh <- a.NotifyErr
				close(a.NotifyCh)
			}
		case ActionScheduleBackoffTick:
			m.scheduleBackoffTick(a.DelayMs)
		case ActionPreemptSessions:
			for _, id := range a.ProviderIDs {
				m.stopSession(id)
			}
		}
	}
}

// jitteredDelay applies wait_ms = base_ms + uniform_random(0, max(1,
// base_ms*jitter_percent/100)), clamped to [min, max] backoff bounds.
func (m *Manager) jitteredDelay(ms uint64) time.Duration {
	spread := ms * uint64(m.jitterPercent) / 100
	if spread < 1 {
		spread = 1
	}
	waitMs := ms + uint64(rand.Int63n(int64(spread)+1))
	if waitMs < m.sm.minBackoffMs {
		waitMs = m.sm.minBackoffMs
	}
	if waitMs > m.sm.maxBackoffMs {
		waitMs = m.sm.maxBackoffMs
	}
	return time.Duration(waitMs) * time.Millisecond
}

func (m *Manager) scheduleBackoffTick(delayMs uint64) {
	d := m.jitteredDelay(delayMs)
	time.AfterFunc(d, func() {
		select {
		case m.events <- Event{Kind: EventBackoffTick}:
		case <-m.stopCh:
		}
	})
}

func (m *Manager) startProvider(id int, instruments []borsatypes.Instrument) {
	c := m.connectors[id]
	sp, ok := connector.AsStreamQuotesProvider(c)
	if !ok {
		m.postEvent(Event{Kind: EventProviderStartFailed, ID: id, Err: &borsaerr.Unsupported{Capability: "stream"}})
		return
	}
	symbols := make([]string, len(instruments))
	for i, inst := range instruments {
		symbols[i] = inst.Symbol
	}

	ctx, cancel := context.WithCancel(context.Background())
	breaker := m.breakers[id]

	type startResult struct {
		updates <-chan connector.StreamUpdate
		stop    func()
		err     error
	}
	resultCh := make(chan startResult, 1)
	go func() {
		v, err := breaker.Execute(func() (interface{}, error) {
			updates, stop, err := sp.StartStream(ctx, symbols)
			if err != nil {
				return nil, err
			}
			return startResult{updates: updates, stop: stop}, nil
		})
		if err != nil {
			resultCh <- startResult{err: err}
			return
		}
		resultCh <- v.(startResult)
	}()

	go func() {
		r := <-resultCh
		if r.err != nil {
			cancel()
			be, ok := r.err.(borsaerr.Error)
			if !ok {
				be = &borsaerr.Other{Message: r.err.Error()}
			}
			m.postEvent(Event{Kind: EventProviderStartFailed, ID: id, Err: connector.TagErr(c.Name(), be)})
			return
		}

		done := make(chan struct{})
		m.sessionsMu.Lock()
		m.sessions[id] = session{cancel: func() { cancel(); r.stop() }, done: done}
		m.sessionsMu.Unlock()

		m.postEvent(Event{Kind: EventProviderStartSucceeded, ID: id, Symbols: symbols})
		m.forwardSession(id, r.updates, done)
	}()
}

// forwardSession relays a provider's updates onto Updates, dropping
// non-increasing timestamps per symbol when enforceMonotonic is set, and
// posts SessionEnded once the provider's channel closes.
func (m *Manager) forwardSession(id int, updates <-chan connector.StreamUpdate, done chan struct{}) {
	defer close(done)
	for u := range updates {
		if m.enforceMonotonic {
			m.lastTsMu.Lock()
			last, seen := m.lastTs[u.Symbol]
			if seen && u.Timestamp < last {
				m.lastTsMu.Unlock()
				continue
			}
			m.lastTs[u.Symbol] = u.Timestamp
			m.lastTsMu.Unlock()
		}
		select {
		case m.Updates <- u:
		case <-m.stopCh:
			return
		}
	}
	m.postEvent(Event{Kind: EventSessionEnded, ID: id})
}

func (m *Manager) stopSession(id int) {
	m.sessionsMu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.sessionsMu.Unlock()
	if ok {
		s.cancel()
	}
}

func (m *Manager) stopAll() {
	m.sessionsMu.Lock()
	ids := make([]int, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.sessionsMu.Unlock()
	for _, id := range ids {
		m.stopSession(id)
	}
}

func (m *Manager) postEvent(ev Event) {
	select {
	case m.events <- ev:
	case <-m.stopCh:
	}
}
