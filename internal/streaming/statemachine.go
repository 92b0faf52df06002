// Package streaming implements the streaming supervisor described in
// §4.2: a per-kind state machine that assigns symbols to providers in
// priority order, fails over and preempts lower-priority sessions when a
// higher-priority provider activates, and backs off with jitter between
// reconnect rounds.
//
// statemachine.go is grounded directly on supervisor_sm.rs's Supervisor —
// same state/phase/event/action vocabulary and the same round-robin scan
// cursor/round-exhausted bookkeeping — translated from Rust's
// functional self-rebuild-on-every-transition style (`fn handle(self, ...)
// -> (Self, Vec<Action>)`) into ordinary Go mutation: Handle takes a
// pointer receiver and returns just the actions, since Go has no borrow
// checker forcing ownership transfer through every branch.
package streaming

import (
	"time"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
)

type ProviderState int

const (
	Idle ProviderState = iota
	IdleFromCooldown
	Connecting
	Active
	InCooldown
)

// providerRuntime holds the per-provider fields the tagged-union Rust
// variants carried as payload (Connecting{symbols}, Active{symbols},
// InCooldown{failed_at}).
type providerRuntime struct {
	state    ProviderState
	symbols  []string
	failedAt time.Time
}

type PhaseKind int

const (
	PhaseStartup PhaseKind = iota
	PhaseRunning
	PhaseShuttingDown
	PhaseTerminated
)

// Phase carries Startup's accumulated state; InitialNotify is fired
// exactly once, the first time startup concludes (success or failure).
type Phase struct {
	Kind               PhaseKind
	InitialNotify      chan error
	AccumulatedErrors  []borsaerr.Error
}

type EventKind int

const (
	EventProviderStartSucceeded EventKind = iota
	EventProviderStartFailed
	EventSessionEnded
	EventBackoffTick
	EventDownstreamClosed
	EventShutdown
)

type Event struct {
	Kind    EventKind
	ID      int
	Symbols []string
	Err     borsaerr.Error
}

type ActionKind int

const (
	ActionRequestStart ActionKind = iota
	ActionStopAll
	ActionAwaitAll
	ActionNotifyInitial
	ActionScheduleBackoffTick
	ActionPreemptSessions
)

type Action struct {
	Kind        ActionKind
	ID          int
	Instruments []borsatypes.Instrument
	NotifyCh    chan error
	NotifyErr   error
	DelayMs     uint64
	ProviderIDs []int
}

// Supervisor is the full per-kind state machine: one providerRuntime per
// registered provider, the symbol set that must be covered, and the
// round-robin scan/backoff bookkeeping.
type Supervisor struct {
	providers          []providerRuntime
	providerInstruments [][]borsatypes.Instrument
	providerAllow      []map[string]bool
	requiredSymbols    map[string]bool
	providersCanStream []bool

	startIndex     int
	scanCursor     int
	roundExhausted bool

	backoffMs    uint64
	minBackoffMs uint64
	maxBackoffMs uint64
	factor       uint64

	attemptedSinceLastTick bool
	phase                  Phase
}

// NewSupervisor constructs a Supervisor for one asset kind's provider set,
// given each provider's registered instrument universe, its per-provider
// allow-list (symbols it's configured to serve), the symbols actually
// requested, which providers implement the streaming capability, backoff
// bounds, and a channel notified once on startup success/failure.
func NewSupervisor(
	providerInstruments [][]borsatypes.Instrument,
	providerAllow []map[string]bool,
	requiredSymbols map[string]bool,
	providersCanStream []bool,
	minBackoffMs, maxBackoffMs, factor uint64,
	initialNotify chan error,
) *Supervisor {
	n := len(providerInstruments)
	providers := make([]providerRuntime, n)
	for i := range providers {
		providers[i] = providerRuntime{state: Idle}
	}
	return &Supervisor{
		providers:           providers,
		providerInstruments: providerInstruments,
		providerAllow:       providerAllow,
		requiredSymbols:     requiredSymbols,
		providersCanStream:  providersCanStream,
		backoffMs:           minBackoffMs,
		minBackoffMs:        minBackoffMs,
		maxBackoffMs:        maxBackoffMs,
		factor:              factor,
		phase:               Phase{Kind: PhaseStartup, InitialNotify: initialNotify},
	}
}

// Handle applies event to the machine and returns the actions the caller
// (manager.go) must execute — network start requests, session teardown,
// backoff scheduling, or the one-shot initial-result notification.
func (s *Supervisor) Handle(event Event) []Action {
	actions := s.transitionForEvent(event)
	if s.shouldAttemptStarts() {
		reqs := s.computeNeededStarts()
		if len(reqs) > 0 {
			s.attemptedSinceLastTick = true
			actions = append(actions, reqs...)
		}
	}
	return actions
}

func (s *Supervisor) transitionForEvent(event Event) []Action {
	if s.phase.Kind == PhaseTerminated || s.phase.Kind == PhaseShuttingDown {
		return nil
	}

	switch event.Kind {
	case EventProviderStartSucceeded:
		wasStartup := s.phase.Kind == PhaseStartup
		initialTx := s.phase.InitialNotify
		actions := s.handleProviderActivated(event.ID, event.Symbols)
		if wasStartup {
			s.phase = Phase{Kind: PhaseRunning}
			if initialTx != nil {
				actions = append([]Action{{Kind: ActionNotifyInitial, NotifyCh: initialTx, NotifyErr: nil}}, actions...)
			}
		}
		return actions

	case EventProviderStartFailed:
		if s.phase.Kind == PhaseStartup {
			return s.handleStartupFailure(event.ID, event.Err)
		}
		s.advanceScanCursorForFailure(event.ID)
		return nil

	case EventSessionEnded:
		s.providers[event.ID] = providerRuntime{state: InCooldown, failedAt: time.Now()}
		return nil

	case EventBackoffTick:
		return s.handleBackoffTick()

	case EventShutdown, EventDownstreamClosed:
		s.phase = Phase{Kind: PhaseShuttingDown}
		return []Action{{Kind: ActionStopAll}, {Kind: ActionAwaitAll}}
	}
	return nil
}

func (s *Supervisor) computeCoverageCount(sym string) int {
	n := 0
	for _, p := range s.providers {
		if p.state == Active || p.state == Connecting {
			for _, sy := range p.symbols {
				if sy == sym {
					n++
					break
				}
			}
		}
	}
	return n
}

func (s *Supervisor) providerHasSymbolBefore(providerIndex int, sym string) bool {
	for j := 0; j < providerIndex; j++ {
		p := s.providers[j]
		if p.state != Active && p.state != Connecting {
			continue
		}
		for _, sy := range p.symbols {
			if sy == sym {
				return true
			}
		}
	}
	return false
}

func (s *Supervisor) shouldIncludeInstrument(providerID int, inst borsatypes.Instrument, allow map[string]bool) bool {
	if !allow[inst.Symbol] || !s.requiredSymbols[inst.Symbol] {
		return false
	}
	if s.computeCoverageCount(inst.Symbol) == 0 {
		return true
	}
	return !s.providerHasSymbolBefore(providerID, inst.Symbol)
}

func (s *Supervisor) computeNeededInstrumentsFor(id int) []borsatypes.Instrument {
	if id >= len(s.providerAllow) || id >= len(s.providerInstruments) {
		return nil
	}
	allow := s.providerAllow[id]
	var out []borsatypes.Instrument
	for _, inst := range s.providerInstruments[id] {
		if s.shouldIncludeInstrument(id, inst, allow) {
			out = append(out, inst)
		}
	}
	return out
}

func (s *Supervisor) canProviderStream(id int) bool {
	if id >= len(s.providersCanStream) {
		return false
	}
	return s.providersCanStream[id]
}

func isProviderIdle(state ProviderState) bool {
	return state == Idle || state == IdleFromCooldown
}

func (s *Supervisor) providerHasAvailableWork(id int) bool {
	return len(s.computeNeededInstrumentsFor(id)) > 0
}

func (s *Supervisor) hasIdleProvidersWithWork() bool {
	for i, p := range s.providers {
		if isProviderIdle(p.state) && s.canProviderStream(i) && s.providerHasAvailableWork(i) {
			return true
		}
	}
	return false
}

func (s *Supervisor) shouldAttemptStarts() bool {
	return !s.roundExhausted && s.hasIdleProvidersWithWork()
}

// computeNeededStarts scans providers round-robin from scanCursor,
// issuing a start request for every idle, capable provider with
// uncovered work, and marks each as Connecting with its planned symbol
// set. The Rust original's do-while-via-loop-with-first-flag is
// reproduced exactly so the scan-one-full-lap semantics match.
func (s *Supervisor) computeNeededStarts() []Action {
	n := len(s.providers)
	if n == 0 || s.roundExhausted {
		return nil
	}
	i := s.scanCursor % n
	start := s.startIndex % n
	first := true
	var actions []Action
	for {
		if isProviderIdle(s.providers[i].state) && s.canProviderStream(i) {
			instruments := s.computeNeededInstrumentsFor(i)
			if len(instruments) > 0 {
				symbols := make([]string, 0, len(instruments))
				for _, inst := range instruments {
					symbols = append(symbols, inst.Symbol)
				}
				s.providers[i] = providerRuntime{state: Connecting, symbols: symbols}
				actions = append(actions, Action{Kind: ActionRequestStart, ID: i, Instruments: instruments})
			}
		}
		if !first && i == start {
			break
		}
		first = false
		i = (i + 1) % n
	}
	return actions
}

func (s *Supervisor) hasAnyActive() bool {
	for _, p := range s.providers {
		if p.state == Active {
			return true
		}
	}
	return false
}

// computeLowerPriorityOverlaps finds every Active provider with a higher
// index (lower priority) than higherID whose symbol set overlaps symbols
// — these must be preempted since higherID now covers them instead.
func (s *Supervisor) computeLowerPriorityOverlaps(higherID int, symbols []string) []int {
	var toPreempt []int
	for j := higherID + 1; j < len(s.providers); j++ {
		if s.providers[j].state != Active {
			continue
		}
		for _, sy := range s.providers[j].symbols {
			overlap := false
			for _, t := range symbols {
				if t == sy {
					overlap = true
					break
				}
			}
			if overlap {
				toPreempt = append(toPreempt, j)
				break
			}
		}
	}
	return toPreempt
}

func (s *Supervisor) currentDelayMs() uint64 { return s.backoffMs }

func (s *Supervisor) handleProviderActivated(id int, symbols []string) []Action {
	fromCooldown := s.providers[id].state == IdleFromCooldown
	s.providers[id] = providerRuntime{state: Active, symbols: symbols}

	if fromCooldown {
		s.backoffMs = s.minBackoffMs
	}

	n := len(s.providers)
	s.startIndex = (id + 1) % n
	s.scanCursor = s.startIndex
	s.roundExhausted = false

	var actions []Action
	lowerIDs := s.computeLowerPriorityOverlaps(id, symbols)
	if len(lowerIDs) > 0 {
		actions = append(actions, Action{Kind: ActionPreemptSessions, ProviderIDs: lowerIDs})
	}
	actions = append(actions, Action{Kind: ActionScheduleBackoffTick, DelayMs: s.currentDelayMs()})
	return actions
}

func (s *Supervisor) advanceScanCursorForFailure(id int) {
	s.providers[id] = providerRuntime{state: InCooldown, failedAt: time.Now()}
	next := (id + 1) % len(s.providers)
	s.scanCursor = next
	if next == s.startIndex {
		s.roundExhausted = true
	}
}

func (s *Supervisor) shouldTerminateStartup() bool {
	return !s.hasAnyActive() && s.roundExhausted
}

func collapseStreamErrors(errs []borsaerr.Error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return &borsaerr.AllProvidersFailed{Errors: errs}
}

func (s *Supervisor) handleStartupFailure(id int, err borsaerr.Error) []Action {
	s.phase.AccumulatedErrors = append(s.phase.AccumulatedErrors, err)
	s.advanceScanCursorForFailure(id)

	if s.shouldTerminateStartup() && s.phase.InitialNotify != nil {
		tx := s.phase.InitialNotify
		accumulated := s.phase.AccumulatedErrors
		s.phase = Phase{Kind: PhaseTerminated}
		return []Action{{Kind: ActionNotifyInitial, NotifyCh: tx, NotifyErr: collapseStreamErrors(accumulated)}}
	}
	return nil
}

func (s *Supervisor) handleBackoffTick() []Action {
	for i := range s.providers {
		if s.providers[i].state == InCooldown {
			s.providers[i] = providerRuntime{state: IdleFromCooldown}
		}
	}

	if s.attemptedSinceLastTick {
		if s.hasAnyActive() {
			s.increaseBackoff()
		} else {
			if s.roundExhausted && s.phase.Kind == PhaseStartup && s.phase.InitialNotify != nil {
				tx := s.phase.InitialNotify
				accumulated := s.phase.AccumulatedErrors
				s.phase = Phase{Kind: PhaseTerminated}
				return []Action{{Kind: ActionNotifyInitial, NotifyCh: tx, NotifyErr: collapseStreamErrors(accumulated)}}
			}
			s.increaseBackoff()
			s.startIndex = 0
		}
	}

	s.attemptedSinceLastTick = false
	s.scanCursor = s.startIndex
	s.roundExhausted = false
	return []Action{{Kind: ActionScheduleBackoffTick, DelayMs: s.currentDelayMs()}}
}

func (s *Supervisor) increaseBackoff() {
	next := s.backoffMs * s.factor
	if next < s.backoffMs {
		next = s.maxBackoffMs // overflow guard, mirrors saturating_mul
	}
	if next > s.maxBackoffMs {
		next = s.maxBackoffMs
	}
	s.backoffMs = next
}
