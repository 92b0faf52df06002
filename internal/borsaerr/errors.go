// Package borsaerr implements the unified error taxonomy every connector,
// middleware layer, and orchestrator operation in borsa returns through:
// a closed set of struct types, a tri-state retry classification, and the
// flatten/is-actionable helpers the composite report builders depend on.
//
// This mirrors borsa-types::error::BorsaError from the reference
// implementation, rendered as idiomatic Go error values instead of a Rust
// enum: one struct per variant, each implementing error, with a RetryClass
// method replacing the Rust match expression.
package borsaerr

import "fmt"

// RetryClass tri-state-classifies an error for retry/backoff decisions.
type RetryClass int

const (
	Permanent RetryClass = iota
	Transient
	Unknown
)

func (c RetryClass) String() string {
	switch c {
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is implemented by every variant in this package plus
// AllProvidersFailed, so callers can treat them uniformly.
type Error interface {
	error
	RetryClass() RetryClass
	IsActionable() bool
}

// Unsupported signals the requested capability is not implemented by the
// target connector. Never actionable: callers fall through to the next
// connector or report it as absent, not as a user-facing failure.
type Unsupported struct{ Capability string }

func (e *Unsupported) Error() string          { return fmt.Sprintf("unsupported capability: %s", e.Capability) }
func (e *Unsupported) RetryClass() RetryClass { return Permanent }
func (e *Unsupported) IsActionable() bool     { return false }

// Data signals a problem with the shape or content of data a connector
// returned (missing fields, mixed currencies, etc.).
type Data struct{ Message string }

func (e *Data) Error() string          { return fmt.Sprintf("data issue: %s", e.Message) }
func (e *Data) RetryClass() RetryClass { return Unknown }
func (e *Data) IsActionable() bool     { return true }

// InvalidArg signals a caller-supplied argument failed validation.
type InvalidArg struct{ Message string }

func (e *InvalidArg) Error() string          { return fmt.Sprintf("invalid argument: %s", e.Message) }
func (e *InvalidArg) RetryClass() RetryClass { return Permanent }
func (e *InvalidArg) IsActionable() bool     { return true }

// Connector wraps an inner error with the name of the connector that
// produced it.
type Connector struct {
	Name  string
	Inner Error
}

func (e *Connector) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Name, e.Inner.Error())
}
func (e *Connector) RetryClass() RetryClass { return e.Inner.RetryClass() }
func (e *Connector) IsActionable() bool     { return e.Inner.IsActionable() }
func (e *Connector) Unwrap() error          { return e.Inner }

// InconsistentCurrencyData signals a merge or resample detected mixed
// currencies where a single series currency is required.
type InconsistentCurrencyData struct{}

func (e *InconsistentCurrencyData) Error() string          { return "inconsistent currency data" }
func (e *InconsistentCurrencyData) RetryClass() RetryClass { return Permanent }
func (e *InconsistentCurrencyData) IsActionable() bool     { return true }

// Other is an opaque/unknown error, used sparingly.
type Other struct{ Message string }

func (e *Other) Error() string          { return fmt.Sprintf("unknown error: %s", e.Message) }
func (e *Other) RetryClass() RetryClass { return Unknown }
func (e *Other) IsActionable() bool     { return true }

// NotFound signals a resource or symbol could not be located. Never
// actionable — the composite builders treat it as benign absence.
type NotFound struct{ What string }

func (e *NotFound) Error() string          { return fmt.Sprintf("not found: %s", e.What) }
func (e *NotFound) RetryClass() RetryClass { return Permanent }
func (e *NotFound) IsActionable() bool     { return false }

// AllProvidersFailed aggregates the individual failures of every attempted
// connector.
type AllProvidersFailed struct{ Errors []Error }

func (e *AllProvidersFailed) Error() string {
	return fmt.Sprintf("all providers failed: %d errors", len(e.Errors))
}

func (e *AllProvidersFailed) RetryClass() RetryClass {
	anyPermanent := false
	allTransient := true
	for _, inner := range e.Errors {
		switch inner.RetryClass() {
		case Permanent:
			anyPermanent = true
		case Transient:
		default:
			allTransient = false
		}
		if inner.RetryClass() != Transient {
			allTransient = false
		}
	}
	if anyPermanent {
		return Permanent
	}
	if allTransient && len(e.Errors) > 0 {
		return Transient
	}
	return Unknown
}

func (e *AllProvidersFailed) IsActionable() bool {
	for _, inner := range e.Errors {
		if inner.IsActionable() {
			return true
		}
	}
	return false
}

// ProviderTimeout signals an individual provider call exceeded its
// per-call timeout.
type ProviderTimeout struct {
	Connector  string
	Capability string
}

func (e *ProviderTimeout) Error() string {
	return fmt.Sprintf("provider timed out: %s via %s", e.Capability, e.Connector)
}
func (e *ProviderTimeout) RetryClass() RetryClass { return Transient }
func (e *ProviderTimeout) IsActionable() bool     { return true }

// RequestTimeout signals the overall request-level deadline elapsed.
type RequestTimeout struct{ Capability string }

func (e *RequestTimeout) Error() string          { return fmt.Sprintf("request timed out: %s", e.Capability) }
func (e *RequestTimeout) RetryClass() RetryClass { return Transient }
func (e *RequestTimeout) IsActionable() bool     { return true }

// AllProvidersTimedOut signals every attempted provider timed out.
type AllProvidersTimedOut struct{ Capability string }

func (e *AllProvidersTimedOut) Error() string {
	return fmt.Sprintf("all providers timed out: %s", e.Capability)
}
func (e *AllProvidersTimedOut) RetryClass() RetryClass { return Transient }
func (e *AllProvidersTimedOut) IsActionable() bool     { return true }

// StrictSymbolsRejected signals a strict routing rule excluded one or more
// requested symbols from streaming.
type StrictSymbolsRejected struct{ Rejected []string }

func (e *StrictSymbolsRejected) Error() string {
	return fmt.Sprintf("strict routing rejected symbols: %v", e.Rejected)
}
func (e *StrictSymbolsRejected) RetryClass() RetryClass { return Permanent }
func (e *StrictSymbolsRejected) IsActionable() bool     { return true }

// QuotaExceeded signals the request would exceed the configured quota
// budget for the current window or slice.
type QuotaExceeded struct {
	Remaining uint64
	ResetInMs uint64
}

func (e *QuotaExceeded) Error() string {
	return fmt.Sprintf("quota exceeded: remaining=%d reset_in_ms=%d", e.Remaining, e.ResetInMs)
}
func (e *QuotaExceeded) RetryClass() RetryClass { return Transient }
func (e *QuotaExceeded) IsActionable() bool     { return true }

// RateLimitExceeded signals the request rate exceeds the configured
// token-bucket limit.
type RateLimitExceeded struct {
	Limit    uint64
	WindowMs uint64
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded: limit=%d window_ms=%d", e.Limit, e.WindowMs)
}
func (e *RateLimitExceeded) RetryClass() RetryClass { return Transient }
func (e *RateLimitExceeded) IsActionable() bool     { return true }

// TemporarilyBlacklisted signals the connector is temporarily blacklisted
// by middleware; retry after ResetInMs.
type TemporarilyBlacklisted struct{ ResetInMs uint64 }

func (e *TemporarilyBlacklisted) Error() string {
	return fmt.Sprintf("temporarily blacklisted: reset_in_ms=%d", e.ResetInMs)
}
func (e *TemporarilyBlacklisted) RetryClass() RetryClass { return Transient }
func (e *TemporarilyBlacklisted) IsActionable() bool     { return true }

// CircuitOpen signals the circuit-breaking middleware is currently
// rejecting calls to a connector after it tripped its failure threshold.
type CircuitOpen struct{ Connector string }

func (e *CircuitOpen) Error() string          { return fmt.Sprintf("circuit open: %s", e.Connector) }
func (e *CircuitOpen) RetryClass() RetryClass { return Transient }
func (e *CircuitOpen) IsActionable() bool     { return true }

// InvalidMiddlewareStack signals the middleware stack configuration is
// invalid (missing dependencies, wrong order, etc.).
type InvalidMiddlewareStack struct{ Message string }

func (e *InvalidMiddlewareStack) Error() string {
	return fmt.Sprintf("invalid middleware stack: %s", e.Message)
}
func (e *InvalidMiddlewareStack) RetryClass() RetryClass { return Permanent }
func (e *InvalidMiddlewareStack) IsActionable() bool     { return true }

// Flatten recursively collapses AllProvidersFailed into a flat slice,
// passing every other variant through unchanged.
func Flatten(err Error) []Error {
	if agg, ok := err.(*AllProvidersFailed); ok {
		out := make([]Error, 0, len(agg.Errors))
		for _, inner := range agg.Errors {
			out = append(out, Flatten(inner)...)
		}
		return out
	}
	return []Error{err}
}

// Tag wraps err with the connector name, unless it is already a Connector,
// NotFound, or ProviderTimeout error — those pass through unchanged per
// the orchestrator's propagation policy.
func Tag(connector string, err Error) Error {
	switch err.(type) {
	case *Connector, *NotFound, *ProviderTimeout:
		return err
	default:
		return &Connector{Name: connector, Inner: err}
	}
}

// IsPermanent/IsTransient are ergonomic predicates over RetryClass.
func IsPermanent(err Error) bool { return err.RetryClass() == Permanent }
func IsTransient(err Error) bool { return err.RetryClass() == Transient }
