// Package apperr defines the typed error taxonomy shared across the engine.
// Every layer wraps lower-level errors with one of these types so callers can
// branch on failure class with errors.As instead of string matching.
package apperr

import "fmt"

// ConfigError reports a missing, malformed, or out-of-range configuration
// value discovered at boot.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// GatewayError reports a non-2xx response from the venue, or a transport
// failure the gateway could not recover from after its retry policy.
type GatewayError struct {
	Endpoint string
	Status   int
	Code     int // venue error code, e.g. -2010, -1021
	Message  string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: %s: status=%d code=%d msg=%s", e.Endpoint, e.Status, e.Code, e.Message)
}

// IsVenueCode reports whether this GatewayError carries the given venue error
// code (e.g. -2010 for "order would immediately match and trade").
func (e *GatewayError) IsVenueCode(code int) bool {
	return e != nil && e.Code == code
}

// FilterError reports a value that failed exchange filter validation
// (tick size, step size, min notional, min/max quantity).
type FilterError struct {
	Pair   string
	Filter string
	Reason string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter: %s: %s: %s", e.Pair, e.Filter, e.Reason)
}

// RiskBlocked reports a pre-trade gate that rejected a candidate signal.
type RiskBlocked struct {
	Pair   string
	Gate   string
	Reason string
}

func (e *RiskBlocked) Error() string {
	return fmt.Sprintf("risk blocked: %s: gate=%s: %s", e.Pair, e.Gate, e.Reason)
}

// ExecutionError reports a failure in the order-submission/reconciliation
// pipeline that is not a simple gateway or filter error (e.g. exhausted
// reprice retries, state-machine mismatch on fill).
type ExecutionError struct {
	Pair   string
	Stage  string
	Reason string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution: %s: stage=%s: %s", e.Pair, e.Stage, e.Reason)
}

// StateInvariant reports a violated internal invariant — a bug-class error
// that should halt the offending task rather than be silently absorbed.
type StateInvariant struct {
	Component string
	Detail    string
}

func (e *StateInvariant) Error() string {
	return fmt.Sprintf("state invariant violated: %s: %s", e.Component, e.Detail)
}
