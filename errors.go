package surveillance

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classifying error families with errors.Is. The closed
// taxonomy itself (spec §7) is represented as tagged-variant structs below;
// these sentinels exist so callers that only care about the family (not the
// distinguishing fields) can keep using errors.Is without a type switch.
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotFound             = errors.New("not found")
	ErrRateLimited          = errors.New("rate limited")
	ErrCircuitOpen          = errors.New("circuit open")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrUpstreamBadData      = errors.New("upstream returned malformed data")
	ErrLockUnavailable      = errors.New("lock unavailable")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrConfig               = errors.New("configuration error")
	ErrTimeout              = errors.New("operation timed out")
	ErrTransport            = errors.New("transport error")
)

// TransportError wraps a failed network round-trip to an upstream.
type TransportError struct {
	Upstream string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error calling %s: %v", e.Upstream, e.Err)
}
func (e *TransportError) Unwrap() error { return errors.Join(ErrTransport, e.Err) }

// TimeoutError records that a deadline elapsed before an operation finished.
type TimeoutError struct {
	Upstream string
	Deadline time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: deadline %s exceeded", e.Upstream, e.Deadline.Format(time.RFC3339))
}
func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RateLimitedError is returned by the Rate Limiter (4.A never originates it
// itself beyond the thunk contract) and by upstream clients that observed a
// 429 directly.
type RateLimitedError struct {
	Upstream   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Upstream, e.RetryAfter)
}
func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// CircuitOpenError is returned by the Circuit Breaker (4.B) while a circuit
// is open; NextRetryTime is lastFailureTime + recoveryTimeout.
type CircuitOpenError struct {
	Upstream      string
	NextRetryTime time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Upstream, e.NextRetryTime.Format(time.RFC3339))
}
func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// UpstreamBadDataError marks a response that parsed but failed semantic
// validation (out-of-range price, negative size, malformed address, ...).
// Never retry-worthy per spec §7.
type UpstreamBadDataError struct {
	Upstream string
	Reason   string
}

func (e *UpstreamBadDataError) Error() string {
	return fmt.Sprintf("%s returned bad data: %s", e.Upstream, e.Reason)
}
func (e *UpstreamBadDataError) Unwrap() error { return ErrUpstreamBadData }

// NotFoundError marks a missing entity (market, wallet, proxy mapping, ...).
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidInputError marks a caller-supplied value that fails a data-model
// invariant (spec §3/§8 invariant 1).
type InvalidInputError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s=%v: %s", e.Field, e.Value, e.Reason)
}
func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// LockUnavailableError is returned by the Distributed Lock (4.C) when
// acquisition fails; Holder is populated when the current holder's fencing
// token is known.
type LockUnavailableError struct {
	Key    string
	Holder string
}

func (e *LockUnavailableError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("lock unavailable for %s", e.Key)
	}
	return fmt.Sprintf("lock unavailable for %s (held by %s)", e.Key, e.Holder)
}
func (e *LockUnavailableError) Unwrap() error { return ErrLockUnavailable }

// DependencyUnavailableError marks cache/database unreachability.
type DependencyUnavailableError struct {
	Dependency string
	Err        error
}

func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}
func (e *DependencyUnavailableError) Unwrap() error { return errors.Join(ErrDependencyUnavailable, e.Err) }

// ConfigError marks an invalid configuration value, fatal at startup.
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s=%v invalid: %s", e.Field, e.Value, e.Reason)
}
func (e *ConfigError) Unwrap() error { return ErrConfig }

// ErrorWithContext adds structured context to an error for logging.
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error { return e.Err }

// WithContext adds context to an error without losing its errors.Is chain.
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{Err: err, Context: context}
}

// IsRetryable reports whether err is safe to retry per spec §7: transport,
// timeout, rate-limited, and dependency-unavailable errors are retry-worthy;
// everything else (bad data, not-found, invalid input, config) is not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrDependencyUnavailable)
}

// IsPermanent reports whether err should never be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrUpstreamBadData) ||
		errors.Is(err, ErrConfig)
}

// IsNotFound reports whether err represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
