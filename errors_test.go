package surveillance

import (
	"errors"
	"testing"
	"time"
)

func TestTaggedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"CircuitOpenError", &CircuitOpenError{Upstream: "indexer", NextRetryTime: time.Unix(0, 0).UTC()}, "circuit open for indexer until 1970-01-01T00:00:00Z"},
		{"LockUnavailableError with holder", &LockUnavailableError{Key: "trade:0xabc", Holder: "tok-1"}, "lock unavailable for trade:0xabc (held by tok-1)"},
		{"LockUnavailableError no holder", &LockUnavailableError{Key: "trade:0xabc"}, "lock unavailable for trade:0xabc"},
		{"NotFoundError", &NotFoundError{Entity: "market", Key: "cond-1"}, `market "cond-1" not found`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.want {
				t.Errorf("error message = %q, want %q", tt.err.Error(), tt.want)
			}
		})
	}
}

func TestWithContext(t *testing.T) {
	baseErr := errors.New("base error")
	ctx := map[string]interface{}{
		"key":   "trade-123",
		"value": 42,
	}

	err := WithContext(baseErr, ctx)

	var errWithCtx *ErrorWithContext
	if !errors.As(err, &errWithCtx) {
		t.Fatalf("expected ErrorWithContext, got %T", err)
	}

	if !errors.Is(err, baseErr) {
		t.Error("expected error to wrap base error")
	}

	if errWithCtx.Context["key"] != "trade-123" {
		t.Errorf("context key = %v, want 'trade-123'", errWithCtx.Context["key"])
	}

	if err.Error() == "" {
		t.Error("error message should not be empty")
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"direct ErrNotFound", ErrNotFound, true},
		{"tagged NotFoundError", &NotFoundError{Entity: "market", Key: "x"}, true},
		{"wrapped ErrNotFound", WithContext(ErrNotFound, nil), true},
		{"other error", errors.New("other"), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"TransportError", &TransportError{Upstream: "chain-rpc", Err: errors.New("conn reset")}, true},
		{"RateLimitedError", &RateLimitedError{Upstream: "market-data"}, true},
		{"DependencyUnavailableError", &DependencyUnavailableError{Dependency: "redis", Err: errors.New("dial tcp")}, true},
		{"wrapped TransportError", WithContext(&TransportError{Upstream: "x", Err: errors.New("y")}, nil), true},
		{"NotFoundError", &NotFoundError{Entity: "market", Key: "x"}, false},
		{"UpstreamBadDataError", &UpstreamBadDataError{Upstream: "indexer", Reason: "bad json"}, false},
		{"ConfigError", &ConfigError{Field: "alertThreshold"}, false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(&InvalidInputError{Field: "price", Value: 2.0, Reason: "out of range"}) {
		t.Error("invalid input should be permanent")
	}
	if IsPermanent(&TransportError{Upstream: "x", Err: errors.New("y")}) {
		t.Error("transport error should not be permanent")
	}
}

func TestErrorWithContextUnwrap(t *testing.T) {
	baseErr := errors.New("base")
	wrappedErr := WithContext(baseErr, map[string]interface{}{"key": "value"})

	if !errors.Is(wrappedErr, baseErr) {
		t.Error("errors.Is should find base error")
	}

	var errWithCtx *ErrorWithContext
	if !errors.As(wrappedErr, &errWithCtx) {
		t.Error("errors.As should extract ErrorWithContext")
	}

	unwrapped := errors.Unwrap(wrappedErr)
	if !errors.Is(unwrapped, baseErr) {
		t.Error("Unwrap should return base error")
	}
}
