package surveillance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResilienceCallSucceedsWithoutRetry(t *testing.T) {
	r := NewResilience("test-upstream", nil, nil, DefaultRetryConfig(), nil, nil)
	calls := 0
	err := r.Call(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestResilienceRetriesTransportErrors(t *testing.T) {
	retry := RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, BackoffMultiple: 2, JitterPercent: 0}
	r := NewResilience("test-upstream", nil, nil, retry, nil, nil)

	calls := 0
	err := r.Call(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TransportError{Upstream: "test-upstream", Err: assert.AnError}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestResilienceGivesUpAfterMaxRetries(t *testing.T) {
	retry := RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, BackoffMultiple: 2, JitterPercent: 0}
	r := NewResilience("test-upstream", nil, nil, retry, nil, nil)

	calls := 0
	err := r.Call(context.Background(), func(ctx context.Context) error {
		calls++
		return &TransportError{Upstream: "test-upstream", Err: assert.AnError}
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls) // initial attempt + 1 retry
}

func TestResilienceNeverRetriesBadData(t *testing.T) {
	retry := RetryConfig{MaxRetries: 5, InitialBackoff: time.Millisecond, BackoffMultiple: 2, JitterPercent: 0}
	r := NewResilience("test-upstream", nil, nil, retry, nil, nil)

	calls := 0
	err := r.Call(context.Background(), func(ctx context.Context) error {
		calls++
		return &UpstreamBadDataError{Upstream: "test-upstream", Reason: "malformed"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestResilienceCircuitOpenDoesNotRetry(t *testing.T) {
	cb := NewCircuitBreaker(nil, "test", 1, time.Minute, time.Hour, 1, nil, nil)
	retry := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, BackoffMultiple: 2, JitterPercent: 0}
	r := NewResilience("broken-upstream", nil, cb, retry, nil, nil)

	// Trip the circuit.
	_ = r.Call(context.Background(), func(ctx context.Context) error {
		return &TransportError{Upstream: "broken-upstream", Err: assert.AnError}
	})

	calls := 0
	err := r.Call(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
}
