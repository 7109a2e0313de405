package surveillance

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(nil, "test", failureThreshold, time.Minute, recoveryTimeout, 1, nil, nil)
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	cb := newTestBreaker(3, 100*time.Millisecond)

	if cb.State("polymarket-rpc") != StateClosed {
		t.Fatalf("expected initial state closed, got %s", cb.State("polymarket-rpc"))
	}

	testErr := errors.New("boom")
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), "polymarket-rpc", func() error { return testErr })
	}

	if cb.State("polymarket-rpc") != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", 3, cb.State("polymarket-rpc"))
	}

	err := cb.Execute(context.Background(), "polymarket-rpc", func() error {
		t.Error("fn must not run while circuit is open")
		return nil
	})
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *CircuitOpenError, got %v", err)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected errors.Is match against ErrCircuitOpen")
	}

	time.Sleep(150 * time.Millisecond)

	cb.Execute(context.Background(), "polymarket-rpc", func() error { return nil })

	if cb.State("polymarket-rpc") != StateClosed {
		t.Fatalf("expected closed after successful half-open trial, got %s", cb.State("polymarket-rpc"))
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(2, 50*time.Millisecond)

	testErr := errors.New("boom")
	cb.Execute(context.Background(), "indexer", func() error { return testErr })
	cb.Execute(context.Background(), "indexer", func() error { return testErr })

	time.Sleep(100 * time.Millisecond)

	cb.Execute(context.Background(), "indexer", func() error { return testErr })

	if cb.State("indexer") != StateOpen {
		t.Fatalf("expected open after failed half-open trial, got %s", cb.State("indexer"))
	}
}

func TestCircuitBreaker_HalfOpenConcurrencyBound(t *testing.T) {
	cb := newTestBreaker(1, 20*time.Millisecond)

	cb.Execute(context.Background(), "feed", func() error { return errors.New("boom") })
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		cb.Execute(context.Background(), "feed", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Execute(context.Background(), "feed", func() error {
		t.Error("second concurrent half-open call must not run, halfOpenMaxAttempts=1")
		return nil
	})
	if err == nil {
		t.Fatal("expected second concurrent half-open call to be rejected")
	}
	close(release)
}

func TestCircuitBreaker_IndependentPerUpstream(t *testing.T) {
	cb := newTestBreaker(1, time.Minute)

	cb.Execute(context.Background(), "rpc-a", func() error { return errors.New("boom") })

	if cb.State("rpc-a") != StateOpen {
		t.Fatalf("rpc-a should be open")
	}
	if cb.State("rpc-b") != StateClosed {
		t.Fatalf("rpc-b should be unaffected, got %s", cb.State("rpc-b"))
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(1, time.Minute)
	cb.Execute(context.Background(), "rpc", func() error { return errors.New("boom") })

	if cb.State("rpc") != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset(context.Background(), "rpc")

	if cb.State("rpc") != StateClosed {
		t.Fatalf("expected closed after reset, got %s", cb.State("rpc"))
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := newTestBreaker(10, 100*time.Millisecond)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			cb.Execute(context.Background(), "rpc", func() error {
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if cb.State("rpc") != StateClosed {
		t.Fatalf("expected closed after concurrent successes, got %s", cb.State("rpc"))
	}
}
