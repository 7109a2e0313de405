package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	surveillance "github.com/marketsentinel/surveillance"
)

func newTrade(id string) surveillance.Trade {
	return surveillance.Trade{ID: id, MarketID: "m1"}
}

func TestSubmitRejectsAtCapacityWithoutBlocking(t *testing.T) {
	q := New(1, nil, nil)
	assert.True(t, q.Submit(newTrade("t1")))
	assert.False(t, q.Submit(newTrade("t2")))
	assert.Equal(t, 1, q.Depth())
}

func TestIsUnderPressureAt80PercentCapacity(t *testing.T) {
	q := New(10, nil, nil)
	for i := 0; i < 7; i++ {
		q.Submit(newTrade("t"))
	}
	assert.False(t, q.IsUnderPressure())
	q.Submit(newTrade("t8"))
	assert.True(t, q.IsUnderPressure())
}

func TestRunProcessesItemsInSubmitOrder(t *testing.T) {
	q := New(10, nil, nil)
	require.True(t, q.Submit(newTrade("t1")))
	require.True(t, q.Submit(newTrade("t2")))
	require.True(t, q.Submit(newTrade("t3")))

	var mu sync.Mutex
	var order []string
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(ctx context.Context, trade surveillance.Trade) error {
			mu.Lock()
			order = append(order, trade.ID)
			mu.Unlock()
			if len(order) == 3 {
				cancel()
			}
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t1", "t2", "t3"}, order)
}

func TestRunDeadLettersHandlerErrors(t *testing.T) {
	q := New(10, nil, nil)
	q.Submit(newTrade("bad"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(ctx context.Context, trade surveillance.Trade) error {
			cancel()
			return errors.New("boom")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish")
	}

	assert.Equal(t, 1, q.DeadLetterDepth())
	dl := q.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, "bad", dl[0].Trade.ID)
}

func TestDrainReturnsTrueOnceConsumed(t *testing.T) {
	q := New(10, nil, nil)
	q.Submit(newTrade("t1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, func(ctx context.Context, trade surveillance.Trade) error { return nil })

	ok := q.Drain(context.Background(), time.Second)
	assert.True(t, ok)
}

func TestDrainTimesOutWithItemsRemaining(t *testing.T) {
	q := New(10, nil, nil)
	q.Submit(newTrade("t1"))

	ok := q.Drain(context.Background(), 100*time.Millisecond)
	assert.False(t, ok)
}
