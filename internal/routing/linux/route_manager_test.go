//go:build linux

package linux

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDebounceCoalescesBurstIntoOneCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal := make(chan struct{})
	var fired int32
	go debounce(ctx, signal, func() { atomic.AddInt32(&fired, 1) })

	for i := 0; i < 5; i++ {
		signal <- struct{}{}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(debounceWindow + 50*time.Millisecond)

	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("expected exactly one debounced fire, got %d", got)
	}
}

func TestDebounceFiresAgainAfterMaxHoldUnderContinuousLoad(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal := make(chan struct{})
	var fired int32
	go debounce(ctx, signal, func() { atomic.AddInt32(&fired, 1) })

	deadline := time.Now().Add(maxHold + 500*time.Millisecond)
	for time.Now().Before(deadline) {
		signal <- struct{}{}
		time.Sleep(debounceWindow / 2)
	}

	if got := atomic.LoadInt32(&fired); got < 1 {
		t.Fatalf("expected at least one fire under continuous load within maxHold, got %d", got)
	}
}
