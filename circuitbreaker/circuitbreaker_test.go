package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), failing); err == nil {
			t.Fatal("Expected failure to propagate")
		}
	}

	if cb.GetState() != StateOpen {
		t.Errorf("Expected state open after max failures, got %v", cb.GetState())
	}

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen while open, got %v", err)
	}
}

func TestCircuitBreaker_RecoversAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state open, got %v", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Expected probe to run after reset timeout, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state closed after successful probe, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error {
		t.Error("fn should not run with a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCircuitBreaker_ConcurrentCalls(t *testing.T) {
	cb := NewCircuitBreaker(5, time.Minute)

	// Both calls must be inside fn at the same time; if the breaker held its
	// lock across fn they would deadlock on the barrier.
	barrier := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Execute(context.Background(), func(ctx context.Context) error {
				entered.Done()
				<-barrier
				return nil
			})
			if err != nil {
				t.Errorf("Expected concurrent call to succeed, got %v", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		entered.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(barrier)
	case <-time.After(time.Second):
		t.Fatal("Calls serialized: both goroutines never entered fn together")
	}

	wg.Wait()

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state closed, got %v", cb.GetState())
	}
}
