package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.OnError(errors.New("openai status 500"))
	cb.OnSuccess()
	cb.OnError(errors.New("openai status 500"))
	if !cb.Allow() {
		t.Fatalf("a success in between must reset the count")
	}
	cb.OnError(fmt.Errorf("wrapped: %w", RateLimitError{Provider: "openai"}))
	if cb.Allow() || cb.State() != BreakerOpen {
		t.Fatalf("expected breaker open after two failures, state %s", cb.State())
	}
}

func TestBreakerIgnoresPermanentAndCanceled(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.OnError(fmt.Errorf("bad request: %w", ErrPermanent))
	cb.OnError(context.Canceled)
	if !cb.Allow() {
		t.Fatalf("permanent and canceled errors must not open the breaker")
	}
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	now := time.Now()
	cb.now = func() time.Time { return now }
	cb.OnError(errors.New("timeout"))
	if cb.Allow() {
		t.Fatalf("expected open breaker")
	}

	now = now.Add(time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected a trial after the cooldown")
	}
	if cb.State() != BreakerHalfOpen || cb.Allow() {
		t.Fatalf("only one trial may run while half open")
	}
	cb.OnError(errors.New("timeout"))
	if cb.State() != BreakerOpen || cb.Allow() {
		t.Fatalf("a failed trial must reopen the breaker")
	}

	now = now.Add(time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected a second trial")
	}
	cb.OnSuccess()
	if cb.State() != BreakerClosed || !cb.Allow() || !cb.Allow() {
		t.Fatalf("a successful trial must close the breaker")
	}
}

func TestRetryPolicyStopsOnPermanent(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(3, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("bad request: %w", ErrPermanent)
	})
	if !errors.Is(err, ErrPermanent) || calls != 1 {
		t.Fatalf("expected one call, got %d (%v)", calls, err)
	}
}

func TestRetryPolicyRetriesTransient(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(2, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("reset")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got %d (%v)", calls, err)
	}
}
