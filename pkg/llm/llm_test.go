package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/resilience"
)

func TestTruncate(t *testing.T) {
	long := ""
	for i := 0; i < 400; i++ {
		long += "è"
	}
	if got := []rune(Truncate(long, 0)); len(got) != DefaultTruncateRunes {
		t.Fatalf("expected %d runes, got %d", DefaultTruncateRunes, len(got))
	}
	text, err := TruncateCompleter{Limit: 5}.Complete(context.Background(), "  ciao Marco ")
	if err != nil || text != "ciao" {
		t.Fatalf("unexpected %q %v", text, err)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), RetryConfig{Sleep: func(time.Duration) {}}, func(context.Context) (string, error) {
		calls++
		return "", resilience.ErrPermanent
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one attempt, got %d", calls)
	}
	calls = 0
	text, err := Retry(context.Background(), RetryConfig{Sleep: func(time.Duration) {}}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("reset")
		}
		return "ok", nil
	})
	if err != nil || text != "ok" || calls != 3 {
		t.Fatalf("unexpected %q %v %d", text, err, calls)
	}
}

func TestCircuitBreakerCompleter(t *testing.T) {
	calls := 0
	inner := CompleterFunc(func(context.Context, string) (string, error) {
		calls++
		return "", resilience.RateLimitError{Provider: "openai"}
	})
	c := NewCircuitBreakerCompleter(inner, resilience.NewCircuitBreaker(1, time.Minute), nil)
	if _, err := c.Complete(context.Background(), "x"); !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	_, err := c.Complete(context.Background(), "x")
	if !errors.Is(err, ErrBreakerOpen) || !errorsx.HasReason(err, errorsx.ReasonCompletionBreakerOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("breaker must short-circuit, inner called %d times", calls)
	}
	if DefaultIsRetryable(err) {
		t.Fatalf("open breaker must not be retried")
	}
}

func TestCircuitBreakerCompleterOpensOnServerErrors(t *testing.T) {
	calls := 0
	inner := CompleterFunc(func(context.Context, string) (string, error) {
		calls++
		return "", errors.New("openai status 500")
	})
	c := NewCircuitBreakerCompleter(inner, resilience.NewCircuitBreaker(3, time.Minute), nil)
	for i := 0; i < 6; i++ {
		_, _ = c.Complete(context.Background(), "x")
	}
	if calls != 3 {
		t.Fatalf("breaker threshold 3, inner called %d times", calls)
	}
}

func TestCircuitBreakerCompleterClosesAfterTrial(t *testing.T) {
	fail := true
	inner := CompleterFunc(func(context.Context, string) (string, error) {
		if fail {
			return "", context.DeadlineExceeded
		}
		return "ok", nil
	})
	breaker := resilience.NewCircuitBreaker(1, 10*time.Millisecond)
	c := NewCircuitBreakerCompleter(inner, breaker, nil)
	_, _ = c.Complete(context.Background(), "x")
	if breaker.State() != resilience.BreakerOpen {
		t.Fatalf("a timeout must count as a failure, state %s", breaker.State())
	}
	fail = false
	time.Sleep(20 * time.Millisecond)
	if text, err := c.Complete(context.Background(), "x"); err != nil || text != "ok" {
		t.Fatalf("trial request: %q %v", text, err)
	}
	if breaker.State() != resilience.BreakerClosed {
		t.Fatalf("expected closed breaker, got %s", breaker.State())
	}
}

func TestLimitCompleterKeepsShortTurns(t *testing.T) {
	inner := CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		return "Perfetto. Ti richiamo domani! Va bene? Buona giornata.", nil
	})
	got, err := LimitCompleter{Inner: inner, MaxSentences: 2}.Complete(context.Background(), "x")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "Perfetto. Ti richiamo domani!" {
		t.Fatalf("unexpected reply %q", got)
	}
	if got := LimitReply("àèìòù àèìòù", 3, 5); got != "àèìòù" {
		t.Fatalf("rune limit: got %q", got)
	}
	if got := LimitReply("nessun punto finale", 1, 0); got != "nessun punto finale" {
		t.Fatalf("text without terminator must survive, got %q", got)
	}
}
