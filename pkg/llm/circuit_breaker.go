package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/logging"
	"github.com/harunnryd/outcall/pkg/resilience"
)

var ErrBreakerOpen = errors.New("completion circuit open")

// CircuitBreakerCompleter stops calling a failing completer until the
// breaker lets a trial request through.
type CircuitBreakerCompleter struct {
	inner   Completer
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func NewCircuitBreakerCompleter(inner Completer, breaker *resilience.CircuitBreaker, logger *slog.Logger) *CircuitBreakerCompleter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerCompleter{
		inner:   inner,
		breaker: breaker,
		logger:  logging.NewComponentLogger(logger, "completion_breaker"),
	}
}

func (c *CircuitBreakerCompleter) Name() string { return c.inner.Name() }

func (c *CircuitBreakerCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if !c.breaker.Allow() {
		return "", errorsx.Wrap(ErrBreakerOpen, errorsx.ReasonCompletionBreakerOpen)
	}
	before := c.breaker.State()
	text, err := c.inner.Complete(ctx, prompt)
	if err != nil {
		if resilience.IsRateLimit(err) {
			c.logger.Warn("completion_rate_limited", "provider", c.inner.Name())
			err = errorsx.Wrap(err, errorsx.ReasonCompletionRateLimit)
		}
		c.breaker.OnError(err)
	} else {
		c.breaker.OnSuccess()
	}
	if after := c.breaker.State(); after != before {
		c.logChange(after, err)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (c *CircuitBreakerCompleter) logChange(state resilience.BreakerState, err error) {
	if state == resilience.BreakerOpen {
		c.logger.Warn("completion_breaker_open", "provider", c.inner.Name(), "error", err)
		return
	}
	c.logger.Info("completion_breaker_"+state.String(), "provider", c.inner.Name())
}
