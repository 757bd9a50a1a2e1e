package mock

import (
	"context"
	"sync"
	"time"
)

type LLMConfig struct {
	ResponseText string
	Err          error
	// Delay holds each completion back, unless the context ends first.
	Delay time.Duration
}

// Completer returns a fixed reply and records prompts.
type Completer struct {
	cfg LLMConfig

	mu      sync.Mutex
	prompts []string
}

func NewCompleter(cfg LLMConfig) *Completer {
	if cfg.ResponseText == "" && cfg.Err == nil {
		cfg.ResponseText = "mock response"
	}
	return &Completer{cfg: cfg}
}

func (c *Completer) Name() string { return "mock_llm" }

func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()
	if c.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.cfg.Delay):
		}
	}
	if c.cfg.Err != nil {
		return "", c.cfg.Err
	}
	return c.cfg.ResponseText, nil
}

func (c *Completer) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}
