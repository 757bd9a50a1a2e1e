// Package llm produces reply text for a conversation turn.
package llm

import (
	"context"
	"strings"
	"unicode/utf8"
)

// DefaultTruncateRunes bounds the fallback reply when no model is configured.
const DefaultTruncateRunes = 300

// Completer turns a prompt into reply text.
type Completer interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Name() string { return "func" }

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// TruncateCompleter echoes the prompt cut to Limit runes.
type TruncateCompleter struct {
	Limit int
}

func (t TruncateCompleter) Name() string { return "truncate" }

func (t TruncateCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return Truncate(prompt, t.Limit), nil
}

// Truncate returns the first limit runes of s, trimmed.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		limit = DefaultTruncateRunes
	}
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}
