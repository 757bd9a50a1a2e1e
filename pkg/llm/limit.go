package llm

import (
	"context"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxReplyChars     = 420
	DefaultMaxReplySentences = 3
)

// LimitCompleter keeps model replies short enough for a phone turn: at most
// MaxSentences sentences and MaxChars runes.
type LimitCompleter struct {
	Inner        Completer
	MaxChars     int
	MaxSentences int
}

func (l LimitCompleter) Name() string { return l.Inner.Name() }

func (l LimitCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	text, err := l.Inner.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return LimitReply(text, l.MaxSentences, l.MaxChars), nil
}

// LimitReply cuts text after maxSentences sentence terminators, then to
// maxChars runes.
func LimitReply(text string, maxSentences, maxChars int) string {
	if maxSentences <= 0 {
		maxSentences = DefaultMaxReplySentences
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxReplyChars
	}
	text = strings.TrimSpace(text)
	out := truncateSentences(text, maxSentences)
	if utf8.RuneCountInString(out) > maxChars {
		out = strings.TrimSpace(string([]rune(out)[:maxChars]))
	}
	return out
}

func truncateSentences(text string, maxSentences int) string {
	var out strings.Builder
	count := 0
	for _, r := range text {
		out.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			count++
			if count >= maxSentences {
				break
			}
		}
	}
	result := strings.TrimSpace(out.String())
	if result == "" {
		return text
	}
	return result
}
