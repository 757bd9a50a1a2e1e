// Package turn tracks who holds the floor on a call and decides when caller
// speech interrupts a reply.
package turn

import (
	"fmt"
	"strings"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Strategy selects how caller speech during playback is treated.
type Strategy string

const (
	// StrategyAggressive cuts the reply as soon as the caller speaks.
	StrategyAggressive Strategy = "aggressive"
	// StrategyPolite lets replies finish.
	StrategyPolite Strategy = "polite"
)

func (s Strategy) BargeInEnabled() bool {
	return s != StrategyPolite
}

// ParseStrategy maps a config value to a Strategy. Empty means aggressive.
func ParseStrategy(v string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(v))) {
	case "", StrategyAggressive:
		return StrategyAggressive, nil
	case StrategyPolite:
		return StrategyPolite, nil
	}
	return "", fmt.Errorf("unknown turn strategy %q", v)
}

type Config struct {
	Strategy Strategy
	// Threshold is the frame energy above which caller audio counts as speech.
	Threshold float64
	// MinFrames is the number of consecutive loud frames that trigger
	// barge-in.
	MinFrames int
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

type StateListenerFunc func(event StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
