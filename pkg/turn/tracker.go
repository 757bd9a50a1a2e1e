package turn

import (
	"sync"
	"time"

	"github.com/harunnryd/outcall/pkg/audio"
)

var validTransitions = map[State][]State{
	StateIdle:      {StateListening, StateSpeaking},
	StateListening: {StateThinking, StateSpeaking, StateIdle},
	StateThinking:  {StateSpeaking, StateListening, StateIdle},
	StateSpeaking:  {StateListening, StateThinking, StateIdle},
}

// Tracker is the floor-holding state machine for one call.
type Tracker struct {
	mu        sync.Mutex
	state     State
	strategy  Strategy
	threshold float64
	minFrames int
	streak    int
	now       func() time.Time

	speakingSince time.Time
	lastBargeIn   time.Duration
	listeners     []StateListener
}

func NewTracker(cfg Config) *Tracker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = audio.DefaultSpeechThreshold
	}
	if cfg.MinFrames <= 0 {
		cfg.MinFrames = 1
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyAggressive
	}
	return &Tracker{
		state:     StateIdle,
		strategy:  cfg.Strategy,
		threshold: cfg.Threshold,
		minFrames: cfg.MinFrames,
		now:       time.Now,
	}
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AddListener registers a listener for state change events.
func (t *Tracker) AddListener(listener StateListener) {
	if listener == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, listener)
	t.mu.Unlock()
}

// Transition moves to a new state with validation. Moving to the current
// state is a no-op.
func (t *Tracker) Transition(to State, reason string) error {
	t.mu.Lock()
	from := t.state
	if from == to {
		t.mu.Unlock()
		return nil
	}
	if !allowed(from, to) {
		t.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	t.state = to
	now := t.now()
	if to == StateSpeaking {
		t.speakingSince = now
	}
	t.streak = 0
	listeners := make([]StateListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	ev := StateChange{FromState: from, ToState: to, Timestamp: now, Reason: reason}
	for _, l := range listeners {
		l.OnStateChange(ev)
	}
	return nil
}

func allowed(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Detect feeds one inbound frame energy. It reports true when the frame
// completes a barge-in: the agent is speaking, the strategy allows
// interruption and MinFrames consecutive frames crossed the threshold.
// A detected barge-in moves the tracker to LISTENING.
func (t *Tracker) Detect(speaking bool, energy float64) bool {
	t.mu.Lock()
	if !speaking || !t.strategy.BargeInEnabled() {
		t.streak = 0
		t.mu.Unlock()
		return false
	}
	if !audio.IsSpeech(energy, t.threshold) {
		t.streak = 0
		t.mu.Unlock()
		return false
	}
	t.streak++
	if t.streak < t.minFrames {
		t.mu.Unlock()
		return false
	}
	t.streak = 0
	if !t.speakingSince.IsZero() {
		t.lastBargeIn = t.now().Sub(t.speakingSince)
	}
	t.mu.Unlock()
	_ = t.Transition(StateListening, "barge-in")
	return true
}

// BargeInLatency is how long the last interrupted reply had been playing.
func (t *Tracker) BargeInLatency() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastBargeIn
}
