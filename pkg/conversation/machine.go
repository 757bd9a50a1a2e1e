// Package conversation holds the scripted call flow: fact extraction,
// state transitions, and the prompt spoken for each state.
package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/outcall/pkg/logging"
)

type State string

const (
	StateOpening State = "OPENING"
	StateAskSim  State = "ASK_SIM"
	StateAskBill State = "ASK_BILL"
	StateClosing State = "CLOSING"
)

// InitialState is the state of every new call.
const InitialState = StateOpening

func (s State) String() string { return string(s) }

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateOpening, StateAskSim, StateAskBill, StateClosing:
		return true
	}
	return false
}

// Input is everything one transition looks at.
type Input struct {
	State      State
	Facts      Facts
	Transcript string
	// Meta carries call metadata used for placeholders (first_name).
	Meta map[string]string
}

// Turn is the outcome of Advance.
type Turn struct {
	From   State
	To     State
	Prompt string
	Facts  Facts
	// ExtractErr is set when a pattern matched but produced no usable fact.
	ExtractErr error
	Timestamp  time.Time
}

// Changed reports whether the state moved.
func (t Turn) Changed() bool { return t.From != t.To }

// TransitionListener observes every Advance result.
type TransitionListener interface {
	OnTransition(turn Turn)
}

// TransitionListenerFunc adapts a function to TransitionListener.
type TransitionListenerFunc func(turn Turn)

func (f TransitionListenerFunc) OnTransition(turn Turn) { f(turn) }

type Config struct {
	AgentName string
	Prompts   map[string]string
}

// Machine is safe for concurrent use; it keeps no per-call state.
type Machine struct {
	agentName string
	prompts   map[string]string
	logger    *slog.Logger

	mu        sync.RWMutex
	listeners []TransitionListener
}

func NewMachine(cfg Config, logger *slog.Logger) *Machine {
	prompts := DefaultPrompts()
	for k, v := range cfg.Prompts {
		if v != "" {
			prompts[k] = v
		}
	}
	agent := cfg.AgentName
	if agent == "" {
		agent = "Giulia"
	}
	return &Machine{
		agentName: agent,
		prompts:   prompts,
		logger:    logging.NewComponentLogger(logger, "conversation"),
	}
}

// AddListener registers a listener for transitions.
func (m *Machine) AddListener(listener TransitionListener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
}

// Advance extracts facts from the transcript, picks the next state, and
// renders its prompt.
func (m *Machine) Advance(in Input) Turn {
	from := in.State
	if !from.Valid() {
		from = InitialState
	}
	facts, err := Extract(in.Transcript, in.Facts)
	if err != nil {
		m.logger.Debug("fact_extraction_failed", "error", err)
	}
	smsPending := from == StateAskSim && !in.Facts.Has(FactSMSAnswer)
	settleSMSAnswer(smsPending, in.Facts, facts)
	to := next(from, facts)
	turn := Turn{
		From:       from,
		To:         to,
		Facts:      facts,
		ExtractErr: err,
		Timestamp:  time.Now(),
	}
	turn.Prompt = m.promptFor(to, smsPending, facts, in.Meta, in.Transcript)

	m.mu.RLock()
	listeners := make([]TransitionListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()
	for _, l := range listeners {
		l.OnTransition(turn)
	}
	return turn
}

func next(from State, facts Facts) State {
	switch from {
	case StateOpening, StateAskSim:
		if facts.Has(FactSimCount) {
			return StateAskBill
		}
		return StateAskSim
	case StateAskBill, StateClosing:
		return StateClosing
	default:
		return StateAskSim
	}
}

// settleSMSAnswer keeps a yes or no only while the suspicious-SMS question
// is the one awaiting an answer. Any other reply to it is recorded as
// unknown so the question is asked once.
func settleSMSAnswer(pending bool, prev, facts Facts) {
	switch {
	case !pending && prev.Has(FactSMSAnswer):
		facts[FactSMSAnswer] = prev[FactSMSAnswer]
	case !pending:
		delete(facts, FactSMSAnswer)
	case !facts.Has(FactSMSAnswer):
		facts[FactSMSAnswer] = SMSUnknown
	}
}

func (m *Machine) promptFor(to State, smsPending bool, facts Facts, meta map[string]string, transcript string) string {
	if to != StateAskSim {
		return m.Prompt(m.stateKey(to, facts), facts, meta)
	}
	switch {
	case !facts.Has(FactSMSAnswer):
		return m.Prompt(PromptAskSMS, facts, meta)
	case uncertainPattern.MatchString(transcript):
		return m.Prompt(PromptAskSimHint, facts, meta)
	case smsPending:
		ask := m.Prompt(PromptAskSim, facts, meta)
		if ack := m.smsAck(facts); ack != "" {
			return ack + " " + ask
		}
		return ask
	default:
		return m.Prompt(PromptAskSimRetry, facts, meta)
	}
}

func (m *Machine) smsAck(facts Facts) string {
	switch facts[FactSMSAnswer] {
	case "yes":
		return m.Prompt(PromptSMSYes, facts, nil)
	case "no":
		return m.Prompt(PromptSMSNo, facts, nil)
	default:
		return ""
	}
}

func (m *Machine) stateKey(s State, facts Facts) string {
	switch s {
	case StateOpening:
		return PromptOpening
	case StateAskSim:
		return PromptAskSim
	case StateAskBill:
		return PromptAskBill
	default:
		if facts.Has(FactCarriers) && m.prompts[PromptClosingBilling] != "" {
			return PromptClosingBilling
		}
		return PromptClosing
	}
}

// Prompt renders a named template.
func (m *Machine) Prompt(key string, facts Facts, meta map[string]string) string {
	return Render(m.prompts[key], Vars(facts, meta, m.agentName))
}

// Greeting is the opening line spoken once the media stream starts.
func (m *Machine) Greeting(meta map[string]string) string {
	return m.Prompt(PromptOpening, nil, meta)
}

// Canned returns the scripted line for a state without consulting the
// caller, used when speech recognition is unavailable.
func (m *Machine) Canned(state State, facts Facts, meta map[string]string) string {
	return m.Prompt(m.stateKey(state, facts), facts, meta)
}
