// Package events delivers call lifecycle records (status changes, state
// transitions, transcripts, replies, barge-ins) to external consumers.
package events

import "time"

type Type string

const (
	TypeStatus     Type = "status"
	TypeState      Type = "state"
	TypeTranscript Type = "transcript"
	TypeReply      Type = "reply"
	TypeMachine    Type = "machine"
	TypeBargeIn    Type = "barge_in"
)

// Event is one call record. Facts carries the conversation facts on state
// events; LatencyMS is how long the interrupted reply had been playing on
// barge-in events.
type Event struct {
	Type       Type              `json:"type"`
	CallID     string            `json:"call_id"`
	RowID      string            `json:"row_id,omitempty"`
	State      string            `json:"state,omitempty"`
	Facts      map[string]string `json:"facts,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Reply      string            `json:"reply,omitempty"`
	Status     string            `json:"status,omitempty"`
	LatencyMS  int64             `json:"latency_ms,omitempty"`
	Time       time.Time         `json:"time"`
}

// Sink receives events. Implementations must not block the caller for long
// and swallow their own failures.
type Sink interface {
	Record(ev Event)
}

type NoopSink struct{}

func (NoopSink) Record(Event) {}

// MultiSink fans an event out to every non-nil sink in order.
type MultiSink struct {
	list []Sink
}

func NewMultiSink(list ...Sink) *MultiSink {
	return &MultiSink{list: list}
}

func (m *MultiSink) Record(ev Event) {
	for _, s := range m.list {
		if s != nil {
			s.Record(ev)
		}
	}
}
