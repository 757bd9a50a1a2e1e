package session

import (
	"sync"
	"time"

	"github.com/harunnryd/outcall/pkg/conversation"
)

// Meta is the call metadata known when the session is created.
type Meta struct {
	FirstName   string
	RowID       string
	PhoneNumber string
	StreamID    string
	TraceID     string
}

// Vars returns the metadata as template variables.
func (m Meta) Vars() map[string]string {
	return map[string]string{
		conversation.VarFirstName: m.FirstName,
		"row_id":                  m.RowID,
		"phone_number":            m.PhoneNumber,
	}
}

// CallSession is the mutable record of one live call. Structural ownership
// belongs to the Manager; field mutation belongs to the call's orchestrator.
type CallSession struct {
	CallID  string
	Created time.Time

	mu           sync.RWMutex
	meta         Meta
	state        conversation.State
	transcripts  []string
	facts        conversation.Facts
	speaking     bool
	pending      [][]byte
	pendingCap   int
	lastActivity time.Time
	machine      bool
	degraded     bool

	releaseMu   sync.Mutex
	release     func()
	releaseOnce sync.Once
}

func newCallSession(callID string, meta Meta, pendingCap int, now time.Time) *CallSession {
	return &CallSession{
		CallID:       callID,
		Created:      now,
		meta:         meta,
		state:        conversation.InitialState,
		facts:        conversation.Facts{},
		pendingCap:   pendingCap,
		lastActivity: now,
	}
}

func (s *CallSession) Meta() Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// UpdateMeta fills empty metadata fields from m (the media stream may carry
// details the dialer did not know).
func (s *CallSession) UpdateMeta(m Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.FirstName == "" {
		s.meta.FirstName = m.FirstName
	}
	if s.meta.RowID == "" {
		s.meta.RowID = m.RowID
	}
	if s.meta.PhoneNumber == "" {
		s.meta.PhoneNumber = m.PhoneNumber
	}
	if m.StreamID != "" {
		s.meta.StreamID = m.StreamID
	}
	if s.meta.TraceID == "" {
		s.meta.TraceID = m.TraceID
	}
}

func (s *CallSession) State() conversation.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ApplyTurn records the outcome of a conversation transition. It is the only
// way the state changes.
func (s *CallSession) ApplyTurn(turn conversation.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = turn.To
	for k, v := range turn.Facts {
		s.facts[k] = v
	}
}

// Facts returns a copy of the extracted facts.
func (s *CallSession) Facts() conversation.Facts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.facts.Clone()
}

// AppendTranscript adds a final transcript unless it repeats the previous
// entry. It reports whether the entry was added.
func (s *CallSession) AppendTranscript(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.transcripts); n > 0 && s.transcripts[n-1] == text {
		return false
	}
	s.transcripts = append(s.transcripts, text)
	return true
}

// LastTranscript returns the most recent final transcript.
func (s *CallSession) LastTranscript() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.transcripts) == 0 {
		return ""
	}
	return s.transcripts[len(s.transcripts)-1]
}

// Transcripts returns a copy of the transcript log.
func (s *CallSession) Transcripts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.transcripts...)
}

func (s *CallSession) Speaking() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speaking
}

// SetSpeaking sets the playback flag and returns the previous value.
func (s *CallSession) SetSpeaking(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.speaking
	s.speaking = v
	return prev
}

// PushPending buffers a frame that the speech provider did not accept. It
// reports whether the buffer reached capacity.
func (s *CallSession) PushPending(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingCap > 0 && len(s.pending) >= s.pendingCap {
		// Full already; the oldest frame gives way so memory stays bounded.
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, frame)
	return s.pendingCap > 0 && len(s.pending) >= s.pendingCap
}

// DrainPending removes and returns the buffered frames in arrival order.
func (s *CallSession) DrainPending() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// RequeuePending puts frames back in front of the buffer, keeping order.
func (s *CallSession) RequeuePending(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make([][]byte, 0, len(frames)+len(s.pending))
	merged = append(merged, frames...)
	merged = append(merged, s.pending...)
	if s.pendingCap > 0 && len(merged) > s.pendingCap {
		merged = merged[len(merged)-s.pendingCap:]
	}
	s.pending = merged
}

func (s *CallSession) PendingLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Touch records activity at now.
func (s *CallSession) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *CallSession) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *CallSession) MachineAnswered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machine
}

// MarkMachine flags the call as answered by a machine; it reports whether
// the flag was newly set.
func (s *CallSession) MarkMachine() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine {
		return false
	}
	s.machine = true
	return true
}

func (s *CallSession) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *CallSession) SetDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}

// OnRelease sets the hook run when the session is destroyed, typically
// closing the speech connection.
func (s *CallSession) OnRelease(fn func()) {
	s.releaseMu.Lock()
	s.release = fn
	s.releaseMu.Unlock()
}

func (s *CallSession) runRelease() {
	s.releaseOnce.Do(func() {
		s.releaseMu.Lock()
		fn := s.release
		s.releaseMu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
