// Package mock provides in-memory providers for tests and offline runs.
package mock

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/harunnryd/outcall/pkg/audio"
	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/speech"
)

type SpeechConfig struct {
	// OpenErr is returned by the first FailOpens calls to Open (all calls
	// when FailOpens is zero).
	OpenErr   error
	FailOpens int
	// Transcripts are emitted as finals, one per Commit, in order.
	Transcripts []string
	// AutoSynthesize emits ChunksPerReply chunks and a done event for each
	// accepted synthesis request.
	AutoSynthesize  bool
	ChunksPerReply  int
	ChunkBytes      int
	RejectAudio     bool
	RejectSynthesis bool
}

type SpeechAdapter struct {
	cfg  SpeechConfig
	pool *speech.Pool

	mu       sync.Mutex
	opens    int
	sessions map[string]*SpeechSession
}

func NewSpeechAdapter(cfg SpeechConfig) *SpeechAdapter {
	if cfg.ChunksPerReply <= 0 {
		cfg.ChunksPerReply = 3
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 160
	}
	return &SpeechAdapter{cfg: cfg, pool: speech.NewPool(), sessions: make(map[string]*SpeechSession)}
}

func (a *SpeechAdapter) Name() string               { return "mock" }
func (a *SpeechAdapter) InputFormat() audio.Format  { return audio.FormatPCM16 }
func (a *SpeechAdapter) OutputFormat() audio.Format { return audio.FormatMuLaw }

func (a *SpeechAdapter) Open(ctx context.Context, callID string, sink speech.Sink) (speech.Session, error) {
	return a.pool.Open(callID, func() (speech.Session, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.opens++
		if a.cfg.OpenErr != nil && (a.cfg.FailOpens == 0 || a.opens <= a.cfg.FailOpens) {
			return nil, a.cfg.OpenErr
		}
		s := &SpeechSession{adapter: a, callID: callID, sink: sink}
		a.sessions[callID] = s
		return s, nil
	})
}

// Opens counts Open attempts that reached the dial step.
func (a *SpeechAdapter) Opens() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}

// Session returns the most recent session opened for callID.
func (a *SpeechAdapter) Session(callID string) *SpeechSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[callID]
}

type SpeechSession struct {
	adapter *SpeechAdapter
	callID  string
	sink    speech.Sink
	gen     speech.Generation

	mu         sync.Mutex
	audio      [][]byte
	commits    int
	requests   []string
	cancels    int
	closed     bool
	transcript int
}

func (s *SpeechSession) CallID() string { return s.callID }

func (s *SpeechSession) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *SpeechSession) PushAudio(pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.adapter.cfg.RejectAudio {
		return false
	}
	s.audio = append(s.audio, append([]byte(nil), pcm...))
	return true
}

func (s *SpeechSession) Commit() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.commits++
	var final string
	if s.transcript < len(s.adapter.cfg.Transcripts) {
		final = s.adapter.cfg.Transcripts[s.transcript]
		s.transcript++
	}
	s.mu.Unlock()
	if final != "" {
		go s.EmitFinal(final)
	}
	return true
}

func (s *SpeechSession) RequestSynthesis(text string) (uint64, bool) {
	s.mu.Lock()
	if s.closed || s.adapter.cfg.RejectSynthesis {
		s.mu.Unlock()
		return 0, false
	}
	s.requests = append(s.requests, text)
	s.mu.Unlock()
	gen := s.gen.Start()
	if s.adapter.cfg.AutoSynthesize {
		go func() {
			for i := 0; i < s.adapter.cfg.ChunksPerReply; i++ {
				s.EmitAudio(base64.StdEncoding.EncodeToString(make([]byte, s.adapter.cfg.ChunkBytes)))
				time.Sleep(time.Millisecond)
			}
			s.EmitDone()
		}()
	}
	return gen, true
}

func (s *SpeechSession) CancelSynthesis() {
	s.gen.Cancel()
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
}

func (s *SpeechSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.adapter.pool.Forget(s.callID, s)
	s.emit(speech.Event{Kind: speech.EventClosed})
	return nil
}

// EmitPartial delivers a partial transcript.
func (s *SpeechSession) EmitPartial(text string) {
	s.emit(speech.Event{Kind: speech.EventPartial, Text: text})
}

// EmitFinal delivers a final transcript.
func (s *SpeechSession) EmitFinal(text string) {
	s.emit(speech.Event{Kind: speech.EventFinal, Text: text})
}

// EmitAudio delivers a synthesized chunk stamped like a real provider: only
// while a reply is in flight.
func (s *SpeechSession) EmitAudio(chunk any) bool {
	gen, active := s.gen.Current()
	if !active {
		return false
	}
	s.emit(speech.Event{Kind: speech.EventAudio, Chunk: chunk, Generation: gen})
	return true
}

// EmitStaleAudio delivers a chunk carrying an explicit generation,
// bypassing the in-flight check.
func (s *SpeechSession) EmitStaleAudio(chunk any, generation uint64) {
	s.emit(speech.Event{Kind: speech.EventAudio, Chunk: chunk, Generation: generation})
}

// EmitDone ends the in-flight reply.
func (s *SpeechSession) EmitDone() {
	gen, active := s.gen.Current()
	if !active {
		return
	}
	s.gen.Finish()
	s.emit(speech.Event{Kind: speech.EventSynthesisDone, Generation: gen})
}

// Drop simulates the provider connection going away.
func (s *SpeechSession) Drop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.adapter.pool.Forget(s.callID, s)
	err := errorsx.Wrap(fmt.Errorf("%w: connection reset", speech.ErrConnection), errorsx.ReasonSpeechConnect)
	s.emit(speech.Event{Kind: speech.EventClosed, Err: err})
}

func (s *SpeechSession) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

func (s *SpeechSession) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *SpeechSession) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *SpeechSession) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

func (s *SpeechSession) Generation() uint64 {
	gen, _ := s.gen.Current()
	return gen
}

func (s *SpeechSession) emit(ev speech.Event) {
	if s.sink == nil {
		return
	}
	ev.CallID = s.callID
	ev.At = time.Now()
	s.sink(ev)
}

var _ speech.Adapter = (*SpeechAdapter)(nil)
