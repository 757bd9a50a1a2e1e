// Package split pairs a streaming recognizer and a streaming synthesizer
// from different vendors into one speech session.
package split

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/outcall/pkg/audio"
	"github.com/harunnryd/outcall/pkg/configutil"
	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/logging"
	"github.com/harunnryd/outcall/pkg/providers/deepgram"
	"github.com/harunnryd/outcall/pkg/providers/elevenlabs"
	"github.com/harunnryd/outcall/pkg/speech"
)

type Recognizer interface {
	Start(ctx context.Context) error
	SendAudio(samples []byte) error
	Close() error
}

type Synthesizer interface {
	Start(ctx context.Context) error
	Speak(text string) error
	Close() error
}

type RecognizerFactory func(callID string, onText deepgram.TranscriptFunc, onFailure func(error)) Recognizer
type SynthesizerFactory func(callID string, cb elevenlabs.Callbacks) Synthesizer

type Config struct {
	STT deepgram.Config   `mapstructure:"stt"`
	TTS elevenlabs.Config `mapstructure:"tts"`
}

// ConfigFromSettings decodes vendors.speech.settings with stt and tts blocks.
func ConfigFromSettings(settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.ValidateSettings("vendors.speech.settings", settings, configutil.Schema{Optional: []string{"stt", "tts"}}); err != nil {
		return cfg, err
	}
	if stt, ok := settings["stt"].(map[string]any); ok {
		if err := configutil.ValidateSettings("vendors.speech.settings.stt", stt, deepgram.SettingsSchema); err != nil {
			return cfg, err
		}
	}
	if tts, ok := settings["tts"].(map[string]any); ok {
		if err := configutil.ValidateSettings("vendors.speech.settings.tts", tts, elevenlabs.SettingsSchema); err != nil {
			return cfg, err
		}
	}
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type Adapter struct {
	in          audio.Codec
	out         audio.Codec
	recognizers RecognizerFactory
	synths      SynthesizerFactory
	pool        *speech.Pool
	logger      *slog.Logger
}

// New wires Deepgram recognition and ElevenLabs synthesis.
func New(cfg Config, logger *slog.Logger) *Adapter {
	return NewWithFactories(cfg.STT.Format(), cfg.TTS.Format(),
		func(callID string, onText deepgram.TranscriptFunc, onFailure func(error)) Recognizer {
			return deepgram.New(cfg.STT, callID, onText, onFailure, logger)
		},
		func(callID string, cb elevenlabs.Callbacks) Synthesizer {
			return elevenlabs.New(cfg.TTS, callID, cb, logger)
		},
		logger)
}

func NewWithFactories(in, out audio.Format, recognizers RecognizerFactory, synths SynthesizerFactory, logger *slog.Logger) *Adapter {
	return &Adapter{
		in:          audio.NewCodec(in),
		out:         audio.NewCodec(out),
		recognizers: recognizers,
		synths:      synths,
		pool:        speech.NewPool(),
		logger:      logging.NewComponentLogger(logger, "split_speech"),
	}
}

func (a *Adapter) Name() string               { return "split" }
func (a *Adapter) InputFormat() audio.Format  { return a.in.Format }
func (a *Adapter) OutputFormat() audio.Format { return a.out.Format }

func (a *Adapter) Open(ctx context.Context, callID string, sink speech.Sink) (speech.Session, error) {
	return a.pool.Open(callID, func() (speech.Session, error) {
		return a.open(ctx, callID, sink)
	})
}

func (a *Adapter) open(ctx context.Context, callID string, sink speech.Sink) (speech.Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &session{
		callID:  callID,
		adapter: a,
		ctx:     ctx,
		sink:    sink,
		logger:  a.logger.With("call_id", callID),
	}
	s.rec = a.recognizers(callID, s.onText, s.onRecognizerFailure)
	if err := s.rec.Start(ctx); err != nil {
		_ = s.rec.Close()
		return nil, classify(err)
	}
	if _, err := s.synthesizer(); err != nil {
		_ = s.rec.Close()
		return nil, err
	}
	s.ready.Store(true)
	return s, nil
}

func classify(err error) error {
	if errorsx.HasReason(err, errorsx.ReasonSpeechAuth) {
		return errorsx.Wrap(fmt.Errorf("%w: %w", speech.ErrProviderAuth, err), errorsx.ReasonSpeechAuth)
	}
	return errorsx.Wrap(fmt.Errorf("%w: %w", speech.ErrConnection, err), errorsx.ReasonSpeechConnect)
}

type session struct {
	callID  string
	adapter *Adapter
	ctx     context.Context
	sink    speech.Sink
	logger  *slog.Logger
	rec     Recognizer

	mu     sync.Mutex
	synth  Synthesizer
	gen    speech.Generation
	ready  atomic.Bool
	closed atomic.Bool
}

func (s *session) CallID() string { return s.callID }

func (s *session) Ready() bool { return s.ready.Load() && !s.closed.Load() }

func (s *session) PushAudio(pcm []byte) bool {
	if !s.Ready() {
		return false
	}
	samples, err := s.adapter.in.EncodeBytes(pcm)
	if err != nil {
		return false
	}
	return s.rec.SendAudio(samples) == nil
}

// Commit is accepted without a provider message; the recognizer's own
// endpointing closes utterances.
func (s *session) Commit() bool {
	return s.Ready()
}

func (s *session) RequestSynthesis(text string) (uint64, bool) {
	if !s.Ready() {
		return 0, false
	}
	synth, err := s.synthesizer()
	if err != nil {
		s.logger.Warn("synthesizer_unavailable", "error", err)
		return 0, false
	}
	gen := s.gen.Start()
	if err := synth.Speak(text); err != nil {
		s.logger.Warn("synthesis_request_failed", "error", err)
		s.gen.Cancel()
		return gen, false
	}
	return gen, true
}

// CancelSynthesis drops the synthesizer connection so nothing of the
// cancelled reply can arrive later; the next request dials a fresh one.
func (s *session) CancelSynthesis() {
	s.gen.Cancel()
	s.mu.Lock()
	old := s.synth
	s.synth = nil
	s.mu.Unlock()
	if old != nil {
		go func() { _ = old.Close() }()
	}
}

func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.ready.Store(false)
	s.adapter.pool.Forget(s.callID, s)
	s.mu.Lock()
	synth := s.synth
	s.synth = nil
	s.mu.Unlock()
	if synth != nil {
		_ = synth.Close()
	}
	err := s.rec.Close()
	s.emit(speech.Event{Kind: speech.EventClosed})
	return err
}

func (s *session) synthesizer() (Synthesizer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.synth != nil {
		return s.synth, nil
	}
	var inst Synthesizer
	inst = s.adapter.synths(s.callID, elevenlabs.Callbacks{
		OnAudio:   func(chunk []byte) { s.onAudio(inst, chunk) },
		OnDone:    func() { s.onDone(inst) },
		OnFailure: func(err error) { s.onSynthFailure(inst, err) },
	})
	if err := inst.Start(s.ctx); err != nil {
		_ = inst.Close()
		return nil, classify(err)
	}
	s.synth = inst
	return inst, nil
}

func (s *session) current(inst Synthesizer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synth == inst
}

func (s *session) onText(text string, final bool) {
	kind := speech.EventPartial
	if final {
		kind = speech.EventFinal
	}
	s.emit(speech.Event{Kind: kind, Text: text})
}

func (s *session) onAudio(inst Synthesizer, chunk []byte) {
	if !s.current(inst) {
		return
	}
	gen, active := s.gen.Current()
	if !active {
		return
	}
	s.emit(speech.Event{Kind: speech.EventAudio, Chunk: chunk, Generation: gen})
}

func (s *session) onDone(inst Synthesizer) {
	if !s.current(inst) {
		return
	}
	gen, active := s.gen.Current()
	if !active {
		return
	}
	s.gen.Finish()
	s.emit(speech.Event{Kind: speech.EventSynthesisDone, Generation: gen})
}

func (s *session) onSynthFailure(inst Synthesizer, err error) {
	s.mu.Lock()
	if s.synth == inst {
		s.synth = nil
	}
	s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	s.emit(speech.Event{Kind: speech.EventError, Err: errorsx.Wrap(err, errorsx.ReasonSpeechProvider)})
}

func (s *session) onRecognizerFailure(err error) {
	if s.closed.Load() {
		return
	}
	s.ready.Store(false)
	s.adapter.pool.Forget(s.callID, s)
	s.emit(speech.Event{Kind: speech.EventClosed, Err: classify(err)})
}

func (s *session) emit(ev speech.Event) {
	if s.sink == nil {
		return
	}
	ev.CallID = s.callID
	ev.At = time.Now()
	s.sink(ev)
}

var _ speech.Adapter = (*Adapter)(nil)
