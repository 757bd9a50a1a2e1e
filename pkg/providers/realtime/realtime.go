// Package realtime speaks the single-socket realtime speech protocol: one
// websocket per call carries both recognition and synthesis.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/outcall/pkg/audio"
	"github.com/harunnryd/outcall/pkg/configutil"
	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/logging"
	"github.com/harunnryd/outcall/pkg/resilience"
	"github.com/harunnryd/outcall/pkg/speech"
)

const (
	DefaultURL   = "wss://api.elevenlabs.io/realtime"
	DefaultModel = "eleven_monolingual_v1"
)

// Protocol message types.
const (
	msgAppend       = "input_audio_buffer.append"
	msgCommit       = "input_audio_buffer.commit"
	msgRecognize    = "stt.recognize"
	msgSynthesize   = "synthesis.start"
	msgCancel       = "synthesis.cancel"
	msgPartial      = "stt.partial"
	msgPartialAlt   = "transcript.partial"
	msgFinal        = "stt.final"
	msgFinalAlt     = "transcript.final"
	msgAudioDelta   = "output_audio_buffer.delta"
	msgAudioDone    = "output_audio_buffer.done"
	msgSynthDone    = "synthesis.done"
	msgProviderFail = "error"
)

type Config struct {
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	InputFormat  string        `mapstructure:"input_format"`
	OutputFormat string        `mapstructure:"output_format"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

var settingsSchema = configutil.Schema{
	Optional: []string{"url", "api_key", "model", "input_format", "output_format", "dial_timeout", "write_timeout"},
}

// ConfigFromSettings decodes the vendors.speech.settings block.
func ConfigFromSettings(settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.ValidateSettings("vendors.speech.settings", settings, settingsSchema); err != nil {
		return cfg, err
	}
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type Adapter struct {
	cfg    Config
	in     audio.Codec
	out    audio.Codec
	pool   *speech.Pool
	dialer websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cfg.DialTimeout = configutil.DurationValue(cfg.DialTimeout, 10*time.Second)
	cfg.WriteTimeout = configutil.DurationValue(cfg.WriteTimeout, 5*time.Second)
	if cfg.InputFormat == "" {
		cfg.InputFormat = string(audio.FormatPCM16)
	}
	in, err := audio.ParseFormat(cfg.InputFormat)
	if err != nil {
		return nil, err
	}
	out, err := audio.ParseFormat(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		in:     audio.NewCodec(in),
		out:    audio.NewCodec(out),
		pool:   speech.NewPool(),
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.DialTimeout},
		logger: logging.NewComponentLogger(logger, "realtime_speech"),
	}, nil
}

func (a *Adapter) Name() string               { return "realtime" }
func (a *Adapter) InputFormat() audio.Format  { return a.in.Format }
func (a *Adapter) OutputFormat() audio.Format { return a.out.Format }

func (a *Adapter) Open(ctx context.Context, callID string, sink speech.Sink) (speech.Session, error) {
	if a.cfg.APIKey == "" {
		return nil, errorsx.Wrap(fmt.Errorf("%w: api key missing", speech.ErrProviderAuth), errorsx.ReasonSpeechAuth)
	}
	return a.pool.Open(callID, func() (speech.Session, error) {
		return a.dial(ctx, callID, sink)
	})
}

func (a *Adapter) dial(ctx context.Context, callID string, sink speech.Sink) (speech.Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("%w: %v", speech.ErrConnection, err), errorsx.ReasonSpeechConnect)
	}
	q := u.Query()
	q.Set("model", a.cfg.Model)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := a.dialer.DialContext(dialCtx, u.String(), http.Header{
		"Authorization": []string{"Bearer " + a.cfg.APIKey},
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		a.logger.Error("speech_dial_failed", "call_id", callID, "status", status, "error", err)
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, errorsx.Wrap(fmt.Errorf("%w: handshake status %d", speech.ErrProviderAuth, status), errorsx.ReasonSpeechAuth)
		case http.StatusTooManyRequests:
			rl := resilience.RateLimitError{Provider: "realtime", Message: resp.Status}
			return nil, errorsx.Wrap(fmt.Errorf("%w: %w", speech.ErrConnection, rl), errorsx.ReasonSpeechConnect)
		}
		return nil, errorsx.Wrap(fmt.Errorf("%w: %v", speech.ErrConnection, err), errorsx.ReasonSpeechConnect)
	}

	s := &session{
		callID:  callID,
		adapter: a,
		conn:    conn,
		sink:    sink,
		logger:  a.logger.With("call_id", callID),
		done:    make(chan struct{}),
	}
	s.ready.Store(true)
	a.logger.Info("speech_connected", "call_id", callID, "model", a.cfg.Model)
	go s.readLoop()
	return s, nil
}

type session struct {
	callID  string
	adapter *Adapter
	conn    *websocket.Conn
	sink    speech.Sink
	logger  *slog.Logger

	writeMu sync.Mutex
	gen     speech.Generation
	ready   atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

type outbound struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
	Text  string `json:"text,omitempty"`
}

type inbound struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Partial string `json:"partial"`
	Final   string `json:"final"`
	Audio   string `json:"audio"`
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *session) CallID() string { return s.callID }

func (s *session) Ready() bool { return s.ready.Load() && !s.closed.Load() }

func (s *session) PushAudio(pcm []byte) bool {
	if !s.Ready() {
		return false
	}
	payload, err := s.adapter.in.Encode(pcm)
	if err != nil {
		s.logger.Debug("speech_audio_encode_failed", "error", err)
		return false
	}
	return s.send(outbound{Type: msgAppend, Audio: payload}) == nil
}

func (s *session) Commit() bool {
	if !s.Ready() {
		return false
	}
	if err := s.send(outbound{Type: msgCommit}); err != nil {
		return false
	}
	return s.send(outbound{Type: msgRecognize}) == nil
}

func (s *session) RequestSynthesis(text string) (uint64, bool) {
	if !s.Ready() {
		return 0, false
	}
	gen := s.gen.Start()
	if err := s.send(outbound{Type: msgSynthesize, Text: text}); err != nil {
		s.gen.Cancel()
		return gen, false
	}
	return gen, true
}

func (s *session) CancelSynthesis() {
	s.gen.Cancel()
	if s.closed.Load() {
		return
	}
	if err := s.send(outbound{Type: msgCancel}); err != nil {
		s.logger.Debug("speech_cancel_send_failed", "error", err)
	}
}

func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.ready.Store(false)
	s.adapter.pool.Forget(s.callID, s)
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	err := s.conn.Close()
	<-s.done
	s.logger.Info("speech_closed")
	return err
}

func (s *session) send(msg outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.adapter.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.logger.Warn("speech_send_failed", "type", msg.Type, "error", err)
		return errorsx.Wrap(err, errorsx.ReasonSpeechSend)
	}
	return nil
}

func (s *session) emit(ev speech.Event) {
	if s.sink == nil {
		return
	}
	ev.CallID = s.callID
	ev.At = time.Now()
	s.sink(ev)
}

func (s *session) readLoop() {
	defer close(s.done)
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			s.ready.Store(false)
			if s.closed.Load() {
				s.emit(speech.Event{Kind: speech.EventClosed})
				return
			}
			s.adapter.pool.Forget(s.callID, s)
			s.logger.Warn("speech_connection_lost", "error", err)
			s.emit(speech.Event{
				Kind: speech.EventClosed,
				Err:  errorsx.Wrap(fmt.Errorf("%w: %v", speech.ErrConnection, err), errorsx.ReasonSpeechConnect),
			})
			return
		}
		if kind == websocket.BinaryMessage {
			s.audio(data)
			continue
		}
		s.handle(data)
	}
}

func (s *session) audio(chunk any) {
	gen, active := s.gen.Current()
	if !active {
		s.logger.Debug("speech_audio_dropped", "reason", "no_active_synthesis")
		return
	}
	s.emit(speech.Event{Kind: speech.EventAudio, Chunk: chunk, Generation: gen})
}

func (s *session) handle(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("speech_message_parse_failed", "error", err)
		return
	}
	switch msg.Type {
	case msgPartial, msgPartialAlt:
		s.emit(speech.Event{Kind: speech.EventPartial, Text: firstNonEmpty(msg.Text, msg.Partial)})
	case msgFinal, msgFinalAlt:
		s.emit(speech.Event{Kind: speech.EventFinal, Text: firstNonEmpty(msg.Text, msg.Final)})
	case msgAudioDelta:
		if msg.Audio == "" {
			return
		}
		if _, err := base64.StdEncoding.DecodeString(msg.Audio); err != nil {
			s.logger.Debug("speech_audio_delta_invalid", "error", err)
			return
		}
		s.audio(msg.Audio)
	case msgAudioDone, msgSynthDone:
		gen, active := s.gen.Current()
		if !active {
			return
		}
		s.gen.Finish()
		s.emit(speech.Event{Kind: speech.EventSynthesisDone, Generation: gen})
	case msgProviderFail:
		text := msg.Message
		if msg.Error != nil && msg.Error.Message != "" {
			text = msg.Error.Message
		}
		s.emit(speech.Event{
			Kind: speech.EventError,
			Err:  errorsx.Wrap(errors.New("provider error: "+text), errorsx.ReasonSpeechProvider),
		})
	default:
		s.logger.Debug("speech_message_ignored", "type", msg.Type)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ speech.Adapter = (*Adapter)(nil)
