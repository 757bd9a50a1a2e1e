// Package elevenlabs streams text to the ElevenLabs stream-input websocket
// and returns synthesized audio.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/outcall/pkg/audio"
	"github.com/harunnryd/outcall/pkg/configutil"
	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/logging"
	"github.com/harunnryd/outcall/pkg/resilience"
)

const DefaultBaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"

type Config struct {
	APIKey          string        `mapstructure:"api_key"`
	VoiceID         string        `mapstructure:"voice_id"`
	ModelID         string        `mapstructure:"model_id"`
	OutputFormat    string        `mapstructure:"output_format"`
	BaseURL         string        `mapstructure:"base_url"`
	Stability       float64       `mapstructure:"stability"`
	SimilarityBoost float64       `mapstructure:"similarity_boost"`
	KeepAlive       time.Duration `mapstructure:"keep_alive"`
}

// Settings keys under vendors.speech.settings.tts.
var SettingsSchema = configutil.Schema{
	Optional: []string{"api_key", "voice_id", "model_id", "output_format", "base_url", "stability", "similarity_boost", "keep_alive"},
}

func (c Config) withDefaults() Config {
	if c.OutputFormat == "" {
		c.OutputFormat = "ulaw_8000"
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Stability <= 0 {
		c.Stability = 0.35
	}
	if c.SimilarityBoost <= 0 {
		c.SimilarityBoost = 0.55
	}
	c.KeepAlive = configutil.DurationValue(c.KeepAlive, 15*time.Second)
	return c
}

// Format is the encoding of the audio chunks this config produces.
func (c Config) Format() audio.Format {
	f, err := audio.ParseFormat(c.withDefaults().OutputFormat)
	if err != nil {
		return audio.FormatMuLaw
	}
	return f
}

// Callbacks receive synthesis output in arrival order from the read loop.
type Callbacks struct {
	OnAudio func(chunk []byte)
	// OnDone fires when the provider finished one flushed request.
	OnDone    func()
	OnFailure func(error)
}

type Synthesizer struct {
	cfg     Config
	callID  string
	cb      Callbacks
	conn    *websocket.Conn
	writeCh chan message
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	logger  *slog.Logger
}

type message struct {
	text  string
	flush bool
}

func New(cfg Config, callID string, cb Callbacks, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{
		cfg:     cfg.withDefaults(),
		callID:  callID,
		cb:      cb,
		writeCh: make(chan message, 64),
		logger:  logging.NewCallLogger(logger, "elevenlabs_tts", callID),
	}
}

func (s *Synthesizer) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errorsx.Wrap(errors.New("missing elevenlabs api key or voice id"), errorsx.ReasonSpeechAuth)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(s.ctx, s.buildURL(), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusTooManyRequests:
				s.logger.Error("elevenlabs_rate_limited", slog.String("status", resp.Status))
				return errorsx.Wrap(resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}, errorsx.ReasonSpeechConnect)
			case http.StatusUnauthorized, http.StatusForbidden:
				return errorsx.Wrap(errors.New("elevenlabs rejected credentials: "+resp.Status), errorsx.ReasonSpeechAuth)
			}
		}
		s.logger.Error("elevenlabs_connect_failed", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSpeechConnect)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("elevenlabs_connected", slog.String("output_format", s.cfg.OutputFormat))

	if err := s.send(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        s.cfg.Stability,
			"similarity_boost": s.cfg.SimilarityBoost,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	}); err != nil {
		_ = conn.Close()
		return errorsx.Wrap(err, errorsx.ReasonSpeechConnect)
	}
	go s.readLoop()
	go s.writeLoop()
	return nil
}

// Speak queues text and flushes it so the provider generates right away.
func (s *Synthesizer) Speak(text string) error {
	if !s.connected() {
		return errors.New("elevenlabs not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty synthesis text")
	}
	select {
	case s.writeCh <- message{text: text + " ", flush: true}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return errors.New("elevenlabs write queue full")
	}
}

// Flush asks the provider to finish what it has buffered.
func (s *Synthesizer) Flush() {
	if !s.connected() {
		return
	}
	select {
	case s.writeCh <- message{text: " ", flush: true}:
	default:
	}
}

func (s *Synthesizer) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Synthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.logger.Info("elevenlabs_closed")
	return conn.Close()
}

func (s *Synthesizer) buildURL() string {
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return strings.TrimSuffix(s.cfg.BaseURL, "/") + "/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input?" + q.Encode()
}

func (s *Synthesizer) writeLoop() {
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			payload := map[string]any{"text": msg.text}
			if msg.flush {
				payload["flush"] = true
			}
			if err := s.send(payload); err != nil {
				s.fail(err)
				return
			}
		case <-ticker.C:
			_ = s.send(map[string]any{"text": " "})
		}
	}
}

func (s *Synthesizer) readLoop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("elevenlabs_read_failed", slog.String("error", err.Error()))
				s.fail(err)
			}
			return
		}
		s.handleMessage(data)
	}
}

type inbound struct {
	Audio       *string `json:"audio"`
	AudioBase64 *string `json:"audio_base_64"`
	IsFinal     *bool   `json:"isFinal"`
	Message     string  `json:"message"`
	Error       string  `json:"error"`
}

func (s *Synthesizer) handleMessage(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("elevenlabs_message_parse_failed", slog.String("error", err.Error()))
		return
	}
	if msg.Error != "" {
		s.fail(errors.New("elevenlabs: " + msg.Error + " " + msg.Message))
		return
	}
	encoded := ""
	if msg.Audio != nil {
		encoded = *msg.Audio
	} else if msg.AudioBase64 != nil {
		encoded = *msg.AudioBase64
	}
	if encoded != "" {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.logger.Warn("elevenlabs_audio_decode_failed", slog.String("error", err.Error()))
		} else if len(raw) > 0 && s.cb.OnAudio != nil {
			s.cb.OnAudio(raw)
		}
	}
	if msg.IsFinal != nil && *msg.IsFinal && s.cb.OnDone != nil {
		s.cb.OnDone()
	}
}

func (s *Synthesizer) fail(err error) {
	if s.cb.OnFailure != nil {
		s.cb.OnFailure(errorsx.Wrap(err, errorsx.ReasonSpeechConnect))
	}
}

func (s *Synthesizer) send(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("elevenlabs not connected")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}
