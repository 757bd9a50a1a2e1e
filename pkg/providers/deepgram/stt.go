// Package deepgram streams caller audio to Deepgram live transcription.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/outcall/pkg/audio"
	"github.com/harunnryd/outcall/pkg/configutil"
	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/logging"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        bool   `mapstructure:"interim"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	Endpointing    int    `mapstructure:"endpointing_ms"`
}

// Settings keys under vendors.speech.settings.stt.
var SettingsSchema = configutil.Schema{
	Optional: []string{"api_key", "model", "language", "sample_rate", "encoding", "interim", "vad_events", "utterance_end_ms", "endpointing_ms"},
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "it"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	return c
}

// Format is the sample encoding Deepgram expects for this config.
func (c Config) Format() audio.Format {
	if strings.EqualFold(c.withDefaults().Encoding, "linear16") {
		return audio.FormatPCM16
	}
	return audio.FormatMuLaw
}

// TranscriptFunc receives recognized text in provider order.
type TranscriptFunc func(text string, final bool)

// Recognizer is one live transcription stream.
type Recognizer struct {
	cfg        Config
	callID     string
	onText     TranscriptFunc
	onFailure  func(error)
	dgClient   *client.WSCallback
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	logger     *slog.Logger

	mu         sync.Mutex
	metaLogged bool
	closed     bool
}

func New(cfg Config, callID string, onText TranscriptFunc, onFailure func(error), logger *slog.Logger) *Recognizer {
	return &Recognizer{
		cfg:       cfg.withDefaults(),
		callID:    callID,
		onText:    onText,
		onFailure: onFailure,
		logger:    logging.NewCallLogger(logger, "deepgram_stt", callID),
	}
}

func (s *Recognizer) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return errorsx.Wrap(errors.New("deepgram api key missing"), errorsx.ReasonSpeechAuth)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		Channels:       1,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}
	if s.cfg.Endpointing > 0 {
		transcriptOptions.Endpointing = fmt.Sprintf("%d", s.cfg.Endpointing)
	}

	s.logger.Info("deepgram_connecting",
		slog.String("model", s.cfg.Model),
		slog.String("encoding", s.cfg.Encoding),
		slog.Int("sample_rate", s.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSpeechConnect)
	}
	s.dgClient = dgClient
	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed")
		return errorsx.Wrap(errors.New("deepgram connection failed"), errorsx.ReasonSpeechConnect)
	}
	s.logger.Info("deepgram_connected")

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
			if s.onFailure != nil {
				s.onFailure(errorsx.Wrap(err, errorsx.ReasonSpeechConnect))
			}
		}
	}()
	return nil
}

// SendAudio writes encoded samples to the live stream.
func (s *Recognizer) SendAudio(samples []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if s.pipeWriter == nil || closed {
		return errors.New("deepgram stream not started")
	}
	if _, err := s.pipeWriter.Write(samples); err != nil {
		s.logger.Warn("deepgram_send_failed", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSpeechSend)
	}
	return nil
}

func (s *Recognizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("deepgram_closing")
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

func (s *Recognizer) transcript(text string, isFinal bool) {
	text = strings.TrimSpace(text)
	if text == "" || s.onText == nil {
		return
	}
	s.logger.Debug("transcript_received", slog.Bool("is_final", isFinal), slog.Int("chars", len(text)))
	s.onText(text, isFinal)
}

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	c.parent.transcript(mr.Channel.Alternatives[0].Transcript, mr.IsFinal || mr.SpeechFinal)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.mu.Lock()
	first := !c.parent.metaLogged
	c.parent.metaLogged = true
	c.parent.mu.Unlock()
	if first {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("deepgram_speech_started")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("deepgram_utterance_end", slog.Int("utterance_end_ms", c.parent.cfg.UtteranceEndMS))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	if c.parent.onFailure != nil {
		c.parent.onFailure(errorsx.Wrap(fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg), errorsx.ReasonSpeechProvider))
	}
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("size_bytes", len(byData)))
	return nil
}

var _ msginterfaces.LiveMessageCallback = (*callback)(nil)
