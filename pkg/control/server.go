// Package control exposes the HTTP API that asks for outbound calls.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/outcall/pkg/events"
	"github.com/harunnryd/outcall/pkg/frames"
	"github.com/harunnryd/outcall/pkg/logging"
	"github.com/harunnryd/outcall/pkg/redact"
	"github.com/harunnryd/outcall/pkg/transports"
)

type Config struct {
	Token       string        `mapstructure:"token"`
	Path        string        `mapstructure:"path"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type StartCallRequest struct {
	FirstName   string `json:"first_name"`
	PhoneNumber string `json:"phone_number"`
	RowID       string `json:"row_id"`
}

type StartCallResponse struct {
	Status  string `json:"status"`
	CallID  string `json:"call_id"`
	CallSID string `json:"call_sid"`
}

type Server struct {
	cfg    Config
	dialer transports.OutboundDialer
	sink   events.Sink
	logger *slog.Logger
}

func New(cfg Config, dialer transports.OutboundDialer, sink events.Sink, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/start-call"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if sink == nil {
		sink = events.NoopSink{}
	}
	return &Server{
		cfg:    cfg,
		dialer: dialer,
		sink:   sink,
		logger: logging.NewComponentLogger(logger, "control_api"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleStartCall)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	var req StartCallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.PhoneNumber == "" {
		http.Error(w, "Missing phone_number", http.StatusBadRequest)
		return
	}
	if s.dialer == nil {
		s.logger.Error("start_call_failed", slog.String("error", "no dialer configured"))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.DialTimeout)
	defer cancel()
	callID, err := s.dialer.Dial(ctx, transports.DialRequest{
		To: req.PhoneNumber,
		Params: map[string]string{
			frames.MetaFirstName: req.FirstName,
			frames.MetaRowID:     req.RowID,
		},
	})
	if err != nil {
		s.logger.Error("start_call_failed",
			slog.String("to", redact.Phone(req.PhoneNumber)),
			slog.String("row_id", req.RowID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if callID == "" {
		s.logger.Error("start_call_failed", slog.String("error", "empty call id"))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("call_queued", slog.String("call_id", callID), slog.String("row_id", req.RowID))
	s.sink.Record(events.Event{Type: events.TypeStatus, CallID: callID, RowID: req.RowID, Status: "queued", Time: time.Now()})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(StartCallResponse{Status: "queued", CallID: callID, CallSID: callID})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return false
	}
	want := "Bearer " + s.cfg.Token
	got := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
