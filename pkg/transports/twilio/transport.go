// Package twilio bridges Twilio Media Streams and call webhooks to frames.
package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/frames"
	"github.com/harunnryd/outcall/pkg/logging"
	"github.com/harunnryd/outcall/pkg/transports"
)

type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame
	dialer   *Dialer
	pts      *frames.PTSGen
	logger   *slog.Logger

	// controlTimeout bounds a Say or Hangup issued from Send.
	controlTimeout time.Duration

	mu          sync.Mutex
	sessions    map[string]*session
	callSIDs    map[string]string
	callStreams map[string]string
	traceIDs    map[string]string
	params      map[string]map[string]string

	// reconnecting marks calls whose stream is being replaced by Say.
	reconnecting map[string]bool

	draining atomic.Bool
	stopOnce sync.Once
}

func New(cfg Config, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:         make(chan frames.Frame, 512),
		dialer:         NewDialer(cfg, logger),
		pts:            frames.NewPTSGen(),
		logger:         logging.NewComponentLogger(logger, "twilio_transport"),
		controlTimeout: 10 * time.Second,
		sessions:       make(map[string]*session),
		callSIDs:       make(map[string]string),
		callStreams:    make(map[string]string),
		traceIDs:       make(map[string]string),
		params:         make(map[string]map[string]string),
		reconnecting:   make(map[string]bool),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.cfg.httpURL(t.cfg.VoicePath),
		"status_callback_url": t.cfg.httpURL(t.cfg.StatusCallbackPath),
		"stream_url":          t.cfg.streamURL(),
	}
}

// Handler returns the webhook and media stream routes.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	return mux
}

// Start serves Handler on ServerAddr, with extra mounted alongside at "/".
func (t *Transport) Start(ctx context.Context) error {
	return t.StartWith(ctx, nil)
}

func (t *Transport) StartWith(ctx context.Context, extra http.Handler) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	routes := t.Handler()
	mux.Handle(t.cfg.VoicePath, routes)
	mux.Handle(t.cfg.WebsocketPath, routes)
	mux.Handle(t.cfg.StatusCallbackPath, routes)
	if extra != nil {
		mux.Handle("/", extra)
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.stopOnce.Do(func() {
		t.draining.Store(true)
		if t.server != nil {
			_ = t.server.Close()
		}
		t.mu.Lock()
		for _, sess := range t.sessions {
			_ = sess.close()
		}
		t.sessions = make(map[string]*session)
		t.mu.Unlock()
		close(t.recvCh)
	})
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			streamID = evt.Start.StreamID
			if streamID == "" {
				streamID = evt.StreamID
			}
			t.onStart(streamID, evt.Start, conn)
		case "media":
			if evt.Media == nil || streamID == "" {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaEncoding] = "mulaw"
			t.emit(frames.NewWireAudioFrame(streamID, t.pts.Next(streamID), evt.Media.Payload, 8000, meta))
		case "mark":
			if evt.Mark == nil || streamID == "" {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaMarkName] = evt.Mark.Name
			t.emit(frames.NewSystemFrame(streamID, t.pts.Next(streamID), frames.SystemPlaybackMark, meta))
		case "stop":
			t.endStream(streamID, "completed")
			return
		}
	}
	if streamID != "" {
		t.endStream(streamID, "failed")
	}
}

// endStream detaches a stream and reports call_end unless the stream was
// already replaced or a Say is about to reconnect the call.
func (t *Transport) endStream(streamID, reason string) {
	meta := t.metaForStream(streamID)
	callSID := meta[frames.MetaCallSID]
	t.mu.Lock()
	reconnecting := t.reconnecting[callSID]
	sess := t.sessions[streamID]
	if reconnecting {
		// Keep the call mapping so the next start reports a reconnect.
		delete(t.sessions, streamID)
	}
	t.mu.Unlock()
	if reconnecting {
		if sess != nil {
			_ = sess.close()
		}
		return
	}
	if !t.detach(streamID, true) {
		return
	}
	meta[frames.MetaCallEndReason] = reason
	t.emit(frames.NewSystemFrame(streamID, t.pts.Next(streamID), frames.SystemCallEnd, meta))
}

func (t *Transport) onStart(streamID string, start *TwilioStart, conn *websocket.Conn) {
	traceID := uuid.NewString()
	oldStream, oldSess := t.attach(streamID, start.CallSID, traceID, start.CustomParameters, conn)
	if oldSess != nil {
		_ = oldSess.close()
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaSource] = "transport"
	for k, v := range start.CustomParameters {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	if oldStream != "" {
		meta[frames.MetaOldStreamID] = oldStream
		t.emit(frames.NewSystemFrame(streamID, t.pts.Next(streamID), frames.SystemCallReconnect, meta))
		return
	}
	t.emit(frames.NewSystemFrame(streamID, t.pts.Next(streamID), frames.SystemCallStart, meta))
}

// Send routes an outbound frame to the call named by frames.MetaCallSID,
// falling back to frames.MetaStreamID.
func (t *Transport) Send(f frames.Frame) error {
	meta := f.Meta()
	callSID := meta[frames.MetaCallSID]
	streamID := t.streamForCall(callSID)
	if streamID == "" {
		streamID = meta[frames.MetaStreamID]
	}
	switch f.Kind() {
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		payload := af.Wire()
		if payload == "" {
			payload = base64.StdEncoding.EncodeToString(af.RawPayload())
		}
		return t.enqueue(streamID, map[string]any{
			"event":     "media",
			"streamSid": streamID,
			"media":     map[string]any{"payload": payload},
		})
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlClear:
			return t.enqueue(streamID, map[string]any{"event": "clear", "streamSid": streamID})
		case frames.ControlMark:
			return t.enqueue(streamID, map[string]any{
				"event":     "mark",
				"streamSid": streamID,
				"mark":      map[string]any{"name": meta[frames.MetaMarkName]},
			})
		case frames.ControlSay:
			go t.control(callSID, func(ctx context.Context) error { return t.Say(ctx, callSID, meta[frames.MetaText]) })
		case frames.ControlHangup:
			go t.control(callSID, func(ctx context.Context) error {
				if text := meta[frames.MetaText]; text != "" {
					return t.dialer.SayAndHangup(ctx, callSID, text)
				}
				return t.Hangup(ctx, callSID)
			})
		}
	}
	return nil
}

func (t *Transport) control(callSID string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.controlTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		t.logger.Warn("call_control_failed", slog.String("call_id", callSID), slog.String("error", err.Error()))
	}
}

func (t *Transport) Dial(ctx context.Context, req transports.DialRequest) (string, error) {
	return t.dialer.Dial(ctx, req)
}

// Say speaks text on a live call and reconnects its media stream.
func (t *Transport) Say(ctx context.Context, callID, text string) error {
	t.mu.Lock()
	params := t.params[callID]
	live := t.callStreams[callID] != ""
	if live {
		t.reconnecting[callID] = true
	}
	t.mu.Unlock()
	err := t.dialer.Say(ctx, callID, text, params)
	if err != nil && live {
		t.mu.Lock()
		delete(t.reconnecting, callID)
		t.mu.Unlock()
	}
	return err
}

func (t *Transport) Hangup(ctx context.Context, callID string) error {
	return t.dialer.Hangup(ctx, callID)
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	params := map[string]string{}
	for _, key := range []string{frames.MetaFirstName, frames.MetaRowID} {
		if v := r.URL.Query().Get(key); v != "" {
			params[key] = v
		}
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(streamTwiml(t.cfg.streamURL(), params, "", t.cfg.Language, t.cfg.Voice)))
}

// handleStatusCallback turns call progress and async answering-machine
// results into system frames. Every callback yields a call_status frame;
// machine answers and terminal statuses add machine_detected and call_end.
func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	if callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	status := strings.ToLower(strings.TrimSpace(r.FormValue("CallStatus")))
	answeredBy := strings.ToLower(strings.TrimSpace(r.FormValue("AnsweredBy")))
	streamID := t.streamForCall(callSID)
	meta := t.metaForStream(streamID)
	meta[frames.MetaCallSID] = callSID
	if status != "" {
		meta[frames.MetaCallStatus] = status
	}
	if answeredBy != "" {
		meta[frames.MetaAnsweredBy] = answeredBy
	}
	now := time.Now().UnixNano()
	t.emit(frames.NewSystemFrame(streamID, now, frames.SystemCallStatus, meta))
	if IsMachine(answeredBy) {
		t.emit(frames.NewSystemFrame(streamID, now, frames.SystemMachineDetected, meta))
	}
	if reason := normalizeCallEndReason(status); reason != "" {
		meta[frames.MetaCallEndReason] = reason
		t.emit(frames.NewSystemFrame(streamID, now, frames.SystemCallEnd, meta))
		if streamID != "" {
			t.detach(streamID, false)
		}
		t.forgetCall(callSID)
	}
	w.WriteHeader(http.StatusOK)
}

// IsMachine reports whether an AnsweredBy value means nobody live answered.
func IsMachine(answeredBy string) bool {
	a := strings.ToLower(answeredBy)
	return strings.HasPrefix(a, "machine") || a == "fax"
}

func (t *Transport) attach(streamID, callSID, traceID string, params map[string]string, conn *websocket.Conn) (string, *session) {
	sess := &session{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	var oldStream string
	var oldSess *session
	t.mu.Lock()
	if callSID != "" {
		if existing := t.callStreams[callSID]; existing != "" && existing != streamID {
			oldStream = existing
			oldSess = t.sessions[existing]
			delete(t.sessions, existing)
			delete(t.callSIDs, existing)
			delete(t.traceIDs, existing)
		}
		t.callStreams[callSID] = streamID
		delete(t.reconnecting, callSID)
		if len(params) > 0 {
			t.params[callSID] = params
		}
	}
	t.sessions[streamID] = sess
	t.callSIDs[streamID] = callSID
	t.traceIDs[streamID] = traceID
	t.mu.Unlock()
	go sess.loop()
	return oldStream, oldSess
}

// detach drops a stream. When onlyIfCurrent is set it leaves a stream that
// was already replaced alone and reports false.
func (t *Transport) detach(streamID string, onlyIfCurrent bool) bool {
	t.mu.Lock()
	sess, known := t.sessions[streamID]
	if onlyIfCurrent && !known {
		t.mu.Unlock()
		return false
	}
	callSID := t.callSIDs[streamID]
	delete(t.sessions, streamID)
	delete(t.callSIDs, streamID)
	delete(t.traceIDs, streamID)
	if callSID != "" && t.callStreams[callSID] == streamID {
		delete(t.callStreams, callSID)
	}
	t.mu.Unlock()
	t.pts.Forget(streamID)
	if sess != nil {
		_ = sess.close()
	}
	return true
}

func (t *Transport) forgetCall(callSID string) {
	t.mu.Lock()
	delete(t.params, callSID)
	delete(t.reconnecting, callSID)
	t.mu.Unlock()
}

func (t *Transport) streamForCall(callSID string) string {
	if callSID == "" {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{}
	if streamID == "" {
		return meta
	}
	meta[frames.MetaStreamID] = streamID
	if v := t.callSIDs[streamID]; v != "" {
		meta[frames.MetaCallSID] = v
	}
	if v := t.traceIDs[streamID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	return meta
}

func (t *Transport) enqueue(streamID string, msg map[string]any) error {
	t.mu.Lock()
	sess := t.sessions[streamID]
	t.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.enqueue(msg)
}

func (t *Transport) emit(f frames.Frame) {
	if t.draining.Load() {
		return
	}
	defer func() {
		// recvCh closes on Stop.
		_ = recover()
	}()
	select {
	case t.recvCh <- f:
	default:
		t.logger.Warn("twilio_recv_queue_full", "kind", string(f.Kind()))
	}
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "https://" + t.cfg.publicHost() + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := normalizePublicURL(origin)
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "initiated", "ringing", "in-progress", "inprogress", "answered":
		return ""
	case "completed":
		return "completed"
	case "busy":
		return "busy"
	case "no-answer", "no_answer", "noanswer":
		return "no_answer"
	case "failed", "canceled", "cancelled":
		return "failed"
	default:
		return "unknown"
	}
}

type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	mu     sync.Mutex
	closed atomic.Bool
}

func (s *session) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil
	}
	select {
	case s.sendCh <- b:
		return nil
	default:
		return errorsx.Wrap(errors.New("media send queue full"), errorsx.ReasonTransportSend)
	}
}

func (s *session) loop() {
	for msg := range s.sendCh {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *session) close() error {
	s.mu.Lock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

type TwilioStart struct {
	CallSID          string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type TwilioMedia struct {
	Payload string `json:"payload"`
}

type TwilioMark struct {
	Name string `json:"name"`
}

type TwilioEvent struct {
	Event    string       `json:"event"`
	StreamID string       `json:"streamSid,omitempty"`
	Start    *TwilioStart `json:"start,omitempty"`
	Media    *TwilioMedia `json:"media,omitempty"`
	Mark     *TwilioMark  `json:"mark,omitempty"`
}

var (
	_ transports.Transport      = (*Transport)(nil)
	_ transports.OutboundDialer = (*Transport)(nil)
	_ transports.CallController = (*Transport)(nil)
	_ transports.ReadyReporter  = (*Transport)(nil)
)
