package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/outcall/pkg/frames"
)

func attachStub(tr *Transport, callSID, streamID string) *session {
	sess := &session{sendCh: make(chan []byte, 4)}
	tr.mu.Lock()
	tr.sessions[streamID] = sess
	tr.callSIDs[streamID] = callSID
	tr.callStreams[callSID] = streamID
	tr.mu.Unlock()
	return sess
}

func nextMessage(t *testing.T, sess *session) map[string]any {
	t.Helper()
	select {
	case msg := <-sess.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return payload
	default:
		t.Fatalf("expected an outbound message")
	}
	return nil
}

func TestSendRoutesByCallSID(t *testing.T) {
	tr := New(Config{}, nil)
	sess := attachStub(tr, "CA1", "MZ2")
	meta := map[string]string{frames.MetaCallSID: "CA1"}

	if err := tr.Send(frames.NewControlFrame("", 1, frames.ControlClear, meta)); err != nil {
		t.Fatalf("send clear: %v", err)
	}
	if msg := nextMessage(t, sess); msg["event"] != "clear" || msg["streamSid"] != "MZ2" {
		t.Fatalf("unexpected clear %v", msg)
	}

	markMeta := map[string]string{frames.MetaCallSID: "CA1", frames.MetaMarkName: "reply-3"}
	if err := tr.Send(frames.NewControlFrame("", 2, frames.ControlMark, markMeta)); err != nil {
		t.Fatalf("send mark: %v", err)
	}
	msg := nextMessage(t, sess)
	mark, _ := msg["mark"].(map[string]any)
	if msg["event"] != "mark" || mark["name"] != "reply-3" {
		t.Fatalf("unexpected mark %v", msg)
	}

	if err := tr.Send(frames.NewWireAudioFrame("", 3, "//8=", 8000, meta)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	msg = nextMessage(t, sess)
	media, _ := msg["media"].(map[string]any)
	if msg["event"] != "media" || media["payload"] != "//8=" {
		t.Fatalf("unexpected media %v", msg)
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	tr := New(cfg, nil)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/twilio/voice?first_name=Marco", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	req.Header.Set("X-Twilio-Signature", computeSignature(cfg.AuthToken, tr.requestURL(req), params))

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `<Parameter name="first_name" value="Marco"/>`) {
		t.Fatalf("expected stream parameter, got %s", w.Body.String())
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/twilio/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func postStatus(t *testing.T, tr *Transport, params map[string]string) {
	t.Helper()
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, "https://example.com/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", computeSignature(tr.cfg.AuthToken, tr.requestURL(req), params))
	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func nextSystem(t *testing.T, tr *Transport) frames.SystemFrame {
	t.Helper()
	select {
	case f := <-tr.Recv():
		sys, ok := f.(frames.SystemFrame)
		if !ok {
			t.Fatalf("expected SystemFrame, got %T", f)
		}
		return sys
	case <-time.After(time.Second):
		t.Fatalf("expected a system frame")
	}
	return frames.SystemFrame{}
}

func TestHandleStatusCallbackMapping(t *testing.T) {
	tr := New(Config{AuthToken: "token", PublicURL: "https://example.com"}, nil)
	attachStub(tr, "CA123", "MZ1")

	postStatus(t, tr, map[string]string{"CallSid": "CA123", "AnsweredBy": "machine_end_beep"})
	if sys := nextSystem(t, tr); sys.Name() != frames.SystemCallStatus || sys.Meta()[frames.MetaAnsweredBy] != "machine_end_beep" {
		t.Fatalf("expected call_status with answered_by, got %s %v", sys.Name(), sys.Meta())
	}
	if sys := nextSystem(t, tr); sys.Name() != frames.SystemMachineDetected || sys.Meta()[frames.MetaCallSID] != "CA123" {
		t.Fatalf("expected machine_detected, got %s", sys.Name())
	}

	postStatus(t, tr, map[string]string{"CallSid": "CA123", "CallStatus": "completed"})
	if sys := nextSystem(t, tr); sys.Name() != frames.SystemCallStatus || sys.Meta()[frames.MetaCallStatus] != "completed" {
		t.Fatalf("expected call_status completed, got %s %v", sys.Name(), sys.Meta())
	}
	sys := nextSystem(t, tr)
	if sys.Name() != frames.SystemCallEnd || sys.Meta()[frames.MetaCallEndReason] != "completed" {
		t.Fatalf("expected call_end completed, got %s %v", sys.Name(), sys.Meta())
	}
	if tr.streamForCall("CA123") != "" {
		t.Fatalf("expected stream detached")
	}
}

func TestStatusCallbackForUnconnectedCall(t *testing.T) {
	tr := New(Config{}, nil)
	form := url.Values{"CallSid": {"CA9"}, "CallStatus": {"no-answer"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tr.handleStatusCallback(httptest.NewRecorder(), req)
	nextSystem(t, tr)
	if sys := nextSystem(t, tr); sys.Name() != frames.SystemCallEnd || sys.Meta()[frames.MetaCallEndReason] != "no_answer" || sys.Meta()[frames.MetaCallSID] != "CA9" {
		t.Fatalf("unexpected %s %v", sys.Name(), sys.Meta())
	}
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/twilio", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func startEvent(callSID, streamSID string) map[string]any {
	return map[string]any{
		"event": "start",
		"start": map[string]any{
			"callSid":          callSID,
			"streamSid":        streamSID,
			"customParameters": map[string]string{"first_name": "Marco", "row_id": "r-1"},
		},
	}
}

func TestMediaStreamRoundTrip(t *testing.T) {
	tr := New(Config{}, nil)
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()
	conn := dialStream(t, srv)
	defer conn.Close()

	_ = conn.WriteJSON(startEvent("CA1", "MZ1"))
	start := nextSystem(t, tr)
	meta := start.Meta()
	if start.Name() != frames.SystemCallStart || meta[frames.MetaCallSID] != "CA1" || meta[frames.MetaFirstName] != "Marco" || meta[frames.MetaRowID] != "r-1" {
		t.Fatalf("unexpected start %s %v", start.Name(), meta)
	}

	payload := base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F})
	_ = conn.WriteJSON(map[string]any{"event": "media", "media": map[string]any{"payload": payload}})
	select {
	case f := <-tr.Recv():
		af, ok := f.(frames.AudioFrame)
		if !ok || af.Wire() != payload || af.Meta()[frames.MetaCallSID] != "CA1" {
			t.Fatalf("unexpected audio frame %#v", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected audio frame")
	}

	if err := tr.Send(frames.NewWireAudioFrame("", 1, payload, 8000, map[string]string{frames.MetaCallSID: "CA1"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var out map[string]any
	if err := conn.ReadJSON(&out); err != nil || out["event"] != "media" || out["streamSid"] != "MZ1" {
		t.Fatalf("expected media echo, got %v %v", out, err)
	}

	_ = conn.WriteJSON(map[string]any{"event": "mark", "mark": map[string]any{"name": "reply-1"}})
	if sys := nextSystem(t, tr); sys.Name() != frames.SystemPlaybackMark || sys.Meta()[frames.MetaMarkName] != "reply-1" {
		t.Fatalf("unexpected mark frame %s %v", sys.Name(), sys.Meta())
	}

	_ = conn.WriteJSON(map[string]any{"event": "stop"})
	if sys := nextSystem(t, tr); sys.Name() != frames.SystemCallEnd || sys.Meta()[frames.MetaCallSID] != "CA1" {
		t.Fatalf("unexpected end frame %s %v", sys.Name(), sys.Meta())
	}
}

func TestSayKeepsCallAcrossStreamReplacement(t *testing.T) {
	tr := New(Config{AccountSID: "AC1", AuthToken: "token"}, nil)
	up := &stubCallUpdater{}
	tr.dialer.updater = up
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	first := dialStream(t, srv)
	_ = first.WriteJSON(startEvent("CA1", "MZ1"))
	nextSystem(t, tr)

	if err := tr.Say(context.Background(), "CA1", "Scusa, la linea è disturbata."); err != nil {
		t.Fatalf("say: %v", err)
	}
	if !strings.Contains(up.lastTwiml, `<Parameter name="first_name" value="Marco"/>`) {
		t.Fatalf("expected stream params replayed, got %s", up.lastTwiml)
	}
	_ = first.WriteJSON(map[string]any{"event": "stop"})
	first.Close()

	second := dialStream(t, srv)
	defer second.Close()
	_ = second.WriteJSON(startEvent("CA1", "MZ2"))
	sys := nextSystem(t, tr)
	if sys.Name() != frames.SystemCallReconnect || sys.Meta()[frames.MetaStreamID] != "MZ2" {
		t.Fatalf("expected reconnect without call_end, got %s %v", sys.Name(), sys.Meta())
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestConfigFromSettings(t *testing.T) {
	cfg, err := ConfigFromSettings(map[string]any{
		"server_addr":  ":9090",
		"ring_timeout": "45s",
		"from_number":  "+390200000000",
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.ServerAddr != ":9090" || cfg.RingTimeout != 45*time.Second || cfg.FromNumber != "+390200000000" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if _, err := ConfigFromSettings(map[string]any{"sip_trunk": "x"}); err == nil {
		t.Fatalf("expected unknown key error")
	}
}
