package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harunnryd/outcall/pkg/audio"
	"github.com/harunnryd/outcall/pkg/control"
	"github.com/harunnryd/outcall/pkg/events"
	"github.com/harunnryd/outcall/pkg/frames"
	"github.com/harunnryd/outcall/pkg/providers/mock"
	"github.com/harunnryd/outcall/pkg/runner"
	"github.com/harunnryd/outcall/pkg/speech"
	transportmock "github.com/harunnryd/outcall/pkg/transports/mock"
)

type fixture struct {
	t         *testing.T
	engine    *Engine
	transport *transportmock.Transport
	speech    *mock.SpeechAdapter
	events    *events.MemorySink
}

func testConfig() Config {
	return Config{
		Transports: TransportsConfig{Provider: "mock"},
		Vendors: VendorsConfig{
			Speech: VendorConfig{Provider: "mock"},
			LLM:    VendorConfig{Provider: "none"},
		},
		Speech: SpeechConfig{CommitFrames: 5},
		Session: SessionConfig{
			IdleTimeout:   time.Minute,
			SweepInterval: time.Hour,
		},
		Conversation: ConversationConfig{
			AgentName:    "Giulia",
			GreetOnStart: true,
			Voicemail:    true,
		},
		Control:  control.Config{Token: "secret"},
		Shutdown: ShutdownConfig{DrainTimeout: time.Second},
	}
}

func newFixture(t *testing.T, cfg Config, speechCfg mock.SpeechConfig) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		transport: transportmock.New(),
		speech:    mock.NewSpeechAdapter(speechCfg),
		events:    events.NewMemorySink(),
	}
	engine, err := NewEngine(EngineOptions{
		Config:    cfg,
		Transport: f.transport,
		Speech:    f.speech,
		Events:    f.events,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Quiet:     true,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	if err := engine.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = engine.Stop() })
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) push(name, callID string, extra map[string]string) {
	meta := map[string]string{frames.MetaCallSID: callID}
	for k, v := range extra {
		meta[k] = v
	}
	f.transport.Push(frames.NewSystemFrame(meta[frames.MetaStreamID], time.Now().UnixNano(), name, meta))
}

func (f *fixture) start(callID string) {
	f.push(frames.SystemCallStart, callID, map[string]string{
		frames.MetaStreamID:  "MZ-" + callID,
		frames.MetaFirstName: "Marco",
		frames.MetaRowID:     "7",
	})
	waitFor(f.t, "call "+callID+" to open speech", func() bool {
		return f.speech.Session(callID) != nil && f.engine.call(callID) != nil
	})
}

func (f *fixture) media(callID string, n int) {
	wire, err := audio.NewCodec(audio.FormatMuLaw).Encode(make([]byte, 320))
	if err != nil {
		f.t.Fatalf("encode: %v", err)
	}
	for i := 0; i < n; i++ {
		f.transport.Push(frames.NewWireAudioFrame("MZ-"+callID, int64(i), wire, 8000, map[string]string{frames.MetaCallSID: callID}))
	}
}

func TestCallStartGreetsAndConverses(t *testing.T) {
	f := newFixture(t, testConfig(), mock.SpeechConfig{Transcripts: []string{"sì"}})
	f.start("CA1")

	sess := f.speech.Session("CA1")
	waitFor(t, "greeting", func() bool { return len(sess.Requests()) == 1 })
	if got := sess.Requests()[0]; !bytes.Contains([]byte(got), []byte("Marco")) {
		t.Fatalf("greeting should address the caller, got %q", got)
	}

	f.media("CA1", 5)
	waitFor(t, "reply to the first answer", func() bool { return len(sess.Requests()) == 2 })
	if n := len(f.events.OfType(events.TypeTranscript)); n != 1 {
		t.Fatalf("expected one transcript event, got %d", n)
	}

	f.push(frames.SystemCallEnd, "CA1", map[string]string{frames.MetaCallEndReason: "completed"})
	waitFor(t, "session destroyed", func() bool { return f.engine.Sessions().Count() == 0 })
	waitFor(t, "call forgotten", func() bool { return f.engine.call("CA1") == nil })
}

func TestMediaForUnknownCallIsDropped(t *testing.T) {
	f := newFixture(t, testConfig(), mock.SpeechConfig{})
	f.media("CA404", 3)
	time.Sleep(20 * time.Millisecond)
	if f.engine.Sessions().Count() != 0 || f.speech.Opens() != 0 {
		t.Fatalf("media alone must not create a call")
	}
}

func TestMachineBeforeStreamHangsUpOnce(t *testing.T) {
	f := newFixture(t, testConfig(), mock.SpeechConfig{})
	machine := map[string]string{frames.MetaAnsweredBy: "machine_end_beep", frames.MetaFirstName: "Marco"}
	f.push(frames.SystemMachineDetected, "CA2", machine)
	f.push(frames.SystemMachineDetected, "CA2", machine)

	waitFor(t, "hangup", func() bool { return len(f.transport.Hangups()) == 1 })
	if got := f.transport.Hangups()[0]; got != "CA2" {
		t.Fatalf("hangup for %q", got)
	}
	var hangup frames.ControlFrame
	for _, fr := range f.transport.SentFrames() {
		if cf, ok := fr.(frames.ControlFrame); ok && cf.Code() == frames.ControlHangup {
			hangup = cf
		}
	}
	if hangup.Meta()[frames.MetaText] == "" {
		t.Fatalf("voicemail text missing from hangup request")
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(f.events.OfType(events.TypeMachine)); n != 1 {
		t.Fatalf("expected one machine event, got %d", n)
	}

	f.start("CA2")
	time.Sleep(30 * time.Millisecond)
	if reqs := f.speech.Session("CA2").Requests(); len(reqs) != 0 {
		t.Fatalf("machine call must not be greeted, got %v", reqs)
	}
}

func TestStatusForUnknownCallIsRecorded(t *testing.T) {
	f := newFixture(t, testConfig(), mock.SpeechConfig{})
	f.push(frames.SystemCallStatus, "CA3", map[string]string{frames.MetaCallStatus: "ringing"})
	waitFor(t, "status event", func() bool { return len(f.events.OfType(events.TypeStatus)) == 1 })
	if got := f.events.OfType(events.TypeStatus)[0]; got.CallID != "CA3" || got.Status != "ringing" {
		t.Fatalf("unexpected status event %+v", got)
	}
}

func TestSweepIdleEndsCall(t *testing.T) {
	f := newFixture(t, testConfig(), mock.SpeechConfig{})
	f.start("CA4")
	stale := f.engine.SweepIdle(time.Now().Add(2 * time.Minute))
	if len(stale) != 1 || stale[0] != "CA4" {
		t.Fatalf("expected CA4 to be idle, got %v", stale)
	}
	waitFor(t, "idle session destroyed", func() bool { return f.engine.Sessions().Count() == 0 })
	if got := f.engine.SweepIdle(time.Now().Add(2 * time.Minute)); len(got) != 0 {
		t.Fatalf("second sweep found %v", got)
	}
}

func TestStopDrainsLiveCalls(t *testing.T) {
	f := newFixture(t, testConfig(), mock.SpeechConfig{})
	f.start("CA5")
	if err := f.engine.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.engine.Sessions().Count() != 0 {
		t.Fatalf("sessions left after drain: %d", f.engine.Sessions().Count())
	}
	if f.engine.State() != runner.StateStopped {
		t.Fatalf("expected stopped, got %s", f.engine.State())
	}
	if f.engine.Health() == nil {
		t.Fatalf("a drained engine must not report healthy")
	}
}

func TestControlAPIDialsThroughTransport(t *testing.T) {
	f := newFixture(t, testConfig(), mock.SpeechConfig{})
	srv := httptest.NewServer(f.engine.Control().Handler())
	defer srv.Close()

	body, _ := json.Marshal(control.StartCallRequest{FirstName: "Marco", PhoneNumber: "+393331234567", RowID: "7"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/start-call", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	dials := f.transport.Dials()
	if len(dials) != 1 || dials[0].Params[frames.MetaRowID] != "7" {
		t.Fatalf("unexpected dials %+v", dials)
	}
}

func TestNewEngineRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Vendors.Speech.Provider = "carrier-pigeon"
	_, err := NewEngine(EngineOptions{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Quiet:  true,
	})
	if err == nil {
		t.Fatalf("expected unknown speech provider error")
	}
}

// stallingAdapter holds PushAudio for one call until release is closed.
type stallingAdapter struct {
	*mock.SpeechAdapter
	slow    string
	release chan struct{}
}

func (a *stallingAdapter) Open(ctx context.Context, callID string, sink speech.Sink) (speech.Session, error) {
	s, err := a.SpeechAdapter.Open(ctx, callID, sink)
	if err != nil || callID != a.slow {
		return s, err
	}
	return stalledSession{Session: s, release: a.release}, nil
}

type stalledSession struct {
	speech.Session
	release <-chan struct{}
}

func (s stalledSession) PushAudio(pcm []byte) bool {
	<-s.release
	return s.Session.PushAudio(pcm)
}

func TestStalledCallDoesNotBlockOtherCalls(t *testing.T) {
	inner := mock.NewSpeechAdapter(mock.SpeechConfig{})
	adapter := &stallingAdapter{SpeechAdapter: inner, slow: "slow", release: make(chan struct{})}
	f := &fixture{t: t, transport: transportmock.New(), speech: inner, events: events.NewMemorySink()}
	engine, err := NewEngine(EngineOptions{
		Config:    testConfig(),
		Transport: f.transport,
		Speech:    adapter,
		Events:    f.events,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Quiet:     true,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	if err := engine.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = engine.Stop() })
	// Registered last so it runs first and unblocks the stalled call.
	t.Cleanup(func() { close(adapter.release) })

	f.start("slow")
	f.start("fast")

	f.media("slow", 300)
	f.push(frames.SystemPlaybackMark, "slow", map[string]string{frames.MetaMarkName: "reply-1"})
	f.push(frames.SystemCallStatus, "slow", map[string]string{frames.MetaCallStatus: "in-progress"})
	f.media("fast", 3)

	waitFor(t, "audio on the live call", func() bool {
		return len(inner.Session("fast").Audio()) > 0
	})
	slow := engine.call("slow")
	if slow == nil {
		t.Fatalf("stalled call was dropped")
	}
	if slow.DroppedFrames() == 0 {
		t.Fatalf("expected audio past the queue bound to be dropped")
	}
}

func TestCallStartAfterEndReusesCallID(t *testing.T) {
	f := newFixture(t, testConfig(), mock.SpeechConfig{})
	f.start("CA6")
	old := f.engine.call("CA6")
	f.push(frames.SystemCallEnd, "CA6", map[string]string{frames.MetaCallEndReason: "completed"})
	<-old.Done()
	waitFor(t, "call forgotten", func() bool { return f.engine.call("CA6") == nil })

	// The ended call is still registered, as if its cleanup had not run.
	f.engine.mu.Lock()
	f.engine.calls["CA6"] = old
	f.engine.mu.Unlock()

	f.push(frames.SystemCallStart, "CA6", map[string]string{frames.MetaStreamID: "MZ-CA6b"})
	waitFor(t, "a fresh call", func() bool {
		c := f.engine.call("CA6")
		return c != nil && c != old
	})
	if n := f.engine.Sessions().Count(); n != 1 {
		t.Fatalf("expected one live session, got %d", n)
	}
}
