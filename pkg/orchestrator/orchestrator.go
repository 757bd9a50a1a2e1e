// Package orchestrator runs the control loop of one call: it bridges the
// media transport and the speech provider, drives the conversation script
// and handles barge-in, degraded mode and answering machines.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/outcall/pkg/audio"
	"github.com/harunnryd/outcall/pkg/conversation"
	"github.com/harunnryd/outcall/pkg/events"
	"github.com/harunnryd/outcall/pkg/frames"
	"github.com/harunnryd/outcall/pkg/llm"
	"github.com/harunnryd/outcall/pkg/logging"
	"github.com/harunnryd/outcall/pkg/session"
	"github.com/harunnryd/outcall/pkg/speech"
	"github.com/harunnryd/outcall/pkg/transports"
	"github.com/harunnryd/outcall/pkg/turn"
)

const (
	DefaultCommitFrames           = 50
	DefaultReconnectBackoff       = 2 * time.Second
	DefaultDegradedPromptInterval = 8 * time.Second
	DefaultCompletionTimeout      = 8 * time.Second
	DefaultInboxSize              = 256

	wireSampleRate = 8000
)

var errSpeechClosed = errors.New("speech session closed")

type Config struct {
	Turn turn.Config
	// CommitFrames is the number of forwarded frames that close an utterance.
	CommitFrames           int
	ReconnectBackoff       time.Duration
	DegradedPromptInterval time.Duration
	GreetOnStart           bool
	// Voicemail leaves the voicemail prompt before hanging up on a machine.
	Voicemail         bool
	CompletionTimeout time.Duration
	// InboxSize bounds both the provider event queue and the number of
	// audio frames waiting in the transport frame queue.
	InboxSize int
}

func (c Config) withDefaults() Config {
	if c.CommitFrames <= 0 {
		c.CommitFrames = DefaultCommitFrames
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.DegradedPromptInterval <= 0 {
		c.DegradedPromptInterval = DefaultDegradedPromptInterval
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = DefaultCompletionTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	return c
}

// Deps are the collaborators shared by every call.
type Deps struct {
	Sessions  *session.Manager
	Speech    speech.Adapter
	Machine   *conversation.Machine
	Transport transports.Transport
	// Completer rewrites scripted prompts; nil speaks them verbatim.
	Completer llm.Completer
	Events    events.Sink
	Logger    *slog.Logger
}

type itemKind int

const (
	itemSpeech itemKind = iota + 1
	itemOpened
	itemReply
)

// item is one entry of the call's ordered queue.
type item struct {
	kind    itemKind
	event   speech.Event
	session speech.Session
	err     error
	reply   reply
	// epoch tags provider events with the open attempt they belong to.
	epoch uint64
}

type reply struct {
	seq    uint64
	state  conversation.State
	text   string
	canned string
	err    error
}

// Call owns one CallSession for the lifetime of the call. All session field
// mutation happens on the call goroutine.
type Call struct {
	cfg    Config
	deps   Deps
	sess   *session.CallSession
	callID string
	logger *slog.Logger
	wire   audio.Codec
	out    audio.Codec
	turns  *turn.Tracker
	pts    *frames.PTSGen

	ctx    context.Context
	cancel context.CancelFunc
	// inbox carries provider events, open results and completions.
	inbox chan item

	// Transport frames queue here in arrival order. Delivery never blocks
	// the caller: audio past InboxSize is dropped, anything else is kept.
	qmu         sync.Mutex
	queue       []frames.Frame
	queuedAudio int
	closed      bool
	droppedIn   int
	wake        chan struct{}

	stop      chan struct{}
	closing   chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	stopMu    sync.Mutex
	reason    string

	// Fields below are touched only by the call goroutine.
	speech       speech.Session
	epoch        uint64
	opening      bool
	lastOpen     time.Time
	sinceCommit  int
	playing      uint64
	seq          uint64
	greetPending bool
	greeted      bool
	ticker       *time.Ticker
	degradedSaid int
	ended        bool
	dropped      int
}

// New prepares the loop for sess. Start runs it.
func New(cfg Config, deps Deps, sess *session.CallSession) *Call {
	cfg = cfg.withDefaults()
	if deps.Events == nil {
		deps.Events = events.NoopSink{}
	}
	c := &Call{
		cfg:     cfg,
		deps:    deps,
		sess:    sess,
		callID:  sess.CallID,
		logger:  logging.NewCallLogger(deps.Logger, "orchestrator", sess.CallID),
		wire:    audio.NewCodec(audio.FormatMuLaw),
		turns:   turn.NewTracker(cfg.Turn),
		pts:     frames.NewPTSGen(),
		inbox:   make(chan item, cfg.InboxSize),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if deps.Speech != nil {
		c.out = audio.NewCodec(deps.Speech.OutputFormat())
	}
	c.turns.AddListener(turn.StateListenerFunc(func(ev turn.StateChange) {
		c.logger.Debug("turn_state", "from", ev.FromState.String(), "to", ev.ToState.String(), "reason", ev.Reason)
	}))
	return c
}

func (c *Call) CallID() string { return c.callID }

// Start launches the call goroutine and begins opening the speech session.
func (c *Call) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		c.ctx, c.cancel = context.WithCancel(ctx)
		go c.run()
	})
}

// Deliver queues a transport frame without blocking. Audio beyond InboxSize
// waiting frames is dropped and counted; other frames are always queued. It
// reports false once the call has closed.
func (c *Call) Deliver(f frames.Frame) bool {
	if f == nil {
		return false
	}
	isAudio := f.Kind() == frames.KindAudio
	c.qmu.Lock()
	if c.closed {
		c.qmu.Unlock()
		return false
	}
	if isAudio && c.queuedAudio >= c.cfg.InboxSize {
		c.droppedIn++
		c.qmu.Unlock()
		c.logger.Debug("media_frame_dropped", "reason", "inbox_full")
		return true
	}
	c.queue = append(c.queue, f)
	if isAudio {
		c.queuedAudio++
	}
	c.qmu.Unlock()
	c.signal()
	return true
}

// DroppedFrames counts inbound audio frames dropped on a full queue.
func (c *Call) DroppedFrames() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return c.droppedIn
}

// Closed reports whether the call stopped accepting frames.
func (c *Call) Closed() bool {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return c.closed
}

func (c *Call) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// nextFrame pops the oldest queued frame. The wake signal is re-armed while
// frames remain so provider events interleave with a long backlog.
func (c *Call) nextFrame() (frames.Frame, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	f := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	if f.Kind() == frames.KindAudio {
		c.queuedAudio--
	}
	if len(c.queue) > 0 {
		c.signal()
	}
	return f, true
}

// seal stops frame intake and discards the backlog. It returns the number
// of inbound audio frames dropped over the call.
func (c *Call) seal() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	c.closed = true
	c.queue = nil
	c.queuedAudio = 0
	return c.droppedIn
}

// Stop ends the call with reason; it is safe to call more than once.
func (c *Call) Stop(reason string) {
	c.stopOnce.Do(func() {
		c.stopMu.Lock()
		c.reason = reason
		c.stopMu.Unlock()
		close(c.stop)
	})
}

// Done is closed once the session is destroyed and the goroutine exits.
func (c *Call) Done() <-chan struct{} { return c.done }

func (c *Call) post(it item) bool {
	select {
	case c.inbox <- it:
		return true
	case <-c.closing:
		return false
	case <-c.done:
		return false
	}
}

func (c *Call) run() {
	defer close(c.done)
	defer c.cancel()
	c.openSpeech()
	for {
		var tick <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.C
		}
		select {
		case <-c.ctx.Done():
			c.end("shutdown")
			return
		case <-c.stop:
			c.stopMu.Lock()
			reason := c.reason
			c.stopMu.Unlock()
			c.end(reason)
			return
		case <-c.wake:
			if f, ok := c.nextFrame(); ok {
				c.handleFrame(f)
			}
			if c.ended {
				return
			}
		case it := <-c.inbox:
			c.handle(it)
			if c.ended {
				return
			}
		case <-tick:
			c.sayDegraded()
		}
	}
}

func (c *Call) handle(it item) {
	switch it.kind {
	case itemSpeech:
		if it.epoch != c.epoch {
			return
		}
		speech.Dispatch(it.event, providerEvents{c})
	case itemOpened:
		c.onOpened(it.session, it.err)
	case itemReply:
		c.onReply(it.reply)
	}
}

func (c *Call) handleFrame(f frames.Frame) {
	switch v := f.(type) {
	case frames.AudioFrame:
		c.onMedia(v)
	case frames.SystemFrame:
		c.onSystem(v)
	default:
		c.logger.Debug("frame_ignored", "kind", string(f.Kind()))
	}
}

func (c *Call) onSystem(f frames.SystemFrame) {
	meta := f.Meta()
	switch f.Name() {
	case frames.SystemCallStart, frames.SystemCallReconnect:
		c.sess.UpdateMeta(session.Meta{
			FirstName: meta[frames.MetaFirstName],
			RowID:     meta[frames.MetaRowID],
			StreamID:  meta[frames.MetaStreamID],
			TraceID:   meta[frames.MetaTraceID],
		})
		c.sess.Touch(time.Now())
		if c.turns.State() == turn.StateIdle {
			_ = c.turns.Transition(turn.StateListening, f.Name())
		}
		if f.Name() == frames.SystemCallStart && c.cfg.GreetOnStart && !c.greeted {
			c.greetPending = true
			c.tryGreet()
		}
		c.logger.Info("media_stream_started", "event", f.Name(), "stream_id", meta[frames.MetaStreamID])
	case frames.SystemPlaybackMark:
		if meta[frames.MetaMarkName] == markName(c.playing) && c.sess.SetSpeaking(false) {
			c.playing = 0
			_ = c.turns.Transition(turn.StateListening, "playback complete")
		}
	case frames.SystemMachineDetected:
		c.onMachine(meta[frames.MetaAnsweredBy])
	case frames.SystemCallStatus:
		c.record(events.Event{Type: events.TypeStatus, Status: meta[frames.MetaCallStatus]})
	case frames.SystemCallEnd:
		reason := meta[frames.MetaCallEndReason]
		if reason == "" {
			reason = "completed"
		}
		c.end(reason)
	}
}

// end releases the speech session and destroys the call session exactly
// once.
func (c *Call) end(reason string) {
	if c.ended {
		return
	}
	c.ended = true
	// The session goes before intake closes, so a caller that sees Closed
	// can register a fresh session under the same id.
	if c.deps.Sessions != nil {
		c.deps.Sessions.Destroy(c.callID)
	}
	droppedIn := c.seal()
	c.closeOnce.Do(func() { close(c.closing) })
	c.stopDegraded()
	if c.speech != nil {
		_ = c.speech.Close()
		c.speech = nil
	}
	_ = c.turns.Transition(turn.StateIdle, reason)
	c.pts.Forget(c.callID)
	c.logger.Info("call_finished",
		"reason", reason,
		"state", c.sess.State().String(),
		"transcripts", len(c.sess.Transcripts()),
		"dropped_chunks", c.dropped,
		"dropped_frames", droppedIn,
	)
}

func (c *Call) record(ev events.Event) {
	ev.CallID = c.callID
	ev.RowID = c.sess.Meta().RowID
	if ev.State == "" {
		ev.State = c.sess.State().String()
	}
	ev.Time = time.Now()
	c.deps.Events.Record(ev)
}

func (c *Call) send(f frames.Frame) {
	if c.deps.Transport == nil {
		return
	}
	if err := c.deps.Transport.Send(f); err != nil {
		c.logger.Warn("transport_send_failed", "error", err)
	}
}

func (c *Call) control(code frames.ControlCode, extra map[string]string) {
	meta := map[string]string{frames.MetaCallSID: c.callID}
	for k, v := range extra {
		meta[k] = v
	}
	c.send(frames.NewControlFrame(c.sess.Meta().StreamID, c.pts.Next(c.callID), code, meta))
}

func markName(gen uint64) string {
	return "reply-" + strconv.FormatUint(gen, 10)
}
