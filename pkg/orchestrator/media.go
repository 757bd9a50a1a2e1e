package orchestrator

import (
	"time"

	"github.com/harunnryd/outcall/pkg/audio"
	"github.com/harunnryd/outcall/pkg/conversation"
	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/events"
	"github.com/harunnryd/outcall/pkg/frames"
	"github.com/harunnryd/outcall/pkg/speech"
)

func (c *Call) onMedia(f frames.AudioFrame) {
	pcm, err := c.wire.Decode(f.Payload())
	if err != nil {
		c.logger.Debug("media_frame_dropped", "reason", errorsx.Reason(err), "error", err)
		return
	}
	c.sess.Touch(time.Now())
	energy := audio.Energy(pcm)
	if c.turns.Detect(c.sess.Speaking(), energy) {
		c.bargeIn(energy)
	}
	if c.sess.MachineAnswered() {
		return
	}
	c.forward(pcm)
}

// bargeIn cancels the reply in flight before any more of it is relayed.
func (c *Call) bargeIn(energy float64) {
	if !c.sess.SetSpeaking(false) {
		return
	}
	gen := c.playing
	c.playing = 0
	if c.speech != nil {
		c.speech.CancelSynthesis()
	}
	c.control(frames.ControlClear, nil)
	latency := c.turns.BargeInLatency()
	c.logger.Info("barge_in",
		"energy", energy,
		"generation", gen,
		"latency_ms", latency.Milliseconds(),
	)
	c.record(events.Event{Type: events.TypeBargeIn, LatencyMS: latency.Milliseconds()})
}

// forward replays any buffered frames, then the new one, keeping arrival
// order. Frames the provider refuses stay buffered.
func (c *Call) forward(pcm []byte) {
	s := c.speech
	if s == nil {
		c.buffer(pcm)
		c.maybeReopen()
		return
	}
	if !c.flushPending() || !s.PushAudio(pcm) {
		c.buffer(pcm)
		return
	}
	c.counted()
}

// flushPending pushes the local backlog to the provider. It reports false
// when the provider stopped accepting audio part way.
func (c *Call) flushPending() bool {
	if c.speech == nil {
		return false
	}
	backlog := c.sess.DrainPending()
	for i, frame := range backlog {
		if !c.speech.PushAudio(frame) {
			c.sess.RequeuePending(backlog[i:])
			return false
		}
		c.counted()
	}
	return true
}

func (c *Call) counted() {
	c.sinceCommit++
	if c.sinceCommit >= c.cfg.CommitFrames {
		c.commit()
	}
}

func (c *Call) buffer(pcm []byte) {
	if !c.sess.PushPending(pcm) {
		return
	}
	// Full. With a live provider the utterance is closed and the backlog
	// dropped; without one the buffer keeps the newest frames for replay.
	if c.speech != nil {
		c.commit()
	}
}

func (c *Call) commit() {
	if c.speech != nil && !c.speech.Commit() {
		c.logger.Debug("commit_rejected")
	}
	c.sess.DrainPending()
	c.sinceCommit = 0
}

func (c *Call) openSpeech() {
	if c.opening || c.deps.Speech == nil {
		return
	}
	c.opening = true
	c.lastOpen = time.Now()
	c.epoch++
	ctx, epoch := c.ctx, c.epoch
	sink := func(ev speech.Event) {
		c.post(item{kind: itemSpeech, event: ev, epoch: epoch})
	}
	go func() {
		s, err := c.deps.Speech.Open(ctx, c.callID, sink)
		if !c.post(item{kind: itemOpened, session: s, err: err, epoch: epoch}) && s != nil {
			_ = s.Close()
		}
	}()
}

func (c *Call) onOpened(s speech.Session, err error) {
	c.opening = false
	if err != nil {
		c.degrade(err)
		c.tryGreet()
		return
	}
	c.speech = s
	c.sess.OnRelease(func() { _ = s.Close() })
	if c.sess.Degraded() {
		c.logger.Info("speech_recovered", "provider", c.deps.Speech.Name())
	} else {
		c.logger.Info("speech_session_open", "provider", c.deps.Speech.Name())
	}
	c.sess.SetDegraded(false)
	c.stopDegraded()
	c.flushPending()
	c.tryGreet()
}

func (c *Call) maybeReopen() {
	if c.opening || c.deps.Speech == nil || c.sess.MachineAnswered() {
		return
	}
	if time.Since(c.lastOpen) < c.cfg.ReconnectBackoff {
		return
	}
	c.logger.Debug("speech_reopen")
	c.openSpeech()
}

// degrade drops the provider session. Caller audio keeps buffering locally
// and scripted prompts go out through the transport until a reopen works.
func (c *Call) degrade(err error) {
	if s := c.speech; s != nil {
		c.speech = nil
		go func() { _ = s.Close() }()
	}
	c.sinceCommit = 0
	if c.sess.SetSpeaking(false) {
		c.playing = 0
		c.control(frames.ControlClear, nil)
	}
	c.sess.SetDegraded(true)
	c.logger.Warn("speech_degraded", "reason", errorsx.Reason(err), "error", err)
	c.startDegraded()
}

func (c *Call) startDegraded() {
	if c.ticker != nil || c.sess.MachineAnswered() || c.ended {
		return
	}
	c.ticker = time.NewTicker(c.cfg.DegradedPromptInterval)
}

func (c *Call) stopDegraded() {
	if c.ticker == nil {
		return
	}
	c.ticker.Stop()
	c.ticker = nil
}

func (c *Call) sayDegraded() {
	if !c.sess.Degraded() || c.sess.MachineAnswered() {
		c.stopDegraded()
		return
	}
	vars := c.sess.Meta().Vars()
	text := c.deps.Machine.Canned(c.sess.State(), c.sess.Facts(), vars)
	if c.degradedSaid == 0 {
		text = c.deps.Machine.Prompt(conversation.PromptDegraded, nil, vars) + " " + text
	}
	c.degradedSaid++
	c.say(text)
}
