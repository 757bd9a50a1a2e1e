package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/harunnryd/outcall/pkg/conversation"
	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/events"
	"github.com/harunnryd/outcall/pkg/frames"
	"github.com/harunnryd/outcall/pkg/redact"
	"github.com/harunnryd/outcall/pkg/speech"
	"github.com/harunnryd/outcall/pkg/turn"
)

// providerEvents adapts a Call to speech.Handler. Its methods run on the
// call goroutine.
type providerEvents struct{ c *Call }

func (h providerEvents) OnPartial(text string) {
	h.c.sess.Touch(time.Now())
	h.c.logger.Debug("transcript_partial", "text", redact.Text(text))
}

func (h providerEvents) OnFinal(text string) { h.c.onFinal(text) }

func (h providerEvents) OnAudio(chunk any, generation uint64) { h.c.relay(chunk, generation) }

func (h providerEvents) OnSynthesisDone(generation uint64) {
	c := h.c
	if generation == 0 || generation != c.playing || !c.sess.Speaking() {
		return
	}
	c.control(frames.ControlMark, map[string]string{frames.MetaMarkName: markName(generation)})
}

func (h providerEvents) OnError(err error) {
	c := h.c
	reason := errorsx.Reason(err)
	c.logger.Warn("speech_provider_error", "reason", reason, "error", err)
	if errorsx.Degrades(reason) && c.speech != nil {
		c.degrade(err)
	}
}

func (h providerEvents) OnClosed(err error) {
	c := h.c
	if c.speech == nil {
		return
	}
	if err == nil {
		err = errorsx.Wrap(errSpeechClosed, errorsx.ReasonSpeechConnect)
	}
	c.degrade(err)
}

func (c *Call) onFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.sess.Touch(time.Now())
	if c.sess.MachineAnswered() {
		return
	}
	if !c.sess.AppendTranscript(text) {
		c.logger.Debug("duplicate_final_ignored")
		return
	}
	c.record(events.Event{Type: events.TypeTranscript, Transcript: text})

	t := c.deps.Machine.Advance(conversation.Input{
		State:      c.sess.State(),
		Facts:      c.sess.Facts(),
		Transcript: text,
		Meta:       c.sess.Meta().Vars(),
	})
	c.sess.ApplyTurn(t)
	c.seq++
	c.logger.Info("conversation_turn",
		"from", t.From.String(),
		"to", t.To.String(),
		"transcript", redact.Text(text),
	)
	if t.Changed() {
		c.record(events.Event{Type: events.TypeState, State: t.To.String(), Facts: t.Facts.Clone()})
	}
	if c.deps.Completer == nil {
		c.speak(t.Prompt)
		return
	}
	c.complete(t)
}

// complete asks the completer for a reply off the call goroutine. The
// result comes back through the queue and is discarded if the
// conversation moved on meanwhile.
func (c *Call) complete(t conversation.Turn) {
	_ = c.turns.Transition(turn.StateThinking, "completion")
	seq, state, prompt := c.seq, t.To, t.Prompt
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.CompletionTimeout)
	completer := c.deps.Completer
	go func() {
		defer cancel()
		text, err := completer.Complete(ctx, prompt)
		c.post(item{kind: itemReply, reply: reply{seq: seq, state: state, text: text, canned: prompt, err: err}})
	}()
}

func (c *Call) onReply(r reply) {
	if r.seq != c.seq || r.state != c.sess.State() {
		c.logger.Debug("stale_completion_discarded", "state", r.state.String())
		return
	}
	text := strings.TrimSpace(r.text)
	if r.err != nil || text == "" {
		c.logger.Warn("completion_failed", "reason", errorsx.Reason(r.err), "error", r.err)
		text = r.canned
	}
	c.speak(text)
}

func (c *Call) tryGreet() {
	if !c.greetPending || c.greeted || c.opening {
		return
	}
	if c.sess.MachineAnswered() {
		c.greetPending = false
		return
	}
	c.greetPending = false
	c.greeted = true
	c.speak(c.deps.Machine.Greeting(c.sess.Meta().Vars()))
}

// speak synthesizes text through the provider, falling back to the
// transport's own text-to-speech when synthesis cannot start.
func (c *Call) speak(text string) {
	if text == "" {
		return
	}
	c.record(events.Event{Type: events.TypeReply, Reply: text})
	if s := c.speech; s != nil {
		if c.sess.Speaking() {
			s.CancelSynthesis()
			c.control(frames.ControlClear, nil)
		}
		gen, ok := s.RequestSynthesis(text)
		if ok {
			c.playing = gen
			c.sess.SetSpeaking(true)
			_ = c.turns.Transition(turn.StateSpeaking, "reply")
			return
		}
		c.logger.Warn("synthesis_request_failed", "reason", errorsx.ReasonSynthesisFailed)
	}
	c.sess.SetSpeaking(false)
	c.playing = 0
	c.say(text)
}

func (c *Call) say(text string) {
	c.control(frames.ControlSay, map[string]string{frames.MetaText: text})
	_ = c.turns.Transition(turn.StateListening, "say")
}

// relay forwards a chunk of the current reply; chunks of cancelled or
// superseded replies are dropped.
func (c *Call) relay(chunk any, generation uint64) {
	if !c.sess.Speaking() || generation == 0 || generation != c.playing {
		c.dropped++
		return
	}
	payload, err := c.wire.Transcode(chunk, c.out)
	if err != nil {
		c.dropped++
		c.logger.Debug("audio_chunk_dropped", "reason", errorsx.Reason(err))
		return
	}
	meta := map[string]string{frames.MetaCallSID: c.callID}
	c.send(frames.NewWireAudioFrame(c.sess.Meta().StreamID, c.pts.Next(c.callID), payload, wireSampleRate, meta))
}

func (c *Call) onMachine(answeredBy string) {
	if !c.sess.MarkMachine() {
		return
	}
	c.logger.Info("answering_machine_detected", "answered_by", answeredBy)
	c.record(events.Event{Type: events.TypeMachine, Status: answeredBy})
	c.stopDegraded()
	if c.sess.SetSpeaking(false) {
		c.playing = 0
		if c.speech != nil {
			c.speech.CancelSynthesis()
		}
		c.control(frames.ControlClear, nil)
	}
	c.send(MachineResponse(c.deps.Machine, c.callID, c.sess.Meta().Vars(), c.cfg.Voicemail))
}

// MachineResponse is the hangup request for a call answered by a machine,
// carrying the voicemail line when voicemail is enabled.
func MachineResponse(m *conversation.Machine, callID string, vars map[string]string, voicemail bool) frames.ControlFrame {
	meta := map[string]string{frames.MetaCallSID: callID}
	if voicemail && m != nil {
		if text := m.Prompt(conversation.PromptVoicemail, nil, vars); text != "" {
			meta[frames.MetaText] = text
		}
	}
	return frames.NewControlFrame("", time.Now().UnixNano(), frames.ControlHangup, meta)
}

var _ speech.Handler = providerEvents{}
