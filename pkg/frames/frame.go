package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

type ControlCode string

const (
	// ControlClear drops audio queued at the transport (barge-in).
	ControlClear ControlCode = "clear"
	// ControlMark asks the transport to echo a mark once playback reaches it.
	ControlMark ControlCode = "mark"
	// ControlSay asks the transport to speak text without the speech provider.
	ControlSay ControlCode = "say"
	// ControlHangup ends the call.
	ControlHangup ControlCode = "hangup"
)

// System frame names emitted by transports.
const (
	SystemCallStart       = "call_start"
	SystemCallReconnect   = "call_reconnect"
	SystemCallEnd         = "call_end"
	SystemMachineDetected = "machine_detected"
	SystemPlaybackMark    = "playback_mark"
	SystemCallStatus      = "call_status"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries either a wire payload (base64 text as received from or
// sent to the transport) or raw bytes.
type AudioFrame struct {
	pts  int64
	data []byte
	wire string
	rate int
	ch   int
	meta map[string]string
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(streamID, meta),
	}
}

// NewWireAudioFrame wraps a still-encoded transport payload.
func NewWireAudioFrame(streamID string, pts int64, wire string, rate int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		wire: wire,
		rate: rate,
		ch:   1,
		meta: mergeMeta(streamID, meta),
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Wire() string            { return a.wire }
func (a AudioFrame) Rate() int               { return a.rate }

// Payload returns the wire text when present, otherwise the raw bytes.
func (a AudioFrame) Payload() any {
	if a.wire != "" {
		return a.wire
	}
	return a.data
}

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(streamID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(streamID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[streamID] + time.Millisecond.Nanoseconds()
	g.value[streamID] = v
	return v
}

// Forget drops the counter for a finished stream.
func (g *PTSGen) Forget(streamID string) {
	g.mu.Lock()
	delete(g.value, streamID)
	g.mu.Unlock()
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
