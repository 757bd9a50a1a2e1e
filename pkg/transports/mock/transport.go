// Package mock is an in-memory transport for local runs and tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/outcall/pkg/frames"
	"github.com/harunnryd/outcall/pkg/transports"
)

// Transport records everything sent to it and lets tests inject inbound
// frames. Say and Hangup calls are recorded rather than performed.
type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	closed atomic.Bool
	mu     sync.Mutex

	sent    []frames.Frame
	says    []Call
	hangups []string
	dials   []transports.DialRequest
	nextID  int
	DialErr error
}

// Call is one recorded Say.
type Call struct {
	CallID string
	Text   string
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 1024),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return nil
	}
	t.sent = append(t.sent, f)
	if cf, ok := f.(frames.ControlFrame); ok {
		meta := cf.Meta()
		switch cf.Code() {
		case frames.ControlSay:
			t.says = append(t.says, Call{CallID: meta[frames.MetaCallSID], Text: meta[frames.MetaText]})
		case frames.ControlHangup:
			t.hangups = append(t.hangups, meta[frames.MetaCallSID])
		}
	}
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

func (t *Transport) Dial(ctx context.Context, req transports.DialRequest) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.DialErr != nil {
		return "", t.DialErr
	}
	t.nextID++
	t.dials = append(t.dials, req)
	return fmt.Sprintf("CA%04d", t.nextID), nil
}

func (t *Transport) Say(ctx context.Context, callID, text string) error {
	t.mu.Lock()
	t.says = append(t.says, Call{CallID: callID, Text: text})
	t.mu.Unlock()
	return nil
}

func (t *Transport) Hangup(ctx context.Context, callID string) error {
	t.mu.Lock()
	t.hangups = append(t.hangups, callID)
	t.mu.Unlock()
	return nil
}

// Push injects an inbound frame into the transport.
func (t *Transport) Push(f frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }

// SentFrames returns every frame sent so far in order.
func (t *Transport) SentFrames() []frames.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]frames.Frame(nil), t.sent...)
}

func (t *Transport) Says() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.says...)
}

func (t *Transport) Hangups() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.hangups...)
}

func (t *Transport) Dials() []transports.DialRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transports.DialRequest(nil), t.dials...)
}

var (
	_ transports.Transport      = (*Transport)(nil)
	_ transports.OutboundDialer = (*Transport)(nil)
	_ transports.CallController = (*Transport)(nil)
)
