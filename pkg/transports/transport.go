package transports

import (
	"context"

	"github.com/harunnryd/outcall/pkg/frames"
)

// Transport defines a vendor-agnostic I/O boundary for call media and
// control frames. Inbound frames carry frames.MetaCallSID; outbound frames
// are routed by the same key.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// DialRequest describes one outbound call. Params travel with the media
// stream and come back on its start event.
type DialRequest struct {
	To     string
	From   string
	Params map[string]string
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, req DialRequest) (callID string, err error)
}

// CallController speaks or ends a live call outside the media stream.
type CallController interface {
	Say(ctx context.Context, callID, text string) error
	Hangup(ctx context.Context, callID string) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
