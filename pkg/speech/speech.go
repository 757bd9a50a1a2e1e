// Package speech defines the per-call connection to a speech provider that
// recognizes caller audio and synthesizes replies.
package speech

import (
	"context"
	"errors"
	"time"

	"github.com/harunnryd/outcall/pkg/audio"
)

var (
	// ErrProviderAuth means credentials are missing or rejected.
	ErrProviderAuth = errors.New("speech provider authentication failed")
	// ErrConnection means the provider could not be reached or dropped.
	ErrConnection = errors.New("speech provider connection failed")
	// ErrSynthesisRequest means a synthesis request could not be sent.
	ErrSynthesisRequest = errors.New("speech synthesis request failed")
)

// Adapter opens provider sessions. Open is idempotent per call id while the
// session stays open.
type Adapter interface {
	Name() string
	// InputFormat is the sample format PushAudio forwards to the provider.
	InputFormat() audio.Format
	// OutputFormat is the encoding of EventAudio chunks.
	OutputFormat() audio.Format
	Open(ctx context.Context, callID string, sink Sink) (Session, error)
}

// Session is one open provider connection for one call.
type Session interface {
	CallID() string
	// Ready reports whether the connection can accept audio.
	Ready() bool
	// PushAudio forwards PCM16LE audio; false means the caller should buffer.
	PushAudio(pcm []byte) bool
	// Commit marks the end of an utterance.
	Commit() bool
	// RequestSynthesis starts speaking text. Audio for the returned
	// generation arrives as EventAudio.
	RequestSynthesis(text string) (uint64, bool)
	// CancelSynthesis stops the in-flight reply; later chunks of it are
	// never delivered with a current generation.
	CancelSynthesis()
	Close() error
}

// Sink receives provider events in the order the provider emitted them.
type Sink func(Event)

// EventKind is the closed set of provider message kinds.
type EventKind int

const (
	EventPartial EventKind = iota + 1
	EventFinal
	EventAudio
	EventSynthesisDone
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventAudio:
		return "audio"
	case EventSynthesisDone:
		return "synthesis_done"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind   EventKind
	CallID string
	// Text is set for EventPartial and EventFinal.
	Text string
	// Chunk is a base64 string or raw bytes in the adapter's OutputFormat.
	Chunk any
	// Generation stamps EventAudio and EventSynthesisDone.
	Generation uint64
	Err        error
	At         time.Time
}

// Handler must handle every kind; Dispatch is the only switch over kinds.
type Handler interface {
	OnPartial(text string)
	OnFinal(text string)
	OnAudio(chunk any, generation uint64)
	OnSynthesisDone(generation uint64)
	OnError(err error)
	OnClosed(err error)
}

// Dispatch routes ev to the matching Handler method. Unknown kinds are
// reported as errors.
func Dispatch(ev Event, h Handler) {
	switch ev.Kind {
	case EventPartial:
		h.OnPartial(ev.Text)
	case EventFinal:
		h.OnFinal(ev.Text)
	case EventAudio:
		h.OnAudio(ev.Chunk, ev.Generation)
	case EventSynthesisDone:
		h.OnSynthesisDone(ev.Generation)
	case EventError:
		h.OnError(ev.Err)
	case EventClosed:
		h.OnClosed(ev.Err)
	default:
		h.OnError(errors.New("unknown speech event kind " + ev.Kind.String()))
	}
}
