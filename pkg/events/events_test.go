package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWebhookSinkPostsJSON(t *testing.T) {
	got := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		got <- ev
	}))
	defer srv.Close()

	NewWebhookSink(WebhookConfig{URL: srv.URL, Token: "tok"}, nil).Record(Event{Type: TypeStatus, CallID: "CA1", Status: "completed", Time: time.Now()})
	select {
	case ev := <-got:
		if ev.Type != TypeStatus || ev.CallID != "CA1" || ev.Status != "completed" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook not called")
	}
}

func TestWebhookSinkRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	if err := NewWebhookSink(WebhookConfig{URL: srv.URL, Retries: 2}, nil).Deliver(t.Context(), Event{Type: TypeState}); err != nil {
		t.Fatalf("expected delivery after retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestWebhookSinkFailuresAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	sink := NewWebhookSink(WebhookConfig{URL: srv.URL, Retries: 3}, nil)
	if err := sink.Deliver(t.Context(), Event{}); err == nil {
		t.Fatalf("expected delivery error")
	}
	sink.Record(Event{})
}

type blockingSink struct {
	release chan struct{}
	seen    atomic.Int32
}

func (b *blockingSink) Record(Event) {
	<-b.release
	b.seen.Add(1)
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	inner := &blockingSink{release: make(chan struct{})}
	a := NewAsyncSink(inner, 1)
	for i := 0; i < 5; i++ {
		a.Record(Event{Type: TypeTranscript})
	}
	if a.Dropped() == 0 {
		t.Fatalf("expected drops with a full queue")
	}
	close(inner.release)
	a.Close()
	if inner.seen.Load()+int32(a.Dropped()) != 5 {
		t.Fatalf("delivered %d dropped %d", inner.seen.Load(), a.Dropped())
	}
	a.Record(Event{})
}

func TestMultiSinkAndMemory(t *testing.T) {
	m1, m2 := NewMemorySink(), NewMemorySink()
	multi := NewMultiSink(m1, nil, m2)
	multi.Record(Event{Type: TypeReply, Reply: "ciao"})
	multi.Record(Event{Type: TypeState, State: "ASK_SIM"})
	if len(m1.Events()) != 2 || len(m2.OfType(TypeState)) != 1 {
		t.Fatalf("unexpected fan-out %v %v", m1.Events(), m2.Events())
	}
	NewLogSink(nil, 0).Record(Event{Type: TypeTranscript, Transcript: "ho 3 sim"})
}
