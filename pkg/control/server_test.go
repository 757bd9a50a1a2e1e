package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/outcall/pkg/events"
	"github.com/harunnryd/outcall/pkg/frames"
	"github.com/harunnryd/outcall/pkg/transports/mock"
)

func post(h http.Handler, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/start-call", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStartCallQueues(t *testing.T) {
	tr := mock.New()
	sink := events.NewMemorySink()
	h := New(Config{Token: "secret"}, tr, sink, nil).Handler()

	w := post(h, "Bearer secret", `{"first_name":"Marco","phone_number":"+393331234567","row_id":"r-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	var resp StartCallResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "queued" || resp.CallID == "" || resp.CallSID != resp.CallID {
		t.Fatalf("unexpected response %+v", resp)
	}
	dials := tr.Dials()
	if len(dials) != 1 || dials[0].To != "+393331234567" || dials[0].Params[frames.MetaFirstName] != "Marco" || dials[0].Params[frames.MetaRowID] != "r-1" {
		t.Fatalf("unexpected dial %+v", dials)
	}
	if got := sink.OfType(events.TypeStatus); len(got) != 1 || got[0].Status != "queued" || got[0].RowID != "r-1" {
		t.Fatalf("expected queued status event, got %+v", got)
	}
}

func TestStartCallRejects(t *testing.T) {
	tr := mock.New()
	h := New(Config{Token: "secret"}, tr, nil, nil).Handler()

	if w := post(h, "", `{"phone_number":"+39"}`); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", w.Code)
	}
	if w := post(h, "Bearer wrong", `{"phone_number":"+39"}`); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong token, got %d", w.Code)
	}
	if w := post(h, "Bearer secret", `{"first_name":"Marco"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without phone, got %d", w.Code)
	}
	tr.DialErr = errors.New("twilio down")
	if w := post(h, "Bearer secret", `{"phone_number":"+39"}`); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on dial failure, got %d", w.Code)
	}
	if len(tr.Dials()) != 0 {
		t.Fatalf("rejected requests must not dial")
	}
}

func TestHealth(t *testing.T) {
	h := New(Config{}, nil, nil, nil).Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("unexpected health %d %q", w.Code, w.Body.String())
	}
}
