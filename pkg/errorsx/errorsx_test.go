package errorsx

import (
	"errors"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonSpeechConnect)
	if Reason(err) != ReasonSpeechConnect {
		t.Fatalf("expected reason %s, got %s", ReasonSpeechConnect, Reason(err))
	}
	if !HasReason(err, ReasonSpeechConnect) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonMalformedFrame)
	second := Wrap(first, ReasonCompletion)
	if Reason(second) != ReasonMalformedFrame {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestWrapfKeepsCause(t *testing.T) {
	err := Wrapf(assertErr{}, ReasonSpeechAuth, "open %s", "CA1")
	if !errors.Is(err, assertErr{}) {
		t.Fatalf("expected cause to be preserved")
	}
	if err.Error() != "open CA1: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !Degrades(Reason(err)) {
		t.Fatalf("expected speech auth to degrade the session")
	}
	if Degrades(ReasonMalformedFrame) {
		t.Fatalf("malformed frames must not degrade the session")
	}
}

func TestNilPassthrough(t *testing.T) {
	if Wrap(nil, ReasonDial) != nil || Wrapf(nil, ReasonDial, "x") != nil {
		t.Fatalf("expected nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
