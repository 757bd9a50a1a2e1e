package deepgram

import (
	"context"
	"testing"

	"github.com/harunnryd/outcall/pkg/audio"
	"github.com/harunnryd/outcall/pkg/errorsx"
)

func TestConfigDefaultsAndFormat(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Model != "nova-2" || cfg.Language != "it" || cfg.SampleRate != 8000 || cfg.Encoding != "mulaw" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if (Config{}).Format() != audio.FormatMuLaw {
		t.Fatalf("expected mulaw by default")
	}
	if (Config{Encoding: "linear16"}).Format() != audio.FormatPCM16 {
		t.Fatalf("expected pcm16 for linear16")
	}
}

func TestTranscriptSkipsBlankText(t *testing.T) {
	type got struct {
		text  string
		final bool
	}
	var seen []got
	r := New(Config{}, "CA1", func(text string, final bool) {
		seen = append(seen, got{text, final})
	}, nil, nil)
	r.transcript("  ", true)
	r.transcript(" ho 3 sim ", false)
	r.transcript("ho 3 sim", true)
	if len(seen) != 2 || seen[0].text != "ho 3 sim" || seen[0].final || !seen[1].final {
		t.Fatalf("unexpected transcripts %+v", seen)
	}
}

func TestStartWithoutKey(t *testing.T) {
	r := New(Config{}, "CA1", nil, nil, nil)
	err := r.Start(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonSpeechAuth) {
		t.Fatalf("expected speech_auth reason, got %v", err)
	}
	if err := r.SendAudio([]byte{1}); err == nil {
		t.Fatalf("expected error before start")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
