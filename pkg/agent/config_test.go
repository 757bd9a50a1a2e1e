package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/outcall/pkg/turn"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("OUTCALL_TEST_KEY", "sk-test")
	t.Setenv("OUTCALL_TEST_TOKEN", "tok")
	path := writeConfig(t, `
transports:
  provider: twilio
  settings:
    server_addr: ":9000"
vendors:
  speech:
    provider: realtime
    settings:
      api_key: ${OUTCALL_TEST_KEY}
  llm:
    provider: openai
    settings:
      api_key: ${OUTCALL_TEST_KEY}
control:
  token: ${OUTCALL_TEST_TOKEN}
conversation:
  prompts:
    closing: "Grazie {first_name}."
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Vendors.Speech.Settings["api_key"]; got != "sk-test" {
		t.Fatalf("speech api_key not expanded: %v", got)
	}
	if cfg.Control.Token != "tok" {
		t.Fatalf("control token not expanded: %q", cfg.Control.Token)
	}
	if cfg.Speech.CommitFrames != 50 || cfg.Speech.PendingCapacity != 50 {
		t.Fatalf("unexpected speech defaults %+v", cfg.Speech)
	}
	if cfg.Session.IdleTimeout != 120*time.Second || cfg.Session.SweepInterval != 15*time.Second {
		t.Fatalf("unexpected session defaults %+v", cfg.Session)
	}
	if cfg.Speech.DegradedPromptInterval != 8*time.Second || cfg.Speech.ReconnectBackoff != 2*time.Second {
		t.Fatalf("unexpected degraded defaults %+v", cfg.Speech)
	}
	if cfg.VAD.Threshold != 0.02 || cfg.Turn.Strategy != string(turn.StrategyAggressive) {
		t.Fatalf("unexpected turn defaults vad=%v turn=%+v", cfg.VAD, cfg.Turn)
	}
	if !cfg.Conversation.GreetOnStart || !cfg.Conversation.Voicemail || cfg.Conversation.AgentName != "Giulia" {
		t.Fatalf("unexpected conversation defaults %+v", cfg.Conversation)
	}
	if cfg.Conversation.Prompts["closing"] != "Grazie {first_name}." {
		t.Fatalf("prompt override lost: %v", cfg.Conversation.Prompts)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("redaction should default on")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"transports.provider": `
vendors:
  speech:
    provider: mock
`,
		"vendors.speech.provider": `
transports:
  provider: mock
`,
		"turn.strategy": `
transports:
  provider: mock
vendors:
  speech:
    provider: mock
turn:
  strategy: rude
`,
		"vad.threshold": `
transports:
  provider: mock
vendors:
  speech:
    provider: mock
vad:
  threshold: 3
`,
	}
	for field, body := range cases {
		t.Run(field, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			if err == nil || !strings.Contains(err.Error(), field) {
				t.Fatalf("expected error naming %s, got %v", field, err)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestBuildLLMWithoutKeyFallsBackToTruncate(t *testing.T) {
	r := DefaultProviders(nil)
	c, err := r.BuildLLM(VendorConfig{Provider: "openai"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if c == nil || c.Name() != "truncate" {
		t.Fatalf("expected truncate fallback, got %v", c)
	}
	none, err := r.BuildLLM(VendorConfig{})
	if err != nil || none != nil {
		t.Fatalf("empty provider should mean no completer, got %v %v", none, err)
	}
	scripted, err := r.BuildLLM(VendorConfig{Provider: "mock", Settings: map[string]any{"response_text": "va bene"}})
	if err != nil {
		t.Fatalf("build mock: %v", err)
	}
	if got, _ := scripted.Complete(t.Context(), "ciao"); got != "va bene" {
		t.Fatalf("mock completer replied %q", got)
	}
	if _, err := r.BuildLLM(VendorConfig{Provider: "oracle"}); err == nil {
		t.Fatalf("expected unregistered provider error")
	}
}
