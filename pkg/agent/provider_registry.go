package agent

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/outcall/pkg/configutil"
	"github.com/harunnryd/outcall/pkg/llm"
	"github.com/harunnryd/outcall/pkg/providers/mock"
	"github.com/harunnryd/outcall/pkg/providers/openai"
	"github.com/harunnryd/outcall/pkg/providers/realtime"
	"github.com/harunnryd/outcall/pkg/providers/split"
	"github.com/harunnryd/outcall/pkg/speech"
	"github.com/harunnryd/outcall/pkg/transports"
	transportmock "github.com/harunnryd/outcall/pkg/transports/mock"
	"github.com/harunnryd/outcall/pkg/transports/twilio"
)

// LLMFactory builds a completer from vendors.llm.settings. A nil completer
// means scripted prompts are spoken verbatim.
type LLMFactory func(settings map[string]any) (llm.Completer, error)

type TransportFactory func(settings map[string]any) (transports.Transport, error)

type ProviderRegistry struct {
	speech     *speech.ProviderRegistry
	llm        map[string]LLMFactory
	transports map[string]TransportFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		speech:     speech.NewProviderRegistry(),
		llm:        make(map[string]LLMFactory),
		transports: make(map[string]TransportFactory),
	}
}

// DefaultProviders registers every built-in speech, completion and
// transport provider.
func DefaultProviders(logger *slog.Logger) *ProviderRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := NewProviderRegistry()

	r.RegisterSpeech("realtime", func(settings map[string]any) (speech.Adapter, error) {
		cfg, err := realtime.ConfigFromSettings(settings)
		if err != nil {
			return nil, err
		}
		return realtime.New(cfg, logger)
	})
	r.RegisterSpeech("split", func(settings map[string]any) (speech.Adapter, error) {
		cfg, err := split.ConfigFromSettings(settings)
		if err != nil {
			return nil, err
		}
		return split.New(cfg, logger), nil
	})
	r.RegisterSpeech("mock", func(settings map[string]any) (speech.Adapter, error) {
		var raw struct {
			Transcripts    []string `mapstructure:"transcripts"`
			ChunksPerReply int      `mapstructure:"chunks_per_reply"`
		}
		if err := configutil.DecodeSettings(settings, &raw); err != nil {
			return nil, err
		}
		return mock.NewSpeechAdapter(mock.SpeechConfig{
			Transcripts:    raw.Transcripts,
			AutoSynthesize: true,
			ChunksPerReply: raw.ChunksPerReply,
		}), nil
	})

	r.RegisterLLM("openai", func(settings map[string]any) (llm.Completer, error) {
		cfg, err := openai.ConfigFromSettings(settings)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.APIKey) == "" {
			logger.Warn("llm_credentials_missing", "provider", "openai", "fallback", "truncate")
			return llm.TruncateCompleter{Limit: llm.DefaultTruncateRunes}, nil
		}
		return openai.NewAdapter(cfg), nil
	})
	r.RegisterLLM("truncate", func(settings map[string]any) (llm.Completer, error) {
		var raw struct {
			Limit int `mapstructure:"limit"`
		}
		if err := configutil.DecodeSettings(settings, &raw); err != nil {
			return nil, err
		}
		return llm.TruncateCompleter{Limit: raw.Limit}, nil
	})
	r.RegisterLLM("mock", func(settings map[string]any) (llm.Completer, error) {
		var raw struct {
			ResponseText string        `mapstructure:"response_text"`
			Delay        time.Duration `mapstructure:"delay"`
		}
		if err := configutil.DecodeSettings(settings, &raw); err != nil {
			return nil, err
		}
		return mock.NewCompleter(mock.LLMConfig{ResponseText: raw.ResponseText, Delay: raw.Delay}), nil
	})
	r.RegisterLLM("none", func(map[string]any) (llm.Completer, error) { return nil, nil })

	r.RegisterTransport("twilio", func(settings map[string]any) (transports.Transport, error) {
		cfg, err := twilio.ConfigFromSettings(settings)
		if err != nil {
			return nil, err
		}
		return twilio.New(cfg, logger), nil
	})
	r.RegisterTransport("mock", func(map[string]any) (transports.Transport, error) {
		return transportmock.New(), nil
	})
	return r
}

func (r *ProviderRegistry) RegisterSpeech(name string, factory speech.Factory) {
	r.speech.Register(name, factory)
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transports[normalizeName(name)] = factory
}

func (r *ProviderRegistry) BuildSpeech(vendor VendorConfig) (speech.Adapter, error) {
	return r.speech.Build(vendor.Provider, vendor.Settings)
}

func (r *ProviderRegistry) BuildLLM(vendor VendorConfig) (llm.Completer, error) {
	name := normalizeName(vendor.Provider)
	if name == "" {
		name = "none"
	}
	fn := r.llm[name]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", vendor.Provider)
	}
	return fn(vendor.Settings)
}

func (r *ProviderRegistry) BuildTransport(cfg TransportsConfig) (transports.Transport, error) {
	fn := r.transports[normalizeName(cfg.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", cfg.Provider)
	}
	return fn(cfg.Settings)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
