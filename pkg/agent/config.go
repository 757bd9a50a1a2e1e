package agent

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/outcall/pkg/control"
	"github.com/harunnryd/outcall/pkg/events"
	"github.com/harunnryd/outcall/pkg/turn"
)

type Config struct {
	Environment  string             `mapstructure:"environment"`
	LogLevel     string             `mapstructure:"log_level"`
	LogFormat    string             `mapstructure:"log_format"`
	Transports   TransportsConfig   `mapstructure:"transports"`
	Vendors      VendorsConfig      `mapstructure:"vendors"`
	VAD          VADConfig          `mapstructure:"vad"`
	Turn         TurnConfig         `mapstructure:"turn"`
	Speech       SpeechConfig       `mapstructure:"speech"`
	Completion   CompletionConfig   `mapstructure:"completion"`
	Session      SessionConfig      `mapstructure:"session"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Events       EventsConfig       `mapstructure:"events"`
	Control      control.Config     `mapstructure:"control"`
	Privacy      PrivacyConfig      `mapstructure:"privacy"`
	Shutdown     ShutdownConfig     `mapstructure:"shutdown"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	Speech VendorConfig `mapstructure:"speech"`
	LLM    VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VADConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

type TurnConfig struct {
	Strategy  string `mapstructure:"strategy"`
	MinFrames int    `mapstructure:"min_frames"`
}

type SpeechConfig struct {
	CommitFrames           int           `mapstructure:"commit_frames"`
	PendingCapacity        int           `mapstructure:"pending_capacity"`
	ReconnectBackoff       time.Duration `mapstructure:"reconnect_backoff"`
	DegradedPromptInterval time.Duration `mapstructure:"degraded_prompt_interval"`
}

type CompletionConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	MaxSentences     int           `mapstructure:"max_sentences"`
	MaxChars         int           `mapstructure:"max_chars"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ConversationConfig struct {
	AgentName    string            `mapstructure:"agent_name"`
	Prompts      map[string]string `mapstructure:"prompts"`
	GreetOnStart bool              `mapstructure:"greet_on_start"`
	Voicemail    bool              `mapstructure:"voicemail"`
}

type EventsConfig struct {
	Webhook events.WebhookConfig `mapstructure:"webhook"`
	Buffer  int                  `mapstructure:"buffer"`
	// Log mirrors every event to the process logger.
	Log bool `mapstructure:"log"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ShutdownConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// LoadConfig reads a YAML config file, applies defaults and expands
// ${VAR} references from the environment.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("vendors.llm.provider", "truncate")
	v.SetDefault("vad.threshold", 0.02)
	v.SetDefault("turn.strategy", string(turn.StrategyAggressive))
	v.SetDefault("turn.min_frames", 1)
	v.SetDefault("speech.commit_frames", 50)
	v.SetDefault("speech.pending_capacity", 50)
	v.SetDefault("speech.reconnect_backoff", "2s")
	v.SetDefault("speech.degraded_prompt_interval", "8s")
	v.SetDefault("completion.timeout", "8s")
	v.SetDefault("completion.max_attempts", 2)
	v.SetDefault("completion.base_delay", "200ms")
	v.SetDefault("completion.max_delay", "2s")
	v.SetDefault("completion.breaker_threshold", 3)
	v.SetDefault("completion.breaker_cooldown", "30s")
	v.SetDefault("completion.max_sentences", 3)
	v.SetDefault("completion.max_chars", 420)
	v.SetDefault("session.idle_timeout", "120s")
	v.SetDefault("session.sweep_interval", "15s")
	v.SetDefault("conversation.agent_name", "Giulia")
	v.SetDefault("conversation.greet_on_start", true)
	v.SetDefault("conversation.voicemail", true)
	v.SetDefault("events.buffer", 256)
	v.SetDefault("events.log", true)
	v.SetDefault("events.webhook.timeout", "5s")
	v.SetDefault("events.webhook.retries", 2)
	v.SetDefault("control.path", "/start-call")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("shutdown.drain_timeout", "20s")
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Speech.Provider) == "" {
		return fmt.Errorf("vendors.speech.provider is required")
	}
	if c.VAD.Threshold < 0 || c.VAD.Threshold > 1 {
		return fmt.Errorf("vad.threshold must be within [0, 1], got %v", c.VAD.Threshold)
	}
	if _, err := turn.ParseStrategy(c.Turn.Strategy); err != nil {
		return fmt.Errorf("turn.strategy: %w", err)
	}
	if c.Speech.CommitFrames < 0 {
		return fmt.Errorf("speech.commit_frames must not be negative")
	}
	if c.Session.IdleTimeout > 0 && c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval is required when session.idle_timeout is set")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.Speech.Settings = expandSettings(cfg.Vendors.Speech.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(val.String())))
			}
		}
	}
}
