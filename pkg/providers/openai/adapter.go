// Package openai completes reply text through the chat-completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/outcall/pkg/configutil"
	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/resilience"
)

const (
	DefaultBaseURL      = "https://api.openai.com/v1"
	DefaultModel        = "gpt-4o-mini"
	DefaultSystemPrompt = "Sei Giulia, risposte brevi e chiare."
	DefaultMaxTokens    = 250
)

type Config struct {
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	BaseURL      string        `mapstructure:"base_url"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float64       `mapstructure:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

var SettingsSchema = configutil.Schema{
	Optional: []string{"api_key", "model", "base_url", "system_prompt", "max_tokens", "temperature", "timeout"},
}

func ConfigFromSettings(settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.ValidateSettings("vendors.llm.settings", settings, SettingsSchema); err != nil {
		return cfg, err
	}
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type Adapter struct {
	cfg    Config
	Client *http.Client
}

func NewAdapter(cfg Config) *Adapter {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	cfg.Timeout = configutil.DurationValue(cfg.Timeout, 20*time.Second)
	return &Adapter{
		cfg:    cfg,
		Client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Complete(ctx context.Context, prompt string) (string, error) {
	if a.cfg.APIKey == "" {
		return "", errorsx.Wrap(fmt.Errorf("openai api key missing: %w", resilience.ErrPermanent), errorsx.ReasonCompletion)
	}
	body, err := a.buildRequest(prompt)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(a.cfg.BaseURL, "/")+"/chat/completions", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	resp, err := a.client().Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonCompletion)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(resp.Body)
		return "", resilience.RateLimitError{Provider: "openai", Message: string(msg)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("openai status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode < 500 {
			err = fmt.Errorf("%w: %w", err, resilience.ErrPermanent)
		}
		return "", errorsx.Wrap(err, errorsx.ReasonCompletion)
	}
	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonCompletion)
	}
	if len(payload.Choices) == 0 {
		return "", errorsx.Wrap(errors.New("openai returned no choices"), errorsx.ReasonCompletion)
	}
	return strings.TrimSpace(payload.Choices[0].Message.Content), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (a *Adapter) buildRequest(prompt string) (*bytes.Buffer, error) {
	b, err := json.Marshal(chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: a.cfg.SystemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}
