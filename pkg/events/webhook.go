package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/outcall/pkg/configutil"
	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/logging"
	"github.com/harunnryd/outcall/pkg/resilience"
)

type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// WebhookSink POSTs each event as JSON. Delivery failures are logged and
// dropped; wrap it in an AsyncSink to keep calls off the network path.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
	retry  resilience.RetryPolicy
	logger *slog.Logger
}

func NewWebhookSink(cfg WebhookConfig, logger *slog.Logger) *WebhookSink {
	cfg.Timeout = configutil.DurationValue(cfg.Timeout, 5*time.Second)
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		retry:  resilience.NewRetryPolicy(cfg.Retries, 250*time.Millisecond),
		logger: logging.NewComponentLogger(logger, "webhook_sink"),
	}
}

func (w *WebhookSink) Record(ev Event) {
	if w.cfg.URL == "" {
		return
	}
	if err := w.Deliver(context.Background(), ev); err != nil {
		w.logger.Warn("event_delivery_failed",
			slog.String("type", string(ev.Type)),
			slog.String("call_id", ev.CallID),
			slog.String("error", err.Error()),
		)
	}
}

// Deliver sends one event, retrying transient failures.
func (w *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEventSink)
	}
	err = w.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: %w", err, resilience.ErrPermanent)
		}
		req.Header.Set("Content-Type", "application/json")
		if w.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook status %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return fmt.Errorf("webhook status %d: %w", resp.StatusCode, resilience.ErrPermanent)
		}
		return nil
	})
	return errorsx.Wrap(err, errorsx.ReasonEventSink)
}
