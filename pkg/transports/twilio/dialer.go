package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/outcall/pkg/errorsx"
	"github.com/harunnryd/outcall/pkg/logging"
	"github.com/harunnryd/outcall/pkg/redact"
	"github.com/harunnryd/outcall/pkg/resilience"
	"github.com/harunnryd/outcall/pkg/transports"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places and steers calls through the Twilio REST API.
type Dialer struct {
	cfg     Config
	creator callCreator
	updater callUpdater
	retry   resilience.RetryPolicy
	logger  *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	return &Dialer{
		cfg:    cfg.withDefaults(),
		retry:  resilience.NewRetryPolicy(2, 300*time.Millisecond),
		logger: logging.NewComponentLogger(logger, "twilio_dialer"),
	}
}

// Dial places an outbound call that connects straight to the media stream,
// with answering-machine detection and status callbacks enabled.
func (d *Dialer) Dial(ctx context.Context, req transports.DialRequest) (string, error) {
	from := req.From
	if from == "" {
		from = d.cfg.FromNumber
	}
	if strings.TrimSpace(req.To) == "" || from == "" {
		return "", errorsx.Wrap(errors.New("to/from required"), errorsx.ReasonDial)
	}
	if err := d.credentials(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	statusURL := d.cfg.httpURL(d.cfg.StatusCallbackPath)
	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetTwiml(streamTwiml(d.cfg.streamURL(), req.Params, "", d.cfg.Language, d.cfg.Voice))
	params.SetStatusCallback(statusURL)
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	params.SetTimeout(int(d.cfg.RingTimeout / time.Second))
	if !strings.EqualFold(d.cfg.MachineDetection, "off") {
		params.SetMachineDetection(d.cfg.MachineDetection)
		params.SetAsyncAmd("true")
		params.SetAsyncAmdStatusCallback(statusURL)
	}
	resp, err := d.createClient().CreateCall(params)
	if err != nil {
		d.logger.Error("dial_failed", slog.String("to", redact.Phone(req.To)), slog.String("error", err.Error()))
		return "", errorsx.Wrap(err, errorsx.ReasonDial)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Wrap(fmt.Errorf("missing call sid"), errorsx.ReasonDial)
	}
	d.logger.Info("call_created", slog.String("call_id", *resp.Sid), slog.String("to", redact.Phone(req.To)))
	return *resp.Sid, nil
}

// Say replaces the call's instructions with spoken text and reconnects the
// media stream afterwards with the same params.
func (d *Dialer) Say(ctx context.Context, callID, text string, params map[string]string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	update := &api.UpdateCallParams{}
	update.SetTwiml(streamTwiml(d.cfg.streamURL(), params, text, d.cfg.Language, d.cfg.Voice))
	return d.update(ctx, callID, update)
}

// SayAndHangup speaks text and then ends the call.
func (d *Dialer) SayAndHangup(ctx context.Context, callID, text string) error {
	update := &api.UpdateCallParams{}
	update.SetTwiml(sayTwiml(text, d.cfg.Language, d.cfg.Voice, true))
	return d.update(ctx, callID, update)
}

func (d *Dialer) Hangup(ctx context.Context, callID string) error {
	update := &api.UpdateCallParams{}
	update.SetStatus("completed")
	return d.update(ctx, callID, update)
}

func (d *Dialer) update(ctx context.Context, callID string, params *api.UpdateCallParams) error {
	if strings.TrimSpace(callID) == "" {
		return errorsx.Wrap(errors.New("call sid required"), errorsx.ReasonTransportSend)
	}
	if err := d.credentials(); err != nil {
		return err
	}
	client := d.updateClient()
	err := d.retry.Do(ctx, func(context.Context) error {
		_, err := client.UpdateCall(callID, params)
		return err
	})
	if err != nil {
		d.logger.Warn("call_update_failed", slog.String("call_id", callID), slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

func (d *Dialer) credentials() error {
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return errorsx.Wrap(fmt.Errorf("missing twilio credentials: %w", resilience.ErrPermanent), errorsx.ReasonDial)
	}
	return nil
}

func (d *Dialer) rest() *twilio.RestClient {
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
}

func (d *Dialer) createClient() callCreator {
	if d.creator != nil {
		return d.creator
	}
	return d.rest().Api
}

func (d *Dialer) updateClient() callUpdater {
	if d.updater != nil {
		return d.updater
	}
	return d.rest().Api
}
