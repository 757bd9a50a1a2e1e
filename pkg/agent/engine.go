// Package agent assembles an outbound calling engine from configuration:
// transport, speech provider, completion, event sinks and the per-call
// orchestrators.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/harunnryd/outcall/pkg/control"
	"github.com/harunnryd/outcall/pkg/conversation"
	"github.com/harunnryd/outcall/pkg/events"
	"github.com/harunnryd/outcall/pkg/frames"
	"github.com/harunnryd/outcall/pkg/llm"
	"github.com/harunnryd/outcall/pkg/logging"
	"github.com/harunnryd/outcall/pkg/orchestrator"
	"github.com/harunnryd/outcall/pkg/redact"
	"github.com/harunnryd/outcall/pkg/resilience"
	"github.com/harunnryd/outcall/pkg/runner"
	"github.com/harunnryd/outcall/pkg/session"
	"github.com/harunnryd/outcall/pkg/speech"
	"github.com/harunnryd/outcall/pkg/transports"
	"github.com/harunnryd/outcall/pkg/turn"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Transport, Speech and Completer replace the configured providers.
	Transport transports.Transport
	Speech    speech.Adapter
	Completer llm.Completer
	// Events receives every call event in addition to the configured sinks.
	Events events.Sink
	Logger *slog.Logger
	// Quiet skips the start banner.
	Quiet bool
}

type Engine struct {
	cfg       Config
	base      *slog.Logger
	logger    *slog.Logger
	transport transports.Transport
	speech    speech.Adapter
	completer llm.Completer
	machine   *conversation.Machine
	sessions  *session.Manager
	sink      events.Sink
	async     *events.AsyncSink
	control   *control.Server
	runner    *runner.LifecycleRunner
	callCfg   orchestrator.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	calls map[string]*orchestrator.Call
	// machines holds answering-machine results that arrived before the
	// media stream started.
	machines map[string]string
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.SetDefault(cfg.LogLevel, cfg.LogFormat)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders(logger)
	}

	transport := opts.Transport
	if transport == nil {
		t, err := providers.BuildTransport(cfg.Transports)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		transport = t
	}
	adapter := opts.Speech
	if adapter == nil {
		a, err := providers.BuildSpeech(cfg.Vendors.Speech)
		if err != nil {
			return nil, fmt.Errorf("speech: %w", err)
		}
		adapter = a
	}
	completer := opts.Completer
	if completer == nil {
		c, err := providers.BuildLLM(cfg.Vendors.LLM)
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		completer = resilientCompleter(c, cfg.Completion, logger)
	}
	strategy, err := turn.ParseStrategy(cfg.Turn.Strategy)
	if err != nil {
		return nil, err
	}

	logger.Info("outcall_init",
		"environment", cfg.Environment,
		"speech_provider", adapter.Name(),
		"llm_provider", completerName(completer),
		"transport", transport.Name(),
	)

	e := &Engine{
		cfg:       cfg,
		base:      logger,
		logger:    logging.NewComponentLogger(logger, "engine"),
		transport: transport,
		speech:    adapter,
		completer: completer,
		machine: conversation.NewMachine(conversation.Config{
			AgentName: cfg.Conversation.AgentName,
			Prompts:   cfg.Conversation.Prompts,
		}, logger),
		sessions: session.NewManager(session.Options{PendingCapacity: cfg.Speech.PendingCapacity}),
		callCfg: orchestrator.Config{
			Turn: turn.Config{
				Strategy:  strategy,
				Threshold: cfg.VAD.Threshold,
				MinFrames: cfg.Turn.MinFrames,
			},
			CommitFrames:           cfg.Speech.CommitFrames,
			ReconnectBackoff:       cfg.Speech.ReconnectBackoff,
			DegradedPromptInterval: cfg.Speech.DegradedPromptInterval,
			GreetOnStart:           cfg.Conversation.GreetOnStart,
			Voicemail:              cfg.Conversation.Voicemail,
			CompletionTimeout:      cfg.Completion.Timeout,
		},
		calls:    make(map[string]*orchestrator.Call),
		machines: make(map[string]string),
	}
	e.sink, e.async = buildSinks(cfg.Events, opts.Events, logger)
	if dialer, ok := transport.(transports.OutboundDialer); ok {
		e.control = control.New(cfg.Control, dialer, e.sink, logger)
	}

	drain := configDuration(cfg.Shutdown.DrainTimeout, 20*time.Second)
	e.runner = runner.NewLifecycleRunner(e, runner.Hooks{
		OnStart: e.onStart,
		OnStop: func() {
			e.logger.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"active_calls", e.sessions.Count(),
			)
		},
		Quiet: opts.Quiet,
	}, drain+5*time.Second)
	return e, nil
}

func resilientCompleter(c llm.Completer, cfg CompletionConfig, logger *slog.Logger) llm.Completer {
	if c == nil {
		return nil
	}
	if _, local := c.(llm.TruncateCompleter); local {
		return c
	}
	retrying := llm.NewRetryingCompleter(c, llm.RetryConfig{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      0.2,
	})
	breaker := resilience.NewCircuitBreaker(cfg.BreakerThreshold, configDuration(cfg.BreakerCooldown, 30*time.Second))
	return llm.LimitCompleter{
		Inner:        llm.NewCircuitBreakerCompleter(retrying, breaker, logger),
		MaxSentences: cfg.MaxSentences,
		MaxChars:     cfg.MaxChars,
	}
}

func buildSinks(cfg EventsConfig, extra events.Sink, logger *slog.Logger) (events.Sink, *events.AsyncSink) {
	var sinks []events.Sink
	if extra != nil {
		sinks = append(sinks, extra)
	}
	if cfg.Log {
		sinks = append(sinks, events.NewLogSink(logger, slog.LevelInfo))
	}
	var async *events.AsyncSink
	if cfg.Webhook.URL != "" {
		async = events.NewAsyncSink(events.NewWebhookSink(cfg.Webhook, logger), cfg.Buffer)
		sinks = append(sinks, async)
	}
	switch len(sinks) {
	case 0:
		return events.NoopSink{}, nil
	case 1:
		return sinks[0], async
	}
	return events.NewMultiSink(sinks...), async
}

func completerName(c llm.Completer) string {
	if c == nil {
		return "none"
	}
	return c.Name()
}

func configDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

// Start brings up the transport (with the control API mounted beside it
// when the transport serves HTTP) and begins routing calls.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	if err := e.startTransport(e.ctx); err != nil {
		e.cancel()
		return err
	}
	go e.routeTransport(e.ctx)
	go e.sweep(e.ctx)
	go func() {
		if err := e.runner.Run(e.ctx); err != nil {
			e.logger.Warn("runner_stopped", "error", err)
		}
	}()
	return nil
}

func (e *Engine) startTransport(ctx context.Context) error {
	type httpStarter interface {
		StartWith(ctx context.Context, extra http.Handler) error
	}
	if s, ok := e.transport.(httpStarter); ok && e.control != nil {
		return s.StartWith(ctx, e.control.Handler())
	}
	return e.transport.Start(ctx)
}

// Stop drains live calls and shuts the transport down.
func (e *Engine) Stop() error {
	err := e.runner.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return err
}

// Drain refuses new calls, ends the live ones and waits for their sessions
// to be destroyed.
func (e *Engine) Drain() error {
	e.sessions.SetDraining(true)
	for _, call := range e.activeCalls() {
		call.Stop("shutdown")
	}
	ctx, cancel := context.WithTimeout(context.Background(), configDuration(e.cfg.Shutdown.DrainTimeout, 20*time.Second))
	defer cancel()
	drained := e.sessions.WaitForEmpty(ctx, 50*time.Millisecond)
	if !drained {
		e.sessions.CloseAll()
	}
	_ = e.transport.Stop()
	if e.async != nil {
		e.async.Close()
	}
	if !drained {
		return runner.ErrDrainTimeout
	}
	return nil
}

func (e *Engine) onStart() {
	fields := []any{
		"transport", e.transport.Name(),
		"speech_provider", e.speech.Name(),
	}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	e.logger.Info("engine_ready", fields...)
}

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			e.route(f)
		}
	}
}

func (e *Engine) route(f frames.Frame) {
	meta := f.Meta()
	callID := meta[frames.MetaCallSID]
	if callID == "" {
		e.logger.Debug("frame_without_call", "kind", string(f.Kind()))
		return
	}
	if call := e.call(callID); call != nil {
		if call.Deliver(f) {
			return
		}
		// The call ended but its cleanup has not run yet. A reused call id
		// starts over below.
		e.forget(callID, call)
	}
	sf, ok := f.(frames.SystemFrame)
	if !ok {
		return
	}
	switch sf.Name() {
	case frames.SystemCallStart, frames.SystemCallReconnect:
		if call := e.startCall(callID, meta); call != nil {
			call.Deliver(f)
		}
	case frames.SystemMachineDetected:
		e.machineBeforeStream(callID, meta)
	case frames.SystemCallStatus:
		e.sink.Record(events.Event{
			Type:   events.TypeStatus,
			CallID: callID,
			RowID:  meta[frames.MetaRowID],
			Status: meta[frames.MetaCallStatus],
			Time:   time.Now(),
		})
	case frames.SystemCallEnd:
		e.mu.Lock()
		delete(e.machines, callID)
		e.mu.Unlock()
	}
}

func (e *Engine) startCall(callID string, meta map[string]string) *orchestrator.Call {
	if e.sessions.Draining() {
		e.logger.Warn("call_rejected_draining", "call_id", callID)
		return nil
	}
	sess, _ := e.sessions.Create(callID, session.Meta{
		FirstName: meta[frames.MetaFirstName],
		RowID:     meta[frames.MetaRowID],
		StreamID:  meta[frames.MetaStreamID],
		TraceID:   meta[frames.MetaTraceID],
	})

	e.mu.Lock()
	if _, ok := e.machines[callID]; ok {
		sess.MarkMachine()
		delete(e.machines, callID)
	}
	call := orchestrator.New(e.callCfg, orchestrator.Deps{
		Sessions:  e.sessions,
		Speech:    e.speech,
		Machine:   e.machine,
		Transport: e.transport,
		Completer: e.completer,
		Events:    e.sink,
		Logger:    e.base,
	}, sess)
	e.calls[callID] = call
	e.mu.Unlock()

	call.Start(e.ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		<-call.Done()
		e.forget(callID, call)
	}()
	e.logger.Info("call_started", "call_id", callID, "stream_id", meta[frames.MetaStreamID])
	return call
}

func (e *Engine) forget(callID string, call *orchestrator.Call) {
	e.mu.Lock()
	if e.calls[callID] == call {
		delete(e.calls, callID)
	}
	e.mu.Unlock()
}

// machineBeforeStream answers a machine detected before any media arrived.
// A stream that starts later for the same call opens with the conversation
// already suppressed.
func (e *Engine) machineBeforeStream(callID string, meta map[string]string) {
	answeredBy := meta[frames.MetaAnsweredBy]
	e.mu.Lock()
	_, seen := e.machines[callID]
	e.machines[callID] = answeredBy
	e.mu.Unlock()
	if seen {
		return
	}
	e.logger.Info("answering_machine_detected", "call_id", callID, "answered_by", answeredBy)
	e.sink.Record(events.Event{
		Type:   events.TypeMachine,
		CallID: callID,
		RowID:  meta[frames.MetaRowID],
		Status: answeredBy,
		Time:   time.Now(),
	})
	vars := session.Meta{FirstName: meta[frames.MetaFirstName], RowID: meta[frames.MetaRowID]}.Vars()
	if err := e.transport.Send(orchestrator.MachineResponse(e.machine, callID, vars, e.cfg.Conversation.Voicemail)); err != nil {
		e.logger.Warn("transport_send_failed", "call_id", callID, "error", err)
	}
}

func (e *Engine) sweep(ctx context.Context) {
	idle := e.cfg.Session.IdleTimeout
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(configDuration(e.cfg.Session.SweepInterval, 15*time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.SweepIdle(now)
		}
	}
}

// SweepIdle ends every call idle for longer than session.idle_timeout at now
// and returns their ids.
func (e *Engine) SweepIdle(now time.Time) []string {
	stale := e.sessions.Sweep(now, e.cfg.Session.IdleTimeout)
	for _, id := range stale {
		e.logger.Info("session_idle_expired", "call_id", id)
		if call := e.call(id); call != nil {
			call.Stop("idle_timeout")
			continue
		}
		e.sessions.Destroy(id)
	}
	return stale
}

func (e *Engine) call(callID string) *orchestrator.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[callID]
}

func (e *Engine) activeCalls() []*orchestrator.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*orchestrator.Call, 0, len(e.calls))
	for _, c := range e.calls {
		out = append(out, c)
	}
	return out
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Control is nil when the transport cannot place calls.
func (e *Engine) Control() *control.Server { return e.control }

func (e *Engine) State() runner.State { return e.runner.State() }

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	if e.sessions.Draining() {
		return fmt.Errorf("draining")
	}
	return nil
}
