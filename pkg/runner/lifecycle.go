package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrDrainTimeout = errors.New("drain timeout")
)

// LifecycleRunner starts an engine, blocks until it is asked to stop and
// drains it within a bounded time.
type LifecycleRunner struct {
	state    atomic.Int32
	stopCh   chan struct{}
	stopReq  sync.Once
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	timeout  time.Duration
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &LifecycleRunner{
		stopCh:  make(chan struct{}),
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
	}
	r.setState(StateNew)
	return r
}

// Run blocks until ctx ends or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return ErrInvalidState
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !r.hooks.Quiet {
		PrintBanner()
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.casState(StateStarting, StateRunning)
	select {
	case <-ctx.Done():
	case <-r.stopCh:
	}
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.stopReq.Do(func() { close(r.stopCh) })
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			done := make(chan error, 1)
			go func() { done <- r.drainer.Drain() }()
			select {
			case err := <-done:
				r.stopErr = err
			case <-time.After(r.timeout):
				r.stopErr = ErrDrainTimeout
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	r.state.Store(int32(s))
}
