package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunDrainsOnStop(t *testing.T) {
	var drained, started, stopped atomic.Int32
	r := NewLifecycleRunner(DrainerFunc(func() error {
		drained.Add(1)
		return nil
	}), Hooks{
		OnStart: func() { started.Add(1) },
		OnStop:  func() { stopped.Add(1) },
		Quiet:   true,
	}, time.Second)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()
	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never reached running, state %s", r.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if drained.Load() != 1 || started.Load() != 1 || stopped.Load() != 1 {
		t.Fatalf("drained=%d started=%d stopped=%d", drained.Load(), started.Load(), stopped.Load())
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	r := NewLifecycleRunner(nil, Hooks{Quiet: true}, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on second run, got %v", err)
	}
}

func TestDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(DrainerFunc(func() error {
		<-block
		return nil
	}), Hooks{Quiet: true}, 20*time.Millisecond)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}
