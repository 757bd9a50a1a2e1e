package events

import (
	"sync"
	"sync/atomic"
)

// AsyncSink hands events to a background goroutine through a bounded queue.
// Events that do not fit are counted and dropped.
type AsyncSink struct {
	inner   Sink
	ch      chan Event
	dropped int64
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func NewAsyncSink(inner Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncSink{
		inner: inner,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncSink) Record(ev Event) {
	if a == nil || a.closed.Load() {
		return
	}
	defer func() {
		// Close may race a concurrent Record.
		if recover() != nil {
			atomic.AddInt64(&a.dropped, 1)
		}
	}()
	select {
	case a.ch <- ev:
	default:
		atomic.AddInt64(&a.dropped, 1)
	}
}

func (a *AsyncSink) Dropped() int64 {
	return atomic.LoadInt64(&a.dropped)
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *AsyncSink) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.ch)
	})
	<-a.done
}

func (a *AsyncSink) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.Record(ev)
	}
}
