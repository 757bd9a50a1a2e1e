package speech

import (
	"sync"
	"sync/atomic"
)

// Pool tracks open sessions by call id so adapters can make Open
// idempotent. Concurrent opens for the same id share one dial.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]Session
	inflight map[string]*openCall
}

type openCall struct {
	done chan struct{}
	sess Session
	err  error
}

func NewPool() *Pool {
	return &Pool{
		sessions: make(map[string]Session),
		inflight: make(map[string]*openCall),
	}
}

// Open returns the live session for callID or creates it with dial.
func (p *Pool) Open(callID string, dial func() (Session, error)) (Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[callID]; ok {
		p.mu.Unlock()
		return s, nil
	}
	if c, ok := p.inflight[callID]; ok {
		p.mu.Unlock()
		<-c.done
		return c.sess, c.err
	}
	c := &openCall{done: make(chan struct{})}
	p.inflight[callID] = c
	p.mu.Unlock()

	c.sess, c.err = dial()

	p.mu.Lock()
	delete(p.inflight, callID)
	if c.err == nil {
		p.sessions[callID] = c.sess
	}
	p.mu.Unlock()
	close(c.done)
	return c.sess, c.err
}

// Forget removes callID if it still maps to sess.
func (p *Pool) Forget(callID string, sess Session) {
	p.mu.Lock()
	if cur, ok := p.sessions[callID]; ok && cur == sess {
		delete(p.sessions, callID)
	}
	p.mu.Unlock()
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Generation stamps synthesized audio so chunks of a cancelled reply can be
// told apart from the current one.
type Generation struct {
	current atomic.Uint64
	active  atomic.Bool
}

// Start begins a new reply and returns its generation.
func (g *Generation) Start() uint64 {
	n := g.current.Add(1)
	g.active.Store(true)
	return n
}

// Cancel supersedes the current reply.
func (g *Generation) Cancel() uint64 {
	g.active.Store(false)
	return g.current.Add(1)
}

// Finish marks the reply as complete without changing the generation.
func (g *Generation) Finish() {
	g.active.Store(false)
}

// Current returns the stamp for an incoming chunk and whether a reply is in
// flight.
func (g *Generation) Current() (uint64, bool) {
	return g.current.Load(), g.active.Load()
}
