// Package session keeps the registry of live calls.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/outcall/pkg/errorsx"
)

var ErrSessionNotFound = errors.New("session not found")

// DefaultPendingCapacity bounds the per-call buffer of unsent frames.
const DefaultPendingCapacity = 50

type Options struct {
	PendingCapacity int
	Now             func() time.Time
}

// Manager maps call ids to live sessions. Structural operations on different
// ids never contend on a shared lock.
type Manager struct {
	sessions   sync.Map
	count      atomic.Int64
	pendingCap int
	now        func() time.Time
	draining   atomic.Bool
}

func NewManager(opts Options) *Manager {
	if opts.PendingCapacity <= 0 {
		opts.PendingCapacity = DefaultPendingCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{pendingCap: opts.PendingCapacity, now: opts.Now}
}

// Create returns the live session for callID, or registers a new one with
// default state. An empty id gets a generated one. created is false when an
// existing session was returned.
func (m *Manager) Create(callID string, meta Meta) (*CallSession, bool) {
	if callID == "" {
		callID = uuid.NewString()
	}
	if v, ok := m.sessions.Load(callID); ok {
		return v.(*CallSession), false
	}
	sess := newCallSession(callID, meta, m.pendingCap, m.now())
	actual, loaded := m.sessions.LoadOrStore(callID, sess)
	if loaded {
		return actual.(*CallSession), false
	}
	m.count.Add(1)
	return sess, true
}

func (m *Manager) Get(callID string) (*CallSession, error) {
	if v, ok := m.sessions.Load(callID); ok {
		return v.(*CallSession), nil
	}
	return nil, errorsx.Wrap(ErrSessionNotFound, errorsx.ReasonSessionNotFound)
}

// Destroy removes the session and runs its release hook. Calling it for an
// absent id is a no-op; it reports whether a session was removed.
func (m *Manager) Destroy(callID string) bool {
	v, ok := m.sessions.LoadAndDelete(callID)
	if !ok {
		return false
	}
	m.count.Add(-1)
	v.(*CallSession).runRelease()
	return true
}

// Sweep returns the ids of sessions idle for longer than idle at now.
func (m *Manager) Sweep(now time.Time, idle time.Duration) []string {
	if idle <= 0 {
		return nil
	}
	var stale []string
	m.sessions.Range(func(key, value any) bool {
		if now.Sub(value.(*CallSession).LastActivity()) > idle {
			stale = append(stale, key.(string))
		}
		return true
	})
	return stale
}

// Range calls fn for every live session until fn returns false.
func (m *Manager) Range(fn func(*CallSession) bool) {
	m.sessions.Range(func(_, value any) bool {
		return fn(value.(*CallSession))
	})
}

// CloseAll destroys every live session.
func (m *Manager) CloseAll() {
	m.sessions.Range(func(key, _ any) bool {
		m.Destroy(key.(string))
		return true
	})
}

func (m *Manager) Count() int64 {
	return m.count.Load()
}

func (m *Manager) SetDraining(v bool) {
	m.draining.Store(v)
}

func (m *Manager) Draining() bool {
	return m.draining.Load()
}

func (m *Manager) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if m.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
