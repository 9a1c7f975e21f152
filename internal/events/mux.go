// Package events implements the connection multiplexer: one outbound
// event channel per connected agent, keyed by encoded virtual identity.
//
// The multiplexer is process-local. An agent's push channel
// is bound to whichever instance accepted its connection; coordination
// state that must be shared across instances lives in the relational
// store instead.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event kinds pushed to agent channels.
const (
	KindKeepalive = "keepalive"
	KindProgress  = "progress_update"
	KindBroadcast = "broadcast"
	KindLockGrant = "lock_granted"
)

// Event is one unit of asynchronous delivery to an agent.
type Event struct {
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handle is an open event channel for one identity. The channel is
// closed by the mux when the identity disconnects or the channel's
// lifetime cap is reached.
type Handle struct {
	Identity string
	C        <-chan Event

	c *conn
}

const chanBuffer = 32

type conn struct {
	ch   chan Event
	stop chan struct{}
}

// Mux routes push events to the correct open connection.
type Mux struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	logger *slog.Logger

	keepaliveInterval time.Duration
	maxKeepalives     int
}

// NewMux creates a connection multiplexer. Every open channel receives
// a keepalive event on the given interval, and is force-closed after
// maxKeepalives of them so clients reconnect periodically instead of
// holding channels forever.
func NewMux(keepaliveInterval time.Duration, maxKeepalives int, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		conns:             make(map[string]*conn),
		logger:            logger,
		keepaliveInterval: keepaliveInterval,
		maxKeepalives:     maxKeepalives,
	}
}

// Open registers an event channel for the identity. An existing channel
// for the same identity is closed first; the newest connection wins.
func (m *Mux) Open(identity string) *Handle {
	c := &conn{
		ch:   make(chan Event, chanBuffer),
		stop: make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.conns[identity]; ok {
		close(old.stop)
	}
	m.conns[identity] = c
	m.mu.Unlock()

	go m.keepaliveLoop(identity, c)

	return &Handle{Identity: identity, C: c.ch, c: c}
}

// Push delivers an event to the identity's channel. Pushing to a closed
// or unknown identity is a silent no-op; a full buffer drops the event
// rather than blocking the request path. Returns whether the event was
// actually enqueued.
func (m *Mux) Push(identity string, ev Event) bool {
	// The send happens under the read lock: channel teardown takes the
	// write lock first, so an in-flight push can never hit a closed
	// channel.
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conns[identity]
	if !ok {
		return false
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case c.ch <- ev:
		return true
	default:
		m.logger.Debug("event channel full, dropping event",
			"identity", identity, "kind", ev.Kind)
		return false
	}
}

// Close removes the identity's channel. Closing an unknown identity is
// a no-op.
func (m *Mux) Close(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[identity]; ok {
		close(c.stop)
		delete(m.conns, identity)
	}
}

// CloseHandle tears down the handle's own connection. Unlike Close it
// is safe for a stale holder: if a reconnect already replaced the
// connection under the same identity, the replacement is left alone.
func (m *Mux) CloseHandle(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.conns[h.Identity]; ok && cur == h.c {
		close(cur.stop)
		delete(m.conns, h.Identity)
	}
}

// Connected reports whether the identity has an open channel on this
// instance.
func (m *Mux) Connected(identity string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[identity]
	return ok
}

// ConnectionCount returns the number of open channels.
func (m *Mux) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// keepaliveLoop emits liveness events until the channel is closed or
// the lifetime cap is hit. The loop owns closing of c.ch so receivers
// observe a clean end of stream.
func (m *Mux) keepaliveLoop(identity string, c *conn) {
	defer close(c.ch)

	ticker := time.NewTicker(m.keepaliveInterval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			select {
			case c.ch <- Event{Kind: KindKeepalive, Timestamp: time.Now()}:
			default:
			}
			sent++
			if sent >= m.maxKeepalives {
				m.logger.Debug("channel lifetime cap reached, forcing reconnect",
					"identity", identity, "keepalives", sent)
				m.remove(identity, c)
				return
			}
		}
	}
}

// remove drops the conn only if it is still the registered one; a
// reconnect may already have replaced it.
func (m *Mux) remove(identity string, c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.conns[identity]; ok && cur == c {
		delete(m.conns, identity)
	}
}
