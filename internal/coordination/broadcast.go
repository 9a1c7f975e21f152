package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/recallmesh/recallmesh/internal/events"
	"github.com/recallmesh/recallmesh/internal/store"
)

// Broadcast message kinds.
const (
	MessageInfo     = "info"
	MessageWarning  = "warning"
	MessageConflict = "conflict"
)

// ringSize bounds how many recent messages a session retains for
// late readers.
const ringSize = 64

// Message is a delivered broadcast retained for polling readers.
type Message struct {
	SenderAgentID string `json:"sender_agent_id"`
	Message       string `json:"message"`
	MessageType   string `json:"message_type"`
	SentAt        int64  `json:"sent_at"`
}

// Broadcaster fans messages out to the other agents in a session.
//
// Delivery is best-effort: messages live in a bounded in-memory ring on
// this instance only, so an agent that connects elsewhere misses them.
// There is no replay across restarts.
type Broadcaster struct {
	db     *store.DB
	mux    *events.Mux
	logger *slog.Logger

	mu     sync.Mutex
	recent map[string][]Message
}

// NewBroadcaster creates a broadcaster over the store and multiplexer.
func NewBroadcaster(db *store.DB, mux *events.Mux, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		db:     db,
		mux:    mux,
		logger: logger,
		recent: make(map[string][]Message),
	}
}

// Broadcast delivers a message to every other connected agent in the
// session and returns how many channels accepted it. The sender never
// receives its own broadcast.
func (b *Broadcaster) Broadcast(ctx context.Context, sessionID, senderAgentID, message, kind string) (int, error) {
	if message == "" {
		return 0, fmt.Errorf("%w: empty message", ErrValidation)
	}
	switch kind {
	case MessageInfo, MessageWarning, MessageConflict:
	default:
		return 0, fmt.Errorf("%w: unknown message type %q", ErrValidation, kind)
	}

	delivered := notifySessionPeers(ctx, b.db, b.mux, b.logger, sessionID, senderAgentID, events.Event{
		Kind: events.KindBroadcast,
		Payload: map[string]any{
			"sender_agent_id": senderAgentID,
			"message":         message,
			"message_type":    kind,
		},
	})

	b.remember(sessionID, Message{
		SenderAgentID: senderAgentID,
		Message:       message,
		MessageType:   kind,
		SentAt:        time.Now().UnixMilli(),
	})

	b.logger.Debug("broadcast delivered",
		"session_id", sessionID, "sender", senderAgentID,
		"message_type", kind, "delivered", delivered)
	return delivered, nil
}

func (b *Broadcaster) remember(sessionID string, m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := append(b.recent[sessionID], m)
	if len(ring) > ringSize {
		ring = ring[len(ring)-ringSize:]
	}
	b.recent[sessionID] = ring
}

// RecentMessages returns up to limit of the session's retained
// broadcasts, newest last, excluding those the reader sent itself.
// limit <= 0 means everything retained.
func (b *Broadcaster) RecentMessages(sessionID, readerAgentID string, limit int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.recent[sessionID] {
		if m.SenderAgentID == readerAgentID {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
