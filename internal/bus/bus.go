// Package bus provides the session-keyed publish/subscribe fabric that
// delivers runtime events to live listeners. Delivery is best-effort and has
// no replay: a subscriber that joins late misses prior events and must fetch
// current state from the durable store.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Handler receives published events. Handlers run on the publisher's
// goroutine and should hand off promptly.
type Handler func(e models.RuntimeEvent)

// Bus fans events out to per-session subscribers. A panicking handler is
// caught and logged so one faulty subscriber cannot block the others.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]Handler
	nextID int64
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]map[int64]Handler),
		logger: logger.With("component", "bus"),
	}
}

// Publish delivers the event to every subscriber of its session. Events
// without a session id are dropped.
func (b *Bus) Publish(e models.RuntimeEvent) {
	if e.SessionID == "" {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.SessionID]))
	for _, h := range b.subs[e.SessionID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e models.RuntimeEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "event", e.Type, "session_id", e.SessionID, "panic", r)
		}
	}()
	h(e)
}

// Subscribe registers a handler for a session's events and returns an
// unsubscribe function. Multiple concurrent subscribers per session are
// supported.
func (b *Bus) Subscribe(sessionID string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int64]Handler)
	}
	b.subs[sessionID][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[sessionID], id)
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Heartbeat publishes heartbeat events for the session at the given interval
// until the context is cancelled. Streaming endpoints forward these as
// comments to defeat idle-connection timeouts.
func (b *Bus) Heartbeat(ctx context.Context, sessionID string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Publish(models.RuntimeEvent{Type: models.EventHeartbeat, SessionID: sessionID})
		}
	}
}
