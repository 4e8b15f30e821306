// Package hub implements the Subscription Hub: the set of live
// dashboard/API push subscribers that receive a copy of every
// CanonicalEvent the Bus publishes.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"trapline/internal/capture"
)

// maxConsecutiveDrops and maxSendFailures bound how much backlog a
// slow subscriber gets before the Hub gives up on it and closes its
// transport: K consecutive drops or N failed sends evicts it.
const (
	maxConsecutiveDrops = 32
	maxSendFailures     = 8
)

// StatsFunc produces the high-level stats payload sent to a
// subscriber right after the welcome message, and periodically as a
// stats_update.
type StatsFunc func() any

// Hub fans out CanonicalEvents to every registered Subscriber. It
// implements bus.Sink so it can be registered directly as a
// non-durable Bus sink.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	queueSize   int
	statsFn     StatsFunc
}

// New creates an empty Hub. queueSize bounds each subscriber's
// outbound channel (SUBSCRIBER_QUEUE_SIZE, default 256).
func New(queueSize int, statsFn StatsFunc) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		queueSize:   queueSize,
		statsFn:     statsFn,
	}
}

// Name identifies this sink to the Bus's drop accounting.
func (h *Hub) Name() string { return "hub" }

// Handle broadcasts evt to every subscriber's outbound queue,
// non-blocking: a full queue drops for that subscriber only and is
// never allowed to stall the Bus.
func (h *Hub) Handle(evt capture.CanonicalEvent) {
	data, err := json.Marshal(envelope{Type: "event", Event: &evt})
	if err != nil {
		slog.Error("hub: failed to marshal event", "event_id", evt.EventID, "error", err)
		return
	}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if !s.enqueue(data) {
			h.maybeEvict(s)
		}
	}
}

// envelope is the wire shape sent over /ws/events: a discriminated
// union of event, welcome, stats_update and pong control messages.
type envelope struct {
	Type  string                   `json:"type"`
	Event *capture.CanonicalEvent  `json:"event,omitempty"`
	Stats any                      `json:"stats,omitempty"`
}

// Register creates and tracks a new Subscriber wrapping conn, sends
// the welcome + initial stats, and starts its pumps. The caller is
// responsible for running Subscriber.Run and removing it via
// Unregister once Run returns.
func (h *Hub) Register(conn wsConn) *Subscriber {
	sub := newSubscriber(conn, h.queueSize)

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	welcome, _ := json.Marshal(envelope{Type: "welcome"})
	sub.enqueue(welcome)
	if h.statsFn != nil {
		if data, err := json.Marshal(envelope{Type: "stats_update", Stats: h.statsFn()}); err == nil {
			sub.enqueue(data)
		}
	}

	return sub
}

// Unregister removes a subscriber from the broadcast set.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, id)
}

// BroadcastStats pushes a stats_update to every current subscriber,
// called on a periodic ticker by the Supervisor.
func (h *Hub) BroadcastStats() {
	if h.statsFn == nil {
		return
	}
	data, err := json.Marshal(envelope{Type: "stats_update", Stats: h.statsFn()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subscribers {
		s.enqueue(data)
	}
}

func (h *Hub) maybeEvict(s *Subscriber) {
	if s.consecutiveDrops() < maxConsecutiveDrops {
		return
	}
	slog.Warn("hub: evicting subscriber after too many consecutive drops", "subscriber_id", s.id)
	h.Unregister(s.id)
	s.Close()
}

// Count returns the number of currently registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
