package hub

import (
	"sync"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/roost-relay/roost/internal/logger"
	"github.com/roost-relay/roost/internal/metrics"
)

// Hub fans accepted events out to live sessions. Each session registers a
// bounded channel; Publish never blocks on a slow consumer — a full
// channel gets the session's kick callback instead, and the event is
// skipped for that session only.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*subscriber
	log      *zap.Logger
}

type subscriber struct {
	events chan *nostr.Event
	kick   func()
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		sessions: make(map[string]*subscriber),
		log:      logger.New("hub"),
	}
}

// Register adds a session and returns the channel its dispatcher should
// drain. Registering an id twice replaces the previous channel.
func (h *Hub) Register(id string, buffer int, kick func()) <-chan *nostr.Event {
	ch := make(chan *nostr.Event, buffer)

	h.mu.Lock()
	if old, ok := h.sessions[id]; ok {
		close(old.events)
	}
	h.sessions[id] = &subscriber{events: ch, kick: kick}
	h.mu.Unlock()

	return ch
}

// Unregister removes a session and closes its channel, ending the
// session's dispatcher goroutine.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	if ok {
		close(sub.events)
	}
}

// Publish delivers an accepted event to every registered session. The
// caller serializes Publish with the store commit, so each session
// observes events in commit order.
func (h *Hub) Publish(evt *nostr.Event) {
	var kicked []func()

	h.mu.RLock()
	for id, sub := range h.sessions {
		select {
		case sub.events <- evt:
		default:
			// Slow consumer: drop the session, not the relay.
			h.log.Warn("session event queue full, kicking",
				zap.String("session", id))
			metrics.SubscriptionBacklogDrops.Inc()
			if sub.kick != nil {
				kicked = append(kicked, sub.kick)
			}
		}
	}
	h.mu.RUnlock()

	// Kick callbacks unregister the session, which needs the write lock.
	for _, kick := range kicked {
		kick()
	}
}

// Len returns the number of registered sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
