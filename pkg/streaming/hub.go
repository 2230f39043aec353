package streaming

import (
	"log/slog"
	"sync"
)

// subscriberBuffer bounds each subscriber channel. A subscriber that falls
// this far behind starts losing events rather than stalling the turn.
const subscriberBuffer = 256

// hub fans events out to the SSE subscribers of a session. Late subscribers
// receive only events published after subscription; replay across turns is
// the conversation history endpoint's job.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan Event]struct{})}
}

// subscribe registers a new subscriber. The returned cancel function is
// idempotent and closes the channel.
func (h *hub) subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[sessionID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish delivers ev to all current subscribers without blocking the turn.
func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping event for slow subscriber",
				"session_id", ev.SessionID, "type", ev.Type)
		}
	}
}
