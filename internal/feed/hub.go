package feed

import (
	"context"
	"sync"

	"github.com/example/commute-pool/internal/observability"
)

const defaultBuffer = 64

// Hub fans events out to in-process subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*hubSub]struct{}
	buffer int
}

type hubSub struct {
	ch  chan Event
	sub *Subscription
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[string]map[*hubSub]struct{}), buffer: buffer}
}

func (h *Hub) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	hs := &hubSub{ch: make(chan Event, h.buffer)}
	hs.sub = newSubscription(hs.ch, func() { h.remove(conversationID, hs) })

	h.mu.Lock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[*hubSub]struct{})
		h.subs[conversationID] = set
	}
	set[hs] = struct{}{}
	h.mu.Unlock()
	observability.FeedSubscribers.Inc()

	go func() {
		select {
		case <-ctx.Done():
			hs.sub.end(ctx.Err())
		case <-hs.sub.Done():
		}
	}()
	return hs.sub, nil
}

// Publish never blocks on a subscriber. One whose buffer is full is dropped.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	var slow []*hubSub
	h.mu.RLock()
	for hs := range h.subs[ev.ConversationID] {
		select {
		case hs.ch <- ev:
		default:
			slow = append(slow, hs)
		}
	}
	h.mu.RUnlock()

	for _, hs := range slow {
		observability.FeedDropped.Inc()
		hs.sub.end(ErrSlowSubscriber)
	}
	return nil
}

// Subscribers returns the number of live subscriptions on a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

func (h *Hub) remove(conversationID string, hs *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[conversationID]
	if _, ok := set[hs]; !ok {
		return
	}
	delete(set, hs)
	if len(set) == 0 {
		delete(h.subs, conversationID)
	}
	close(hs.ch)
	observability.FeedSubscribers.Dec()
}
