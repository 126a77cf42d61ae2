// Package events publishes domain events to the event log consumed by
// downstream workers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/commute-pool/internal/observability"
)

const (
	TripsCreated     = "trips.created"
	RequestSubmitted = "request.submitted"
	RequestDecided   = "request.decided"
	MessageSent      = "message.sent"
)

type Event struct {
	Type           string    `json:"type"`
	At             time.Time `json:"at"`
	DriverID       string    `json:"driver_id,omitempty"`
	RiderID        string    `json:"rider_id,omitempty"`
	TripOfferIDs   []string  `json:"trip_offer_ids,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	SenderID       string    `json:"sender_id,omitempty"`
}

// PartitionKey groups events by the driver they concern, falling back to
// the conversation for message events.
func (e Event) PartitionKey() string {
	if e.DriverID != "" {
		return e.DriverID
	}
	return e.ConversationID
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events. Used when no event log is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Emit publishes ev after the store commit. A publish failure is logged and
// counted but never fails the caller's operation.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues(ev.Type, "error").Inc()
		logger.Warn("event publish failed", "type", ev.Type, "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues(ev.Type, "ok").Inc()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
