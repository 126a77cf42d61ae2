// Package feed carries insert notifications for conversation messages to
// live subscribers. Delivery is at-least-once; consumers dedupe by id.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/commute-pool/internal/models"
)

const (
	TypeInsert    = "INSERT"
	TableMessages = "messages"
)

// ErrSlowSubscriber ends a subscription that fell too far behind. The
// consumer resubscribes and re-reads history to catch up.
var ErrSlowSubscriber = errors.New("feed: subscriber too slow")

// Event identifies an inserted row well enough to fetch its projection.
type Event struct {
	Type           string    `json:"type"`
	Table          string    `json:"table"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	ClientToken    string    `json:"client_token,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func MessageInserted(m models.Message) Event {
	return Event{
		Type:           TypeInsert,
		Table:          TableMessages,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		ClientToken:    m.ClientToken,
		CreatedAt:      m.CreatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Subscriber interface {
	// Subscribe starts delivering events for one conversation until ctx is
	// done or the subscription is closed.
	Subscribe(ctx context.Context, conversationID string) (*Subscription, error)
}

type Broker interface {
	Publisher
	Subscriber
}

// Subscription is a live event stream. C is closed when it ends; Err then
// reports why.
type Subscription struct {
	C <-chan Event

	once    sync.Once
	release func()
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func newSubscription(c <-chan Event, release func()) *Subscription {
	return &Subscription{C: c, release: release, done: make(chan struct{})}
}

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.end(nil) }

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.release()
		close(s.done)
	})
}
