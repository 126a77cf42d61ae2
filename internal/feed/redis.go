package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/commute-pool/internal/observability"
)

// RedisBroker relays events through Redis pub/sub so that every server
// process sees inserts committed by any other.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisBroker(client *redis.Client, prefix string, logger *slog.Logger) *RedisBroker {
	if prefix == "" {
		prefix = "conversation"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, prefix: prefix, logger: logger}
}

func (r *RedisBroker) channel(conversationID string) string {
	return r.prefix + ":" + conversationID
}

func (r *RedisBroker) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel(ev.ConversationID), b).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *RedisBroker) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	ps := r.client.Subscribe(ctx, r.channel(conversationID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	observability.FeedSubscribers.Inc()

	out := make(chan Event, defaultBuffer)
	sub := newSubscription(out, func() { _ = ps.Close() })

	go func() {
		defer observability.FeedSubscribers.Dec()
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.end(ctx.Err())
				return
			case <-sub.Done():
				return
			case msg, ok := <-in:
				if !ok {
					sub.end(nil)
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Warn("feed: invalid payload", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					observability.FeedDropped.Inc()
					sub.end(ErrSlowSubscriber)
					return
				}
			}
		}
	}()
	return sub, nil
}
