// Package messaging is the append-only message log of a conversation and
// its live insert feed.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/example/commute-pool/internal/apperr"
	"github.com/example/commute-pool/internal/events"
	"github.com/example/commute-pool/internal/feed"
	"github.com/example/commute-pool/internal/identity"
	"github.com/example/commute-pool/internal/models"
	"github.com/example/commute-pool/internal/observability"
	"github.com/example/commute-pool/internal/storage"
)

const MaxMessageLength = 2000

type Store interface {
	storage.ConversationStore
	storage.MessageStore
}

type Channel struct {
	Store  Store
	Feed   feed.Broker
	Events events.Publisher // optional
	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Channel) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Send appends a message and notifies live subscribers. The durable message
// is returned so the sender can reconcile its provisional copy by id.
// clientToken is an optional correlation token echoed on the feed.
func (c *Channel) Send(ctx context.Context, caller identity.Identity, conversationID, content, clientToken string) (models.Message, error) {
	if !caller.Authenticated() {
		return models.Message{}, apperr.Denied()
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, apperr.Validation("Le message est vide.")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return models.Message{}, apperr.Validation("Le message dépasse %d caractères.", MaxMessageLength)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	m, err := c.Store.InsertMessage(ctx, models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       caller.SubjectID,
		Content:        content,
		CreatedAt:      now(),
		ClientToken:    clientToken,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrStore) {
			c.logger().Error("insert message", "conversation_id", conversationID, "error", err)
		}
		return models.Message{}, apperr.Store(err)
	}
	observability.MessagesSent.Inc()

	// The row is committed; a feed failure only delays other participants
	// until they reload history.
	if err := c.Feed.Publish(ctx, feed.MessageInserted(m)); err != nil {
		c.logger().Warn("feed publish failed", "conversation_id", conversationID, "message_id", m.ID, "error", err)
	}
	events.Emit(ctx, c.Events, c.logger(), events.Event{
		Type: events.MessageSent, At: m.CreatedAt, ConversationID: m.ConversationID, MessageID: m.ID, SenderID: m.SenderID,
	})
	return m, nil
}

// History is a snapshot of the conversation, oldest first.
func (c *Channel) History(ctx context.Context, caller identity.Identity, conversationID string) ([]models.MessageView, error) {
	if !caller.Authenticated() {
		return nil, apperr.Denied()
	}
	msgs, err := c.Store.ListMessages(ctx, caller.SubjectID, conversationID)
	if err != nil {
		return nil, apperr.Store(err)
	}
	return msgs, nil
}

// Fetch reads one message with its sender projection.
func (c *Channel) Fetch(ctx context.Context, caller identity.Identity, messageID string) (models.MessageView, error) {
	if !caller.Authenticated() {
		return models.MessageView{}, apperr.Denied()
	}
	m, err := c.Store.GetMessage(ctx, caller.SubjectID, messageID)
	if err != nil {
		return models.MessageView{}, apperr.Store(err)
	}
	return m, nil
}

// Subscribe opens the live insert feed of a conversation the caller takes
// part in. The caller must Close the subscription or cancel ctx.
func (c *Channel) Subscribe(ctx context.Context, caller identity.Identity, conversationID string) (*feed.Subscription, error) {
	if !caller.Authenticated() {
		return nil, apperr.Denied()
	}
	if _, err := c.Store.GetConversation(ctx, caller.SubjectID, conversationID); err != nil {
		return nil, apperr.Store(err)
	}
	sub, err := c.Feed.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, apperr.Store(err)
	}
	return sub, nil
}
