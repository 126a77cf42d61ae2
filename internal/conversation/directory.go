package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/commute-pool/internal/apperr"
	"github.com/example/commute-pool/internal/identity"
	"github.com/example/commute-pool/internal/models"
	"github.com/example/commute-pool/internal/observability"
	"github.com/example/commute-pool/internal/storage"
)

type Store interface {
	storage.ConversationStore
	storage.ProfileStore
}

// Directory maps a driver/passenger pair to its single conversation.
type Directory struct {
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
}

// StartOrGet returns the pair's conversation id, creating it on first
// contact. The pair is unordered: swapping roles yields the same id.
func (d *Directory) StartOrGet(ctx context.Context, caller identity.Identity, driverID, passengerID string) (string, error) {
	driverID, passengerID = strings.TrimSpace(driverID), strings.TrimSpace(passengerID)
	if driverID == "" || passengerID == "" {
		return "", apperr.Validation("participants requis")
	}
	if driverID == passengerID {
		return "", apperr.Validation("une conversation demande deux participants distincts")
	}
	if !caller.Authenticated() {
		return "", apperr.Denied()
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}

	c, err := d.Store.StartOrGetConversation(ctx, caller.SubjectID, models.Conversation{
		ID:          uuid.NewString(),
		DriverID:    driverID,
		PassengerID: passengerID,
		CreatedAt:   now(),
	})
	if err != nil {
		if errors.Is(err, apperr.ErrStore) {
			d.logger().Error("start or get conversation", "driver_id", driverID, "passenger_id", passengerID, "error", err)
		}
		return "", apperr.Store(err)
	}
	observability.ConversationsOpened.Inc()
	return c.ID, nil
}

// Thread is an opened conversation seen from one participant.
type Thread struct {
	Conversation models.Conversation `json:"conversation"`
	Other        models.Profile      `json:"other"`
}

func (d *Directory) Open(ctx context.Context, caller identity.Identity, conversationID string) (Thread, error) {
	if !caller.Authenticated() {
		return Thread{}, apperr.Denied()
	}
	c, err := d.Store.GetConversation(ctx, caller.SubjectID, conversationID)
	if err != nil {
		return Thread{}, apperr.Store(err)
	}
	otherID := c.Other(caller.SubjectID)
	other, err := d.Store.GetProfile(ctx, otherID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		other = models.Profile{ID: otherID, FirstName: "Utilisateur"}
	case err != nil:
		return Thread{}, apperr.Store(err)
	}
	return Thread{Conversation: c, Other: other}, nil
}

func (d *Directory) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
