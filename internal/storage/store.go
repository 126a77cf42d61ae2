package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/commute-pool/internal/models"
)

// ErrNotFound is returned by lookups that need no authorization, such as
// trip offers and profiles. Rows hidden by authorization are reported as
// apperr.Denied instead.
var ErrNotFound = errors.New("not found")

func errDuplicateKey(table, id string) error {
	return fmt.Errorf("%s: duplicate key %q", table, id)
}

// TripStore persists trip offers.
type TripStore interface {
	// InsertTripOffers writes every offer or none.
	InsertTripOffers(ctx context.Context, offers []models.TripOffer) error
	GetTripOffer(ctx context.Context, id string) (models.TripOffer, error)
	// ListTripOffersFrom returns offers dated on or after from, by date then id.
	ListTripOffersFrom(ctx context.Context, from string) ([]models.TripOffer, error)
}

// RequestStore persists ride requests and is the authority on who may
// transition them.
type RequestStore interface {
	// InsertRequest fails with apperr.ErrDuplicateRequest when a request for
	// the same (trip offer, rider, date) triple already exists.
	InsertRequest(ctx context.Context, r models.RideRequest) error
	// DecideRequest moves a PENDING request owned by driverID to status.
	DecideRequest(ctx context.Context, driverID, requestID string, status models.RequestStatus, at time.Time) (models.RideRequest, error)
	ListDriverRequests(ctx context.Context, driverID string) ([]models.RideRequestView, error)
	ListRiderRequests(ctx context.Context, riderID string) ([]models.RideRequest, error)
}

// ConversationStore maps a participant pair to its single conversation.
type ConversationStore interface {
	// StartOrGetConversation returns the conversation between the pair of
	// c, creating c when none exists. actor must be one of the pair.
	StartOrGetConversation(ctx context.Context, actor string, c models.Conversation) (models.Conversation, error)
	GetConversation(ctx context.Context, actor, id string) (models.Conversation, error)
}

// MessageStore is the append-only message log.
type MessageStore interface {
	// InsertMessage appends m if its sender participates in the conversation.
	InsertMessage(ctx context.Context, m models.Message) (models.Message, error)
	ListMessages(ctx context.Context, actor, conversationID string) ([]models.MessageView, error)
	GetMessage(ctx context.Context, actor, id string) (models.MessageView, error)
}

type ProfileStore interface {
	UpsertProfile(ctx context.Context, p models.Profile) error
	GetProfile(ctx context.Context, id string) (models.Profile, error)
}

// Store is everything the service needs from persistence.
type Store interface {
	TripStore
	RequestStore
	ConversationStore
	MessageStore
	ProfileStore
}
