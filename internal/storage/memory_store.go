package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/commute-pool/internal/apperr"
	"github.com/example/commute-pool/internal/models"
)

type requestKey struct{ trip, rider, date string }

// pairKey is order independent so that (a, b) and (b, a) collide.
type pairKey struct{ lo, hi string }

func newPairKey(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

type MemoryStore struct {
	mu sync.RWMutex

	trips       map[string]models.TripOffer
	requests    map[string]models.RideRequest
	requestKeys map[requestKey]string
	convs       map[string]models.Conversation
	pairs       map[pairKey]string
	messages    map[string][]models.Message
	messageByID map[string]models.Message
	profiles    map[string]models.Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:       make(map[string]models.TripOffer),
		requests:    make(map[string]models.RideRequest),
		requestKeys: make(map[requestKey]string),
		convs:       make(map[string]models.Conversation),
		pairs:       make(map[pairKey]string),
		messages:    make(map[string][]models.Message),
		messageByID: make(map[string]models.Message),
		profiles:    make(map[string]models.Profile),
	}
}

func (m *MemoryStore) InsertTripOffers(ctx context.Context, offers []models.TripOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range offers {
		if _, ok := m.trips[o.ID]; ok {
			return apperr.Store(errDuplicateKey("trip_offers", o.ID))
		}
	}
	for _, o := range offers {
		m.trips[o.ID] = o
	}
	return nil
}

func (m *MemoryStore) GetTripOffer(ctx context.Context, id string) (models.TripOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.TripOffer{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) ListTripOffersFrom(ctx context.Context, from string) ([]models.TripOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.TripOffer{}
	for _, t := range m.trips {
		if t.Date >= from {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) InsertRequest(ctx context.Context, r models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[r.TripOfferID]; !ok {
		return apperr.Denied()
	}
	k := requestKey{trip: r.TripOfferID, rider: r.RiderID, date: r.RequestedDate}
	if _, ok := m.requestKeys[k]; ok {
		return apperr.Duplicate()
	}
	m.requestKeys[k] = r.ID
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) DecideRequest(ctx context.Context, driverID, requestID string, status models.RequestStatus, at time.Time) (models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok || m.trips[r.TripOfferID].DriverID != driverID {
		return models.RideRequest{}, apperr.Denied()
	}
	if r.Status != models.StatusPending {
		return models.RideRequest{}, apperr.AlreadyDecided()
	}
	r.Status = status
	r.DecidedAt = &at
	m.requests[requestID] = r
	return r, nil
}

func (m *MemoryStore) ListDriverRequests(ctx context.Context, driverID string) ([]models.RideRequestView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.RideRequestView{}
	for _, r := range m.requests {
		t := m.trips[r.TripOfferID]
		if t.DriverID != driverID {
			continue
		}
		rider := m.profiles[r.RiderID]
		rider.ID = r.RiderID
		out = append(out, models.RideRequestView{RideRequest: r, Trip: t, Rider: rider})
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].RideRequest, out[j].RideRequest) })
	return out, nil
}

func (m *MemoryStore) ListRiderRequests(ctx context.Context, riderID string) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.RideRequest{}
	for _, r := range m.requests {
		if r.RiderID == riderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i], out[j]) })
	return out, nil
}

func newerFirst(a, b models.RideRequest) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (m *MemoryStore) StartOrGetConversation(ctx context.Context, actor string, c models.Conversation) (models.Conversation, error) {
	if !c.Has(actor) {
		return models.Conversation{}, apperr.Denied()
	}
	k := newPairKey(c.DriverID, c.PassengerID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.pairs[k]; ok {
		return m.convs[id], nil
	}
	m.pairs[k] = c.ID
	m.convs[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, actor, id string) (models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	if !ok || !c.Has(actor) {
		return models.Conversation{}, apperr.Denied()
	}
	return c, nil
}

func (m *MemoryStore) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[msg.ConversationID]
	if !ok || !c.Has(msg.SenderID) {
		return models.Message{}, apperr.Denied()
	}
	if _, ok := m.messageByID[msg.ID]; ok {
		return models.Message{}, apperr.Store(errDuplicateKey("messages", msg.ID))
	}
	// Creation timestamps never go backwards within a conversation.
	log := m.messages[msg.ConversationID]
	if n := len(log); n > 0 && msg.CreatedAt.Before(log[n-1].CreatedAt) {
		msg.CreatedAt = log[n-1].CreatedAt
	}
	m.messages[msg.ConversationID] = append(log, msg)
	m.messageByID[msg.ID] = msg
	return msg, nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, actor, conversationID string) ([]models.MessageView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[conversationID]
	if !ok || !c.Has(actor) {
		return nil, apperr.Denied()
	}
	log := m.messages[conversationID]
	out := make([]models.MessageView, 0, len(log))
	for _, msg := range log {
		out = append(out, models.MessageView{Message: msg, Sender: m.profiles[msg.SenderID].Sender()})
	}
	return out, nil
}

func (m *MemoryStore) GetMessage(ctx context.Context, actor, id string) (models.MessageView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messageByID[id]
	if !ok || !m.convs[msg.ConversationID].Has(actor) {
		return models.MessageView{}, apperr.Denied()
	}
	return models.MessageView{Message: msg, Sender: m.profiles[msg.SenderID].Sender()}, nil
}

func (m *MemoryStore) UpsertProfile(ctx context.Context, p models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	return nil
}

func (m *MemoryStore) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return models.Profile{}, ErrNotFound
	}
	return p, nil
}
