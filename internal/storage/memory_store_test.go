package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/commute-pool/internal/apperr"
	"github.com/example/commute-pool/internal/models"
)

func seedTrip(t *testing.T, s *MemoryStore, id, driver string) {
	t.Helper()
	err := s.InsertTripOffers(context.Background(), []models.TripOffer{{ID: id, DriverID: driver, Date: "2025-06-02", StartTime: "07:30", ReturnTime: "17:00"}})
	if err != nil {
		t.Fatalf("seed trip: %v", err)
	}
}

func TestInsertRequestRacingDuplicates(t *testing.T) {
	s := NewMemoryStore()
	seedTrip(t, s, "T1", "d1")

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dups int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InsertRequest(context.Background(), models.RideRequest{
				ID: fmt.Sprintf("r%d", i), TripOfferID: "T1", RiderID: "p1", RequestedDate: "2025-06-02", Status: models.StatusPending,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrDuplicateRequest):
				dups++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()
	if ok != 1 || dups != n-1 {
		t.Fatalf("expected 1 insert and %d duplicates, got %d/%d", n-1, ok, dups)
	}
}

func TestInsertRequestUnknownTripDenied(t *testing.T) {
	s := NewMemoryStore()
	err := s.InsertRequest(context.Background(), models.RideRequest{ID: "r1", TripOfferID: "nope", RiderID: "p1"})
	if !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestDecideRequestGuards(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedTrip(t, s, "T1", "d1")
	_ = s.InsertRequest(ctx, models.RideRequest{ID: "R1", TripOfferID: "T1", RiderID: "p1", RequestedDate: "2025-06-02", Status: models.StatusPending})

	if _, err := s.DecideRequest(ctx, "intruder", "R1", models.StatusAccepted, time.Now()); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("non owner: expected authorization error, got %v", err)
	}
	if _, err := s.DecideRequest(ctx, "d1", "missing", models.StatusAccepted, time.Now()); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("missing row: expected authorization error, got %v", err)
	}
	r, err := s.DecideRequest(ctx, "d1", "R1", models.StatusDeclined, time.Now())
	if err != nil || r.Status != models.StatusDeclined || r.DecidedAt == nil {
		t.Fatalf("decline: %+v %v", r, err)
	}
	if _, err := s.DecideRequest(ctx, "d1", "R1", models.StatusAccepted, time.Now()); !errors.Is(err, apperr.ErrAlreadyDecided) {
		t.Fatalf("second decision: expected already decided, got %v", err)
	}
	views, _ := s.ListDriverRequests(ctx, "d1")
	if len(views) != 1 || views[0].Status != models.StatusDeclined {
		t.Fatalf("status changed: %+v", views)
	}
}

func TestStartOrGetConversationConcurrentEitherRole(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	var (
		wg  sync.WaitGroup
		ids = make([]string, 10)
	)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := models.Conversation{ID: fmt.Sprintf("c%d", i), DriverID: "d1", PassengerID: "p1"}
			actor := "d1"
			if i%2 == 1 {
				c.DriverID, c.PassengerID = "p1", "d1"
				actor = "p1"
			}
			got, err := s.StartOrGetConversation(ctx, actor, c)
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			ids[i] = got.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected one conversation, got %v", ids)
		}
	}
	if len(s.convs) != 1 {
		t.Fatalf("expected 1 row, got %d", len(s.convs))
	}
}

func TestStartOrGetConversationOutsiderDenied(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.StartOrGetConversation(context.Background(), "x", models.Conversation{ID: "c1", DriverID: "d1", PassengerID: "p1"})
	if !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestMessagesOrderedAndScoped(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.StartOrGetConversation(ctx, "d1", models.Conversation{ID: "C1", DriverID: "d1", PassengerID: "p1"})
	_ = s.UpsertProfile(ctx, models.Profile{ID: "p1", FirstName: "Lea", AvatarURL: "a.png"})

	base := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	for i, at := range []time.Time{base, base.Add(-time.Minute), base.Add(time.Minute)} {
		_, err := s.InsertMessage(ctx, models.Message{ID: fmt.Sprintf("m%d", i), ConversationID: "C1", SenderID: "p1", Content: "x", CreatedAt: at})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := s.InsertMessage(ctx, models.Message{ID: "bad", ConversationID: "C1", SenderID: "x", Content: "x"}); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("outsider send: expected authorization error, got %v", err)
	}

	hist, err := s.ListMessages(ctx, "d1", "C1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].CreatedAt.Before(hist[i-1].CreatedAt) {
			t.Fatalf("history out of order at %d", i)
		}
	}
	if hist[0].Sender.Name != "Lea" || hist[0].Sender.AvatarURL != "a.png" {
		t.Fatalf("missing sender projection: %+v", hist[0].Sender)
	}
	if _, err := s.ListMessages(ctx, "x", "C1"); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("outsider read: expected authorization error, got %v", err)
	}
	if _, err := s.GetMessage(ctx, "x", "m0"); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("outsider fetch: expected authorization error, got %v", err)
	}
}

func TestListTripOffersFromOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.InsertTripOffers(ctx, []models.TripOffer{
		{ID: "b", DriverID: "d1", Date: "2025-06-03"},
		{ID: "a", DriverID: "d1", Date: "2025-06-03"},
		{ID: "c", DriverID: "d2", Date: "2025-06-01"},
		{ID: "z", DriverID: "d2", Date: "2025-05-31"},
	})
	got, err := s.ListTripOffersFrom(ctx, "2025-06-01")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %+v", want, got)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: want %s got %s", i, id, got[i].ID)
		}
	}
}
