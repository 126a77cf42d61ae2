// Package ledger owns trip offers and ride requests: the fan-out of a
// driver's selected dates into offers, and the PENDING -> ACCEPTED|DECLINED
// lifecycle of a rider's request.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/commute-pool/internal/apperr"
	"github.com/example/commute-pool/internal/events"
	"github.com/example/commute-pool/internal/identity"
	"github.com/example/commute-pool/internal/models"
	"github.com/example/commute-pool/internal/observability"
	"github.com/example/commute-pool/internal/storage"
)

const DefaultWindowDays = 30

var clockPattern = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)

// Indexer receives every created offer so the match query can find it.
type Indexer interface {
	Add(ctx context.Context, date, tripID string, at models.Coord) error
}

// PendingReader reads the per-driver pending count kept by the event
// consumer. ok is false when the counter has no value for the driver.
type PendingReader interface {
	Pending(ctx context.Context, driverID string) (n int64, ok bool, err error)
}

type Store interface {
	storage.TripStore
	storage.RequestStore
}

type Service struct {
	Store      Store
	Index      Indexer          // optional
	Events     events.Publisher // optional
	Counter    PendingReader    // optional, falls back to the store
	Logger     *slog.Logger
	Now        func() time.Time
	Location   *time.Location
	WindowDays int
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) location() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.UTC
}

// NewTripOffers is a driver's submission: one origin and time pair repeated
// over the selected dates.
type NewTripOffers struct {
	DriverID    string
	Origin      models.Coord
	OriginLabel string
	Dates       []string
	StartTime   string
	ReturnTime  string
}

// CreateTripOffers writes one offer per date in a single all-or-nothing insert.
func (s *Service) CreateTripOffers(ctx context.Context, caller identity.Identity, in NewTripOffers) ([]models.TripOffer, error) {
	if !caller.Authenticated() || caller.SubjectID != in.DriverID {
		return nil, apperr.Denied()
	}
	if err := s.validateOffers(in); err != nil {
		return nil, err
	}

	now := s.now()
	offers := make([]models.TripOffer, 0, len(in.Dates))
	for _, d := range in.Dates {
		offers = append(offers, models.TripOffer{
			ID:          uuid.NewString(),
			DriverID:    in.DriverID,
			Origin:      in.Origin,
			OriginLabel: strings.TrimSpace(in.OriginLabel),
			Date:        d,
			StartTime:   normalizeClock(in.StartTime),
			ReturnTime:  normalizeClock(in.ReturnTime),
			CreatedAt:   now,
		})
	}
	if err := s.Store.InsertTripOffers(ctx, offers); err != nil {
		s.logger().Error("insert trip offers", "driver_id", in.DriverID, "dates", len(offers), "error", err)
		return nil, apperr.Store(err)
	}
	observability.TripOffersCreated.Add(float64(len(offers)))

	ids := make([]string, 0, len(offers))
	for _, o := range offers {
		ids = append(ids, o.ID)
		if s.Index == nil {
			continue
		}
		if err := s.Index.Add(ctx, o.Date, o.ID, o.Origin); err != nil {
			s.logger().Error("index trip offer", "trip_id", o.ID, "date", o.Date, "error", err)
		}
	}
	events.Emit(ctx, s.Events, s.logger(), events.Event{Type: events.TripsCreated, At: now, DriverID: in.DriverID, TripOfferIDs: ids})
	return offers, nil
}

// Reindex adds every stored offer dated today or later to the index. It
// rebuilds an index that does not survive restarts and repairs offers whose
// Add failed at creation.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.Index == nil {
		return 0, nil
	}
	today := s.now().In(s.location()).Format(models.DateLayout)
	offers, err := s.Store.ListTripOffersFrom(ctx, today)
	if err != nil {
		return 0, apperr.Store(fmt.Errorf("list trip offers from %s: %w", today, err))
	}
	for _, o := range offers {
		if err := s.Index.Add(ctx, o.Date, o.ID, o.Origin); err != nil {
			return 0, fmt.Errorf("index trip offer %s: %w", o.ID, err)
		}
	}
	return len(offers), nil
}

func (s *Service) validateOffers(in NewTripOffers) error {
	if len(in.Dates) == 0 {
		return apperr.Validation("Aucune date sélectionnée")
	}
	if len(strings.TrimSpace(in.OriginLabel)) < 2 {
		return apperr.Validation("L'adresse est requise.")
	}
	if in.Origin.Lat < -90 || in.Origin.Lat > 90 || in.Origin.Lon < -180 || in.Origin.Lon > 180 {
		return apperr.Validation("coordonnées invalides")
	}
	if !clockPattern.MatchString(in.StartTime) || !clockPattern.MatchString(in.ReturnTime) {
		return apperr.Validation("Format d'heure invalide.")
	}

	window := s.WindowDays
	if window <= 0 {
		window = DefaultWindowDays
	}
	loc := s.location()
	y, m, d := s.now().In(loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)
	last := today.AddDate(0, 0, window)

	seen := make(map[string]struct{}, len(in.Dates))
	for _, raw := range in.Dates {
		day, err := time.ParseInLocation(models.DateLayout, raw, loc)
		if err != nil {
			return apperr.Validation("date invalide: %q", raw)
		}
		if day.Before(today) || day.After(last) {
			return apperr.Validation("la date %s est hors de la période autorisée", raw)
		}
		if _, dup := seen[raw]; dup {
			return apperr.Validation("la date %s est sélectionnée deux fois", raw)
		}
		seen[raw] = struct{}{}
	}
	return nil
}

// normalizeClock pads "7:30" to "07:30".
func normalizeClock(v string) string {
	if len(v) == 4 {
		return "0" + v
	}
	return v
}

// SubmitRequest records a rider's bid for one offer on one date. A second
// submission of the same triple fails with apperr.ErrDuplicateRequest, also
// when both race.
func (s *Service) SubmitRequest(ctx context.Context, caller identity.Identity, tripOfferID, riderID, requestedDate string) (models.RideRequest, error) {
	if !caller.Authenticated() || caller.SubjectID != riderID {
		return models.RideRequest{}, apperr.Denied()
	}
	if tripOfferID == "" || requestedDate == "" {
		return models.RideRequest{}, apperr.Validation("trajet et date requis")
	}
	trip, err := s.Store.GetTripOffer(ctx, tripOfferID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.RideRequest{}, apperr.Denied()
	}
	if err != nil {
		return models.RideRequest{}, apperr.Store(err)
	}
	if trip.Date != requestedDate {
		return models.RideRequest{}, apperr.Validation("ce trajet n'est pas proposé le %s", requestedDate)
	}
	if trip.DriverID == riderID {
		return models.RideRequest{}, apperr.Validation("vous ne pouvez pas réserver votre propre trajet")
	}

	r := models.RideRequest{
		ID:            uuid.NewString(),
		TripOfferID:   tripOfferID,
		RiderID:       riderID,
		RequestedDate: requestedDate,
		Status:        models.StatusPending,
		CreatedAt:     s.now(),
	}
	err = s.Store.InsertRequest(ctx, r)
	observability.RequestsSubmitted.WithLabelValues(observability.Outcome(err)).Inc()
	if err != nil {
		if errors.Is(err, apperr.ErrStore) {
			s.logger().Error("insert ride request", "trip_id", tripOfferID, "rider_id", riderID, "error", err)
		}
		return models.RideRequest{}, err
	}
	events.Emit(ctx, s.Events, s.logger(), events.Event{
		Type: events.RequestSubmitted, At: r.CreatedAt, DriverID: trip.DriverID, RiderID: riderID,
		TripOfferIDs: []string{tripOfferID}, RequestID: r.ID, Status: string(r.Status),
	})
	return r, nil
}

// Decide moves a PENDING request to a terminal state. Only the trip's driver
// may decide; a request that was already decided is left unchanged.
func (s *Service) Decide(ctx context.Context, caller identity.Identity, requestID string, decision models.RequestStatus) (models.RideRequest, error) {
	if !caller.Authenticated() {
		return models.RideRequest{}, apperr.Denied()
	}
	if !decision.Terminal() {
		return models.RideRequest{}, apperr.Validation("décision invalide: %q", decision)
	}
	r, err := s.Store.DecideRequest(ctx, caller.SubjectID, requestID, decision, s.now())
	observability.RequestsDecided.WithLabelValues(observability.Outcome(err)).Inc()
	if err != nil {
		if errors.Is(err, apperr.ErrStore) {
			s.logger().Error("decide ride request", "request_id", requestID, "error", err)
		}
		return models.RideRequest{}, err
	}
	events.Emit(ctx, s.Events, s.logger(), events.Event{
		Type: events.RequestDecided, At: s.now(), DriverID: caller.SubjectID, RiderID: r.RiderID,
		TripOfferIDs: []string{r.TripOfferID}, RequestID: r.ID, Status: string(r.Status),
	})
	return r, nil
}

// Dashboard splits a driver's requests, each list newest first.
type Dashboard struct {
	Pending []models.RideRequestView `json:"pending"`
	History []models.RideRequestView `json:"history"`
}

func (s *Service) ListForDriver(ctx context.Context, caller identity.Identity) (Dashboard, error) {
	if !caller.Authenticated() {
		return Dashboard{}, apperr.Denied()
	}
	all, err := s.Store.ListDriverRequests(ctx, caller.SubjectID)
	if err != nil {
		return Dashboard{}, apperr.Store(fmt.Errorf("list driver requests: %w", err))
	}
	d := Dashboard{Pending: []models.RideRequestView{}, History: []models.RideRequestView{}}
	for _, r := range all {
		if r.Status == models.StatusPending {
			d.Pending = append(d.Pending, r)
		} else {
			d.History = append(d.History, r)
		}
	}
	return d, nil
}

func (s *Service) PendingCount(ctx context.Context, caller identity.Identity) (int, error) {
	if !caller.Authenticated() {
		return 0, apperr.Denied()
	}
	if s.Counter != nil {
		n, ok, err := s.Counter.Pending(ctx, caller.SubjectID)
		switch {
		case err != nil:
			s.logger().Warn("pending counter unavailable", "driver_id", caller.SubjectID, "error", err)
		case ok && n >= 0:
			return int(n), nil
		}
	}
	d, err := s.ListForDriver(ctx, caller)
	if err != nil {
		return 0, err
	}
	return len(d.Pending), nil
}

func (s *Service) ListForRider(ctx context.Context, caller identity.Identity) ([]models.RideRequest, error) {
	if !caller.Authenticated() {
		return nil, apperr.Denied()
	}
	out, err := s.Store.ListRiderRequests(ctx, caller.SubjectID)
	if err != nil {
		return nil, apperr.Store(fmt.Errorf("list rider requests: %w", err))
	}
	return out, nil
}
