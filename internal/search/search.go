// Package search answers "which trips leave near this point around this
// time" for one or several dates.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/commute-pool/internal/apperr"
	"github.com/example/commute-pool/internal/geo"
	"github.com/example/commute-pool/internal/models"
	"github.com/example/commute-pool/internal/observability"
	"github.com/example/commute-pool/internal/storage"
)

const (
	DefaultRadiusMeters    = 3000
	DefaultMaxDeltaMinutes = 60
	DefaultLimit           = 50
	DefaultConcurrency     = 4
)

// Finder is the single-date match query.
type Finder interface {
	FindMatchingRides(ctx context.Context, at models.Coord, clock, date string) ([]models.MatchCandidate, error)
}

type Stores interface {
	storage.TripStore
	storage.ProfileStore
}

// IndexFinder matches offers through a geo index and keeps those whose
// start time is close enough to the searched time.
type IndexFinder struct {
	Index           geo.Index
	Store           Stores
	RadiusMeters    float64
	MaxDeltaMinutes int
	Limit           int
}

func (f *IndexFinder) FindMatchingRides(ctx context.Context, at models.Coord, clock, date string) ([]models.MatchCandidate, error) {
	want, err := minutes(clock)
	if err != nil {
		return nil, err
	}
	radius := f.RadiusMeters
	if radius <= 0 {
		radius = DefaultRadiusMeters
	}
	maxDelta := f.MaxDeltaMinutes
	if maxDelta <= 0 {
		maxDelta = DefaultMaxDeltaMinutes
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	// the limit applies to matches, not to raw index hits
	hits, err := f.Index.Nearby(ctx, date, at, radius, 0)
	if err != nil {
		return nil, fmt.Errorf("geo nearby %s: %w", date, err)
	}
	out := make([]models.MatchCandidate, 0, len(hits))
	for _, h := range hits {
		trip, err := f.Store.GetTripOffer(ctx, h.TripID)
		if errors.Is(err, storage.ErrNotFound) {
			continue // indexed but gone
		}
		if err != nil {
			return nil, err
		}
		start, err := minutes(trip.StartTime)
		if err != nil {
			continue
		}
		delta := start - want
		if delta < 0 {
			delta = -delta
		}
		if delta > maxDelta {
			continue
		}
		c := models.MatchCandidate{
			TripID:           trip.ID,
			DriverID:         trip.DriverID,
			StartTime:        trip.StartTime,
			ReturnTime:       trip.ReturnTime,
			OriginAddress:    trip.OriginLabel,
			DistanceMeters:   h.DistanceMeters,
			TimeDeltaMinutes: delta,
			SearchDate:       date,
		}
		if p, err := f.Store.GetProfile(ctx, trip.DriverID); err == nil {
			c.DriverName = strings.TrimSpace(p.FirstName + " " + p.LastName)
			c.DriverService = p.Service
			c.DriverAvatar = p.AvatarURL
		}
		out = append(out, c)
	}
	if len(out) > limit {
		sort.Slice(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if a.TimeDeltaMinutes != b.TimeDeltaMinutes {
				return a.TimeDeltaMinutes < b.TimeDeltaMinutes
			}
			if a.DistanceMeters != b.DistanceMeters {
				return a.DistanceMeters < b.DistanceMeters
			}
			return a.TripID < b.TripID
		})
		out = out[:limit]
	}
	return out, nil
}

func minutes(clock string) (int, error) {
	h, m, ok := strings.Cut(clock, ":")
	if !ok {
		return 0, apperr.Validation("heure invalide %q", clock)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, apperr.Validation("heure invalide %q", clock)
	}
	return hh*60 + mm, nil
}

type Query struct {
	At    models.Coord
	Time  string
	Dates []string
}

type Service struct {
	Finder      Finder
	Logger      *slog.Logger
	Concurrency int
}

// FindRides runs the match query once per date. A date whose query fails is
// logged and contributes nothing; the others are still returned, sorted by
// date then by closeness of the start time.
func (s *Service) FindRides(ctx context.Context, q Query) ([]models.MatchCandidate, error) {
	if len(q.Dates) == 0 {
		return nil, apperr.Validation("Aucune date sélectionnée")
	}
	if _, err := minutes(q.Time); err != nil {
		return nil, err
	}
	for _, d := range q.Dates {
		if _, err := time.Parse(models.DateLayout, d); err != nil {
			return nil, apperr.Validation("date invalide %q", d)
		}
	}
	start := time.Now()
	defer func() { observability.SearchLatency.Observe(time.Since(start).Seconds()) }()

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := s.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	var (
		mu  sync.Mutex
		all []models.MatchCandidate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, date := range q.Dates {
		date := date
		g.Go(func() error {
			found, err := s.Finder.FindMatchingRides(gctx, q.At, q.Time, date)
			if err != nil {
				logger.Warn("match query failed", "date", date, "error", err)
				return nil
			}
			for i := range found {
				found[i].SearchDate = date
			}
			mu.Lock()
			all = append(all, found...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].SearchDate != all[j].SearchDate {
			return all[i].SearchDate < all[j].SearchDate
		}
		if all[i].TimeDeltaMinutes != all[j].TimeDeltaMinutes {
			return all[i].TimeDeltaMinutes < all[j].TimeDeltaMinutes
		}
		return all[i].TripID < all[j].TripID
	})
	return all, nil
}
