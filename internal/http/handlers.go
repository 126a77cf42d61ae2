package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/commute-pool/internal/apperr"
	"github.com/example/commute-pool/internal/conversation"
	"github.com/example/commute-pool/internal/identity"
	"github.com/example/commute-pool/internal/ledger"
	"github.com/example/commute-pool/internal/messaging"
	"github.com/example/commute-pool/internal/models"
	"github.com/example/commute-pool/internal/search"
	"github.com/example/commute-pool/internal/storage"
)

// Deps are the services the API exposes.
type Deps struct {
	Ledger    *ledger.Service
	Search    *search.Service
	Directory *conversation.Directory
	Channel   *messaging.Channel
	Profiles  storage.ProfileStore
	Verifier  *identity.Verifier
	// Ready reports whether backing services are reachable. Optional.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	ledger    *ledger.Service
	search    *search.Service
	directory *conversation.Directory
	channel   *messaging.Channel
	profiles  storage.ProfileStore
	verifier  *identity.Verifier
	ready     func(ctx context.Context) error

	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ledger:    d.Ledger,
		search:    d.Search,
		directory: d.Directory,
		channel:   d.Channel,
		profiles:  d.Profiles,
		verifier:  d.Verifier,
		ready:     d.Ready,
		logger:    logger,
		validate:  newValidator(),
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/trips", s.handleCreateTrips).Methods("POST")
	api.HandleFunc("/trips/search", s.handleSearch).Methods("GET")
	api.HandleFunc("/requests", s.handleSubmitRequest).Methods("POST")
	api.HandleFunc("/requests", s.handleDriverRequests).Methods("GET")
	api.HandleFunc("/requests/mine", s.handleRiderRequests).Methods("GET")
	api.HandleFunc("/requests/pending-count", s.handlePendingCount).Methods("GET")
	api.HandleFunc("/requests/{id}/decision", s.handleDecide).Methods("POST")
	api.HandleFunc("/profile", s.handleGetProfile).Methods("GET")
	api.HandleFunc("/profile", s.handlePutProfile).Methods("PUT")
	api.HandleFunc("/conversations", s.handleStartConversation).Methods("POST")
	api.HandleFunc("/conversations/{id}", s.handleOpenConversation).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", s.handleHistory).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", s.handleSendMessage).Methods("POST")
	api.HandleFunc("/messages/{id}", s.handleFetchMessage).Methods("GET")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/conversations/{id}", s.handleConversationFeed).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("not ready", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func caller(r *http.Request) identity.Identity {
	id, _ := identity.FromContext(r.Context())
	return id
}

func (s *Server) handleCreateTrips(w http.ResponseWriter, r *http.Request) {
	var p createTripsPayload
	if err := s.decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	who := caller(r)
	offers, err := s.ledger.CreateTripOffers(r.Context(), who, ledger.NewTripOffers{
		DriverID:    who.SubjectID,
		Origin:      p.Origin.coord(),
		OriginLabel: p.OriginLabel,
		Dates:       p.Dates,
		StartTime:   p.StartTime,
		ReturnTime:  p.ReturnTime,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"trips": offers})
}

// handleSearch takes lat, lon, time and a comma separated dates list.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		s.writeError(w, r, apperr.Validation("lat et lon invalides"))
		return
	}
	var dates []string
	for _, d := range strings.Split(q.Get("dates"), ",") {
		if d = strings.TrimSpace(d); d != "" {
			dates = append(dates, d)
		}
	}
	found, err := s.search.FindRides(r.Context(), search.Query{
		At:    models.Coord{Lat: lat, Lon: lon},
		Time:  q.Get("time"),
		Dates: dates,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if found == nil {
		found = []models.MatchCandidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": found})
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var p submitRequestPayload
	if err := s.decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	who := caller(r)
	req, err := s.ledger.SubmitRequest(r.Context(), who, p.TripOfferID, who.SubjectID, p.RequestedDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleDriverRequests(w http.ResponseWriter, r *http.Request) {
	d, err := s.ledger.ListForDriver(r.Context(), caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRiderRequests(w http.ResponseWriter, r *http.Request) {
	out, err := s.ledger.ListForRider(r.Context(), caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []models.RideRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.ledger.PendingCount(r.Context(), caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var p decisionPayload
	if err := s.decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.ledger.Decide(r.Context(), caller(r), mux.Vars(r)["id"], models.RequestStatus(p.Decision))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	who := caller(r)
	p, err := s.profiles.GetProfile(r.Context(), who.SubjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "profil introuvable", Code: "not_found"})
			return
		}
		s.writeError(w, r, apperr.Store(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var p profilePayload
	if err := s.decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	profile := models.Profile{
		ID:        caller(r).SubjectID,
		FirstName: strings.TrimSpace(p.FirstName),
		LastName:  strings.TrimSpace(p.LastName),
		Service:   strings.TrimSpace(p.Service),
		AvatarURL: p.AvatarURL,
		Phone:     strings.TrimSpace(p.Phone),
	}
	if err := s.profiles.UpsertProfile(r.Context(), profile); err != nil {
		s.writeError(w, r, apperr.Store(err))
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
