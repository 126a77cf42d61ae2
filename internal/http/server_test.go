package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/commute-pool/internal/conversation"
	"github.com/example/commute-pool/internal/feed"
	"github.com/example/commute-pool/internal/geo"
	"github.com/example/commute-pool/internal/identity"
	"github.com/example/commute-pool/internal/ledger"
	"github.com/example/commute-pool/internal/logging"
	"github.com/example/commute-pool/internal/messaging"
	"github.com/example/commute-pool/internal/search"
	"github.com/example/commute-pool/internal/storage"
)

const testSecret = "test-secret"

type harness struct {
	srv    *Server
	issuer *identity.Issuer
	hub    *feed.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storage.NewMemoryStore()
	idx := geo.NewMemoryIndex()
	hub := feed.NewHub(8)
	logger := logging.Discard()
	now := func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) }
	srv := NewServer(Deps{
		Ledger:    &ledger.Service{Store: st, Index: idx, Logger: logger, Now: now},
		Search:    &search.Service{Finder: &search.IndexFinder{Index: idx, Store: st}, Logger: logger},
		Directory: &conversation.Directory{Store: st, Logger: logger},
		Channel:   &messaging.Channel{Store: st, Feed: hub, Logger: logger},
		Profiles:  st,
		Verifier:  identity.NewVerifier(testSecret, ""),
		Logger:    logger,
	})
	return &harness{srv: srv, issuer: identity.NewIssuer(testSecret, "", time.Hour), hub: hub}
}

func (h *harness) token(t *testing.T, subject string) string {
	t.Helper()
	id, err := h.issuer.Issue(subject)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return id.Credential
}

func (h *harness) call(t *testing.T, subject, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(t, subject))
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func TestHealthAndAuth(t *testing.T) {
	h := newHarness(t)
	if code := h.call(t, "", "GET", "/healthz", nil, nil); code != 200 {
		t.Fatalf("healthz: %d", code)
	}
	var eb errorBody
	if code := h.call(t, "", "GET", "/api/v1/requests", nil, &eb); code != http.StatusUnauthorized || eb.Code != "unauthenticated" {
		t.Fatalf("expected 401, got %d %+v", code, eb)
	}

	req := httptest.NewRequest("GET", "/api/v1/requests", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", rec.Code)
	}
}

func TestRequestLifecycle(t *testing.T) {
	h := newHarness(t)
	if code := h.call(t, "d1", "PUT", "/api/v1/profile", map[string]string{"first_name": "Karim", "service": "Urgences"}, nil); code != 200 {
		t.Fatalf("profile: %d", code)
	}

	var created struct {
		Trips []struct {
			ID   string `json:"id"`
			Date string `json:"date"`
		} `json:"trips"`
	}
	code := h.call(t, "d1", "POST", "/api/v1/trips", map[string]any{
		"origin":       map[string]float64{"lat": 48.8443, "lon": 2.3744},
		"origin_label": "Gare de Lyon",
		"dates":        []string{"2025-06-02", "2025-06-03"},
		"start_time":   "07:30",
		"return_time":  "17:00",
	}, &created)
	if code != http.StatusCreated || len(created.Trips) != 2 {
		t.Fatalf("create trips: %d %+v", code, created)
	}

	var found struct {
		Rides []struct {
			TripID     string `json:"trip_id"`
			DriverName string `json:"driver_name"`
		} `json:"rides"`
	}
	code = h.call(t, "p1", "GET", "/api/v1/trips/search?lat=48.845&lon=2.375&time=08:00&dates=2025-06-02", nil, &found)
	if code != 200 || len(found.Rides) != 1 || found.Rides[0].DriverName != "Karim" {
		t.Fatalf("search: %d %+v", code, found)
	}

	trip := found.Rides[0].TripID
	var req struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	body := map[string]string{"trip_offer_id": trip, "requested_date": "2025-06-02"}
	if code := h.call(t, "p1", "POST", "/api/v1/requests", body, &req); code != http.StatusCreated || req.Status != "PENDING" {
		t.Fatalf("submit: %d %+v", code, req)
	}
	var eb errorBody
	if code := h.call(t, "p1", "POST", "/api/v1/requests", body, &eb); code != http.StatusConflict || eb.Code != "duplicate_request" {
		t.Fatalf("duplicate: %d %+v", code, eb)
	}

	var count struct {
		Pending int `json:"pending"`
	}
	if code := h.call(t, "d1", "GET", "/api/v1/requests/pending-count", nil, &count); code != 200 || count.Pending != 1 {
		t.Fatalf("pending count: %d %+v", code, count)
	}

	decide := "/api/v1/requests/" + req.ID + "/decision"
	if code := h.call(t, "p1", "POST", decide, map[string]string{"decision": "ACCEPTED"}, &eb); code != http.StatusForbidden {
		t.Fatalf("rider decide: expected 403, got %d", code)
	}
	if code := h.call(t, "d1", "POST", decide, map[string]string{"decision": "ACCEPTED"}, &req); code != 200 || req.Status != "ACCEPTED" {
		t.Fatalf("decide: %d %+v", code, req)
	}
	if code := h.call(t, "d1", "POST", decide, map[string]string{"decision": "DECLINED"}, &eb); code != http.StatusConflict || eb.Code != "already_decided" {
		t.Fatalf("second decide: %d %+v", code, eb)
	}

	var mine struct {
		Requests []struct {
			Status string `json:"status"`
		} `json:"requests"`
	}
	if code := h.call(t, "p1", "GET", "/api/v1/requests/mine", nil, &mine); code != 200 || len(mine.Requests) != 1 || mine.Requests[0].Status != "ACCEPTED" {
		t.Fatalf("mine: %d %+v", code, mine)
	}
}

func TestPayloadValidation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		path string
		body any
	}{
		{"bad clock", "/api/v1/trips", map[string]any{"origin_label": "Gare", "dates": []string{"2025-06-02"}, "start_time": "25:00", "return_time": "17:00"}},
		{"no dates", "/api/v1/trips", map[string]any{"origin_label": "Gare", "dates": []string{}, "start_time": "07:00", "return_time": "17:00"}},
		{"unknown field", "/api/v1/requests", map[string]any{"trip_offer_id": "t", "requested_date": "2025-06-02", "rider_id": "x"}},
		{"bad decision", "/api/v1/requests/r1/decision", map[string]any{"decision": "MAYBE"}},
	}
	for _, tc := range cases {
		var eb errorBody
		if code := h.call(t, "d1", "POST", tc.path, tc.body, &eb); code != http.StatusBadRequest || eb.Code != "validation" {
			t.Fatalf("%s: expected 400 validation, got %d %+v", tc.name, code, eb)
		}
	}
	if code := h.call(t, "d1", "GET", "/api/v1/trips/search?lat=x&lon=2&time=08:00&dates=2025-06-02", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("search bad lat: %d", code)
	}
}

func TestConversationFeed(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	var started struct {
		ID string `json:"conversation_id"`
	}
	if code := h.call(t, "p1", "POST", "/api/v1/conversations", map[string]string{"driver_id": "d1", "passenger_id": "p1"}, &started); code != 200 {
		t.Fatalf("start: %d", code)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/conversations/" + started.ID + "?access_token=" + h.token(t, "d1")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return h.hub.Subscribers(started.ID) == 1 })

	var sent struct {
		ID          string `json:"id"`
		ClientToken string `json:"client_token"`
	}
	path := "/api/v1/conversations/" + started.ID + "/messages"
	if code := h.call(t, "p1", "POST", path, map[string]string{"content": "J'arrive", "client_token": "tok-1"}, &sent); code != http.StatusCreated || sent.ClientToken != "tok-1" {
		t.Fatalf("send: %d %+v", code, sent)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev feed.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.MessageID != sent.ID || ev.ClientToken != "tok-1" || ev.SenderID != "p1" {
		t.Fatalf("unexpected event %+v", ev)
	}

	outsider := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/conversations/" + started.ID + "?access_token=" + h.token(t, "x")
	_, resp, err := websocket.DefaultDialer.Dial(outsider, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider should get 403, got %v %v", resp, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
}

func TestReadyUsesProbe(t *testing.T) {
	h := newHarness(t)
	h.srv.ready = func(context.Context) error { return context.DeadlineExceeded }
	if code := h.call(t, "", "GET", "/ready", nil, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
