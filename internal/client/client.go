// Package client talks to the commute-pool HTTP API. It is the remote half
// of a reconciler.View.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/commute-pool/internal/apperr"
	"github.com/example/commute-pool/internal/conversation"
	"github.com/example/commute-pool/internal/ledger"
	"github.com/example/commute-pool/internal/models"
)

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var kinds = map[string]error{
	"validation":        apperr.ErrValidation,
	"duplicate_request": apperr.ErrDuplicateRequest,
	"authorization":     apperr.ErrAuthorization,
	"unauthenticated":   apperr.ErrAuthorization,
	"already_decided":   apperr.ErrAlreadyDecided,
	"store":             apperr.ErrStore,
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &apperr.Error{Kind: apperr.ErrStore, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&eb)
		kind, ok := kinds[eb.Code]
		if !ok {
			return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, eb.Error)
		}
		return &apperr.Error{Kind: kind, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

type NewTrips struct {
	Origin      models.Coord `json:"origin"`
	OriginLabel string       `json:"origin_label"`
	Dates       []string     `json:"dates"`
	StartTime   string       `json:"start_time"`
	ReturnTime  string       `json:"return_time"`
}

func (c *Client) CreateTrips(ctx context.Context, in NewTrips) ([]models.TripOffer, error) {
	var out struct {
		Trips []models.TripOffer `json:"trips"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/trips", in, &out); err != nil {
		return nil, err
	}
	return out.Trips, nil
}

func (c *Client) SearchRides(ctx context.Context, at models.Coord, clock string, dates []string) ([]models.MatchCandidate, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprint(at.Lat))
	q.Set("lon", fmt.Sprint(at.Lon))
	q.Set("time", clock)
	q.Set("dates", strings.Join(dates, ","))
	var out struct {
		Rides []models.MatchCandidate `json:"rides"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/trips/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Rides, nil
}

func (c *Client) SubmitRequest(ctx context.Context, tripOfferID, requestedDate string) (models.RideRequest, error) {
	var out models.RideRequest
	err := c.do(ctx, http.MethodPost, "/api/v1/requests", map[string]string{
		"trip_offer_id":  tripOfferID,
		"requested_date": requestedDate,
	}, &out)
	return out, err
}

func (c *Client) Decide(ctx context.Context, requestID string, decision models.RequestStatus) (models.RideRequest, error) {
	var out models.RideRequest
	err := c.do(ctx, http.MethodPost, "/api/v1/requests/"+url.PathEscape(requestID)+"/decision",
		map[string]string{"decision": string(decision)}, &out)
	return out, err
}

func (c *Client) DriverRequests(ctx context.Context) (ledger.Dashboard, error) {
	var out ledger.Dashboard
	err := c.do(ctx, http.MethodGet, "/api/v1/requests", nil, &out)
	return out, err
}

func (c *Client) RiderRequests(ctx context.Context) ([]models.RideRequest, error) {
	var out struct {
		Requests []models.RideRequest `json:"requests"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/requests/mine", nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var out struct {
		Pending int `json:"pending"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/requests/pending-count", nil, &out)
	return out.Pending, err
}

func (c *Client) PutProfile(ctx context.Context, p models.Profile) (models.Profile, error) {
	var out models.Profile
	err := c.do(ctx, http.MethodPut, "/api/v1/profile", map[string]string{
		"first_name": p.FirstName,
		"last_name":  p.LastName,
		"service":    p.Service,
		"avatar_url": p.AvatarURL,
		"phone":      p.Phone,
	}, &out)
	return out, err
}

func (c *Client) StartConversation(ctx context.Context, driverID, passengerID string) (string, error) {
	var out struct {
		ID string `json:"conversation_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/conversations", map[string]string{
		"driver_id":    driverID,
		"passenger_id": passengerID,
	}, &out)
	return out.ID, err
}

func (c *Client) OpenConversation(ctx context.Context, id string) (conversation.Thread, error) {
	var out conversation.Thread
	err := c.do(ctx, http.MethodGet, "/api/v1/conversations/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, conversationID string) ([]models.MessageView, error) {
	var out struct {
		Messages []models.MessageView `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Send posts a message. clientToken is echoed on the feed event of the insert.
func (c *Client) Send(ctx context.Context, conversationID, content, clientToken string) (models.Message, error) {
	var out models.Message
	err := c.do(ctx, http.MethodPost, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/messages",
		map[string]string{"content": content, "client_token": clientToken}, &out)
	return out, err
}

func (c *Client) Fetch(ctx context.Context, messageID string) (models.MessageView, error) {
	var out models.MessageView
	err := c.do(ctx, http.MethodGet, "/api/v1/messages/"+url.PathEscape(messageID), nil, &out)
	return out, err
}
