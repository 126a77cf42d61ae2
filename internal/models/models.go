package models

import "time"

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TripOffer is one driver's commute leg on one date.
type TripOffer struct {
	ID          string    `json:"id"`
	DriverID    string    `json:"driver_id"`
	Origin      Coord     `json:"origin"`
	OriginLabel string    `json:"origin_label"`
	Date        string    `json:"date"`
	StartTime   string    `json:"start_time"`
	ReturnTime  string    `json:"return_time"`
	CreatedAt   time.Time `json:"created_at"`
}

type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusAccepted RequestStatus = "ACCEPTED"
	StatusDeclined RequestStatus = "DECLINED"
)

// Terminal reports whether no further transition is allowed from s.
func (s RequestStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusDeclined
}

type RideRequest struct {
	ID            string        `json:"id"`
	TripOfferID   string        `json:"trip_offer_id"`
	RiderID       string        `json:"rider_id"`
	RequestedDate string        `json:"requested_date"`
	Status        RequestStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	DecidedAt     *time.Time    `json:"decided_at,omitempty"`
}

// RideRequestView is a request joined with its trip and the rider's profile.
type RideRequestView struct {
	RideRequest
	Trip  TripOffer `json:"trip"`
	Rider Profile   `json:"rider"`
}

type Profile struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Service   string `json:"service"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Sender projects the profile fields displayed next to a message.
func (p Profile) Sender() Sender {
	return Sender{Name: p.FirstName, AvatarURL: p.AvatarURL}
}

type Conversation struct {
	ID          string    `json:"id"`
	DriverID    string    `json:"driver_id"`
	PassengerID string    `json:"passenger_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Has reports whether subject is one of the two participants.
func (c Conversation) Has(subject string) bool {
	return subject != "" && (c.DriverID == subject || c.PassengerID == subject)
}

// Other returns the id of the participant that is not subject.
func (c Conversation) Other(subject string) string {
	if c.DriverID == subject {
		return c.PassengerID
	}
	return c.DriverID
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	ClientToken    string    `json:"client_token,omitempty"`
}

type Sender struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type MessageView struct {
	Message
	Sender Sender `json:"sender"`
}

// MatchCandidate is one ranked result of the match query.
type MatchCandidate struct {
	TripID           string  `json:"trip_id"`
	DriverID         string  `json:"driver_id"`
	DriverName       string  `json:"driver_name"`
	DriverService    string  `json:"driver_service"`
	DriverAvatar     string  `json:"driver_avatar,omitempty"`
	StartTime        string  `json:"start_time"`
	ReturnTime       string  `json:"return_time"`
	OriginAddress    string  `json:"origin_address"`
	DistanceMeters   float64 `json:"distance_meters"`
	TimeDeltaMinutes int     `json:"time_delta_minutes"`
	SearchDate       string  `json:"search_date"`
}
