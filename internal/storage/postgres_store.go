package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/commute-pool/internal/apperr"
	"github.com/example/commute-pool/internal/models"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) InsertTripOffers(ctx context.Context, offers []models.TripOffer) error {
	if len(offers) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args = make([]any, 0, len(offers)*9)
	)
	sb.WriteString(`INSERT INTO trip_offers (id, driver_id, origin_lat, origin_lon, origin_label, trip_date, start_time, return_time, created_at) VALUES `)
	for i, o := range offers {
		if i > 0 {
			sb.WriteString(",")
		}
		n := i * 9
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9)
		args = append(args, o.ID, o.DriverID, o.Origin.Lat, o.Origin.Lon, o.OriginLabel, o.Date, o.StartTime, o.ReturnTime, o.CreatedAt)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Store(err)
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		_ = tx.Rollback()
		return apperr.Store(err)
	}
	return apperr.Store(tx.Commit())
}

const tripColumns = `t.id, t.driver_id, t.origin_lat, t.origin_lon, t.origin_label, t.trip_date,
	to_char(t.start_time, 'HH24:MI'), to_char(t.return_time, 'HH24:MI'), t.created_at`

func scanTrip(dst *models.TripOffer, date *time.Time) []any {
	return []any{&dst.ID, &dst.DriverID, &dst.Origin.Lat, &dst.Origin.Lon, &dst.OriginLabel, date, &dst.StartTime, &dst.ReturnTime, &dst.CreatedAt}
}

func (p *PostgresStore) GetTripOffer(ctx context.Context, id string) (models.TripOffer, error) {
	var (
		t    models.TripOffer
		date time.Time
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trip_offers t WHERE t.id = $1`, id).Scan(scanTrip(&t, &date)...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TripOffer{}, ErrNotFound
	}
	if err != nil {
		return models.TripOffer{}, apperr.Store(err)
	}
	t.Date = date.Format(models.DateLayout)
	return t, nil
}

func (p *PostgresStore) ListTripOffersFrom(ctx context.Context, from string) ([]models.TripOffer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripColumns+` FROM trip_offers t
		WHERE t.trip_date >= $1 ORDER BY t.trip_date, t.id`, from)
	if err != nil {
		return nil, apperr.Store(err)
	}
	defer rows.Close()

	out := []models.TripOffer{}
	for rows.Next() {
		var (
			t    models.TripOffer
			date time.Time
		)
		if err := rows.Scan(scanTrip(&t, &date)...); err != nil {
			return nil, apperr.Store(err)
		}
		t.Date = date.Format(models.DateLayout)
		out = append(out, t)
	}
	return out, apperr.Store(rows.Err())
}

func (p *PostgresStore) InsertRequest(ctx context.Context, r models.RideRequest) error {
	var id string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO ride_requests (id, trip_offer_id, rider_id, requested_date, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ON CONSTRAINT ride_requests_once DO NOTHING
		RETURNING id`,
		r.ID, r.TripOfferID, r.RiderID, r.RequestedDate, string(r.Status), r.CreatedAt).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return apperr.Duplicate()
	case pqCode(err) == pqUniqueViolation:
		return apperr.Duplicate()
	case pqCode(err) == pqForeignKeyViolation:
		return apperr.Denied()
	case err != nil:
		return apperr.Store(err)
	}
	return nil
}

const requestColumns = `r.id, r.trip_offer_id, r.rider_id, r.requested_date, r.status, r.created_at, r.decided_at`

func scanRequest(dst *models.RideRequest, date *time.Time, status *string, decided *sql.NullTime) []any {
	return []any{&dst.ID, &dst.TripOfferID, &dst.RiderID, date, status, &dst.CreatedAt, decided}
}

func finishRequest(r *models.RideRequest, date time.Time, status string, decided sql.NullTime) {
	r.RequestedDate = date.Format(models.DateLayout)
	r.Status = models.RequestStatus(status)
	if decided.Valid {
		at := decided.Time
		r.DecidedAt = &at
	}
}

func (p *PostgresStore) DecideRequest(ctx context.Context, driverID, requestID string, status models.RequestStatus, at time.Time) (models.RideRequest, error) {
	var (
		r       models.RideRequest
		date    time.Time
		st      string
		decided sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		UPDATE ride_requests r SET status = $1, decided_at = $2
		FROM trip_offers t
		WHERE r.id = $3 AND t.id = r.trip_offer_id AND t.driver_id = $4 AND r.status = 'PENDING'
		RETURNING `+requestColumns,
		string(status), at, requestID, driverID).Scan(scanRequest(&r, &date, &st, &decided)...)
	if err == nil {
		finishRequest(&r, date, st, decided)
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, apperr.Store(err)
	}

	// Nothing updated: either the caller cannot see the row or it is terminal.
	err = p.db.QueryRowContext(ctx, `
		SELECT r.status FROM ride_requests r JOIN trip_offers t ON t.id = r.trip_offer_id
		WHERE r.id = $1 AND t.driver_id = $2`, requestID, driverID).Scan(&st)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return models.RideRequest{}, apperr.Denied()
	case err != nil:
		return models.RideRequest{}, apperr.Store(err)
	}
	return models.RideRequest{}, apperr.AlreadyDecided()
}

func (p *PostgresStore) ListDriverRequests(ctx context.Context, driverID string) ([]models.RideRequestView, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`, `+tripColumns+`,
			COALESCE(pr.first_name, ''), COALESCE(pr.last_name, ''), COALESCE(pr.service, ''), COALESCE(pr.avatar_url, '')
		FROM ride_requests r
		JOIN trip_offers t ON t.id = r.trip_offer_id
		LEFT JOIN profiles pr ON pr.id = r.rider_id
		WHERE t.driver_id = $1
		ORDER BY r.created_at DESC, r.id DESC`, driverID)
	if err != nil {
		return nil, apperr.Store(err)
	}
	defer rows.Close()

	out := []models.RideRequestView{}
	for rows.Next() {
		var (
			v                 models.RideRequestView
			reqDate, tripDate time.Time
			st                string
			decided           sql.NullTime
		)
		dest := scanRequest(&v.RideRequest, &reqDate, &st, &decided)
		dest = append(dest, scanTrip(&v.Trip, &tripDate)...)
		dest = append(dest, &v.Rider.FirstName, &v.Rider.LastName, &v.Rider.Service, &v.Rider.AvatarURL)
		if err := rows.Scan(dest...); err != nil {
			return nil, apperr.Store(err)
		}
		finishRequest(&v.RideRequest, reqDate, st, decided)
		v.Trip.Date = tripDate.Format(models.DateLayout)
		v.Rider.ID = v.RiderID
		out = append(out, v)
	}
	return out, apperr.Store(rows.Err())
}

func (p *PostgresStore) ListRiderRequests(ctx context.Context, riderID string) ([]models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM ride_requests r
		WHERE r.rider_id = $1 ORDER BY r.created_at DESC, r.id DESC`, riderID)
	if err != nil {
		return nil, apperr.Store(err)
	}
	defer rows.Close()

	out := []models.RideRequest{}
	for rows.Next() {
		var (
			r       models.RideRequest
			date    time.Time
			st      string
			decided sql.NullTime
		)
		if err := rows.Scan(scanRequest(&r, &date, &st, &decided)...); err != nil {
			return nil, apperr.Store(err)
		}
		finishRequest(&r, date, st, decided)
		out = append(out, r)
	}
	return out, apperr.Store(rows.Err())
}

func (p *PostgresStore) StartOrGetConversation(ctx context.Context, actor string, c models.Conversation) (models.Conversation, error) {
	if !c.Has(actor) {
		return models.Conversation{}, apperr.Denied()
	}
	// The no-op update makes RETURNING yield the existing row on conflict.
	var out models.Conversation
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, driver_id, passenger_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ((LEAST(driver_id, passenger_id)), (GREATEST(driver_id, passenger_id)))
		DO UPDATE SET driver_id = conversations.driver_id
		RETURNING id, driver_id, passenger_id, created_at`,
		c.ID, c.DriverID, c.PassengerID, c.CreatedAt).Scan(&out.ID, &out.DriverID, &out.PassengerID, &out.CreatedAt)
	if err != nil {
		return models.Conversation{}, apperr.Store(err)
	}
	return out, nil
}

func (p *PostgresStore) GetConversation(ctx context.Context, actor, id string) (models.Conversation, error) {
	var c models.Conversation
	err := p.db.QueryRowContext(ctx, `
		SELECT id, driver_id, passenger_id, created_at FROM conversations
		WHERE id = $1 AND (driver_id = $2 OR passenger_id = $2)`, id, actor).
		Scan(&c.ID, &c.DriverID, &c.PassengerID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, apperr.Denied()
	}
	if err != nil {
		return models.Conversation{}, apperr.Store(err)
	}
	return c, nil
}

func (p *PostgresStore) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, client_token, created_at)
		SELECT $1, c.id, $3, $4, $5, GREATEST($6::timestamptz,
			COALESCE((SELECT max(created_at) FROM messages WHERE conversation_id = c.id), $6::timestamptz))
		FROM conversations c
		WHERE c.id = $2 AND (c.driver_id = $3 OR c.passenger_id = $3)
		RETURNING created_at`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.ClientToken, m.CreatedAt).Scan(&m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, apperr.Denied()
	}
	if err != nil {
		return models.Message{}, apperr.Store(err)
	}
	return m, nil
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.client_token, m.created_at,
	COALESCE(pr.first_name, ''), COALESCE(pr.avatar_url, '')`

func scanMessage(v *models.MessageView) []any {
	return []any{&v.ID, &v.ConversationID, &v.SenderID, &v.Content, &v.ClientToken, &v.CreatedAt, &v.Sender.Name, &v.Sender.AvatarURL}
}

func (p *PostgresStore) ListMessages(ctx context.Context, actor, conversationID string) ([]models.MessageView, error) {
	if _, err := p.GetConversation(ctx, actor, conversationID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m LEFT JOIN profiles pr ON pr.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC, m.id ASC`, conversationID)
	if err != nil {
		return nil, apperr.Store(err)
	}
	defer rows.Close()

	out := []models.MessageView{}
	for rows.Next() {
		var v models.MessageView
		if err := rows.Scan(scanMessage(&v)...); err != nil {
			return nil, apperr.Store(err)
		}
		out = append(out, v)
	}
	return out, apperr.Store(rows.Err())
}

func (p *PostgresStore) GetMessage(ctx context.Context, actor, id string) (models.MessageView, error) {
	var v models.MessageView
	err := p.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		LEFT JOIN profiles pr ON pr.id = m.sender_id
		WHERE m.id = $1 AND (c.driver_id = $2 OR c.passenger_id = $2)`, id, actor).Scan(scanMessage(&v)...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MessageView{}, apperr.Denied()
	}
	if err != nil {
		return models.MessageView{}, apperr.Store(err)
	}
	return v, nil
}

func (p *PostgresStore) UpsertProfile(ctx context.Context, pr models.Profile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO profiles (id, first_name, last_name, service, avatar_url, phone)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
			service = EXCLUDED.service, avatar_url = EXCLUDED.avatar_url, phone = EXCLUDED.phone`,
		pr.ID, pr.FirstName, pr.LastName, pr.Service, pr.AvatarURL, pr.Phone)
	return apperr.Store(err)
}

func (p *PostgresStore) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	var pr models.Profile
	err := p.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, service, avatar_url, phone FROM profiles WHERE id = $1`, id).
		Scan(&pr.ID, &pr.FirstName, &pr.LastName, &pr.Service, &pr.AvatarURL, &pr.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrNotFound
	}
	if err != nil {
		return models.Profile{}, apperr.Store(err)
	}
	return pr, nil
}

func pqCode(err error) pq.ErrorCode {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
