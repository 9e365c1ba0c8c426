package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Subscriber lifecycle statuses.
const (
	StatusInitiated         = "INITIATED"
	StatusUnderSubscription = "UNDER_SUBSCRIPTION"
	StatusSubscribed        = "SUBSCRIBED"
	StatusSuspended         = "SUSPENDED"
	StatusRevoked           = "REVOKED"
)

// Subscriber types.
const (
	TypeBAP = "BAP"
	TypeBPP = "BPP"
	TypeBG  = "BG"
)

// CityNationwide marks a subscriber serving every city in its domain.
const CityNationwide = "*"

// ErrVersionConflict is returned when a CAS update loses the race.
var ErrVersionConflict = errors.New("subscriber row version conflict")

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Subscriber is the registry's identity record for a network participant.
type Subscriber struct {
	SubscriberID     string    `json:"subscriber_id"`
	SubscriberURL    string    `json:"subscriber_url"`
	Type             string    `json:"type"`
	SigningPublicKey string    `json:"signing_public_key"`
	EncrPublicKey    string    `json:"encr_public_key"`
	UniqueKeyID      string    `json:"unique_key_id"`
	Domain           string    `json:"domain"`
	City             string    `json:"city"`
	Status           string    `json:"status"`
	ValidFrom        time.Time `json:"valid_from"`
	ValidUntil       time.Time `json:"valid_until"`
	RowVersion       int64     `json:"-"`
	CreatedAt        time.Time `json:"created"`
	UpdatedAt        time.Time `json:"updated"`
}

// SubscriberDomain is an additional (domain, city) tuple a subscriber serves.
type SubscriberDomain struct {
	SubscriberID string `json:"subscriber_id"`
	Domain       string `json:"domain"`
	City         string `json:"city"`
	Active       bool   `json:"active"`
}

// LookupFilter narrows lookup results. Empty fields match everything.
type LookupFilter struct {
	SubscriberID string `json:"subscriber_id,omitempty"`
	Type         string `json:"type,omitempty"`
	Domain       string `json:"domain,omitempty"`
	City         string `json:"city,omitempty"`
}

// Subscribers persists registry identity records.
type Subscribers struct {
	db *sql.DB
}

func NewSubscribers(db *sql.DB) *Subscribers { return &Subscribers{db: db} }

const subscribersSchema = `
CREATE TABLE IF NOT EXISTS subscribers (
	subscriber_id      TEXT PRIMARY KEY,
	subscriber_url     TEXT NOT NULL,
	type               TEXT NOT NULL,
	signing_public_key TEXT NOT NULL,
	encr_public_key    TEXT NOT NULL,
	unique_key_id      TEXT NOT NULL,
	domain             TEXT NOT NULL,
	city               TEXT NOT NULL,
	status             TEXT NOT NULL,
	valid_from         TIMESTAMP,
	valid_until        TIMESTAMP,
	row_version        INTEGER NOT NULL DEFAULT 1,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscribers_status ON subscribers(status);

CREATE TABLE IF NOT EXISTS subscriber_domains (
	subscriber_id TEXT NOT NULL,
	domain        TEXT NOT NULL,
	city          TEXT NOT NULL,
	active        INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (subscriber_id, domain, city)
);
CREATE INDEX IF NOT EXISTS idx_subscriber_domains ON subscriber_domains(subscriber_id, domain, city);
`

func (s *Subscribers) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, subscribersSchema)
	return err
}

// Upsert inserts sub or refreshes its mutable fields, bumping row_version.
func (s *Subscribers) Upsert(ctx context.Context, sub *Subscriber) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers
			(subscriber_id, subscriber_url, type, signing_public_key, encr_public_key,
			 unique_key_id, domain, city, status, valid_from, valid_until, row_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (subscriber_id) DO UPDATE SET
			subscriber_url = excluded.subscriber_url,
			type = excluded.type,
			signing_public_key = excluded.signing_public_key,
			encr_public_key = excluded.encr_public_key,
			unique_key_id = excluded.unique_key_id,
			domain = excluded.domain,
			city = excluded.city,
			status = excluded.status,
			row_version = subscribers.row_version + 1,
			updated_at = excluded.updated_at`,
		sub.SubscriberID, sub.SubscriberURL, sub.Type, sub.SigningPublicKey, sub.EncrPublicKey,
		sub.UniqueKeyID, sub.Domain, sub.City, sub.Status, sub.ValidFrom, sub.ValidUntil, now, now,
	)
	return err
}

// Get returns the record for id, or ErrNotFound.
func (s *Subscribers) Get(ctx context.Context, id string) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subscriber_id, subscriber_url, type, signing_public_key, encr_public_key,
		       unique_key_id, domain, city, status, valid_from, valid_until, row_version, created_at, updated_at
		FROM subscribers WHERE subscriber_id = ?`, id)
	return scanSubscriber(row)
}

// SetStatus transitions a subscriber with optimistic concurrency: the update
// applies only when row_version still equals expectedVersion.
func (s *Subscribers) SetStatus(ctx context.Context, id, status string, validFrom, validUntil time.Time, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscribers
		SET status = ?, valid_from = ?, valid_until = ?, row_version = row_version + 1, updated_at = ?
		WHERE subscriber_id = ? AND row_version = ?`,
		status, validFrom, validUntil, time.Now().UTC(), id, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Delete removes the subscriber and its extension tuples.
func (s *Subscribers) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscriber_domains WHERE subscriber_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE subscriber_id = ?`, id)
	return err
}

// Lookup returns SUBSCRIBED, validity-clamped subscribers matching f.
// Domain/city filters match the primary tuple OR any active extension tuple;
// when both are present the (domain, city) pair must hold within a single
// tuple. A nationwide city matches every city filter.
func (s *Subscribers) Lookup(ctx context.Context, f LookupFilter) ([]Subscriber, error) {
	query := `
		SELECT DISTINCT s.subscriber_id, s.subscriber_url, s.type, s.signing_public_key, s.encr_public_key,
		       s.unique_key_id, s.domain, s.city, s.status, s.valid_from, s.valid_until, s.row_version, s.created_at, s.updated_at
		FROM subscribers s
		LEFT JOIN subscriber_domains d ON d.subscriber_id = s.subscriber_id AND d.active = 1
		WHERE s.status = ? AND s.valid_from <= ? AND s.valid_until >= ?`
	now := time.Now().UTC()
	args := []any{StatusSubscribed, now, now}

	if f.SubscriberID != "" {
		query += ` AND s.subscriber_id = ?`
		args = append(args, f.SubscriberID)
	}
	if f.Type != "" {
		query += ` AND s.type = ?`
		args = append(args, f.Type)
	}
	switch {
	case f.Domain != "" && f.City != "":
		query += ` AND ((s.domain = ? AND (s.city = ? OR s.city = ?))
		            OR (d.domain = ? AND (d.city = ? OR d.city = ?)))`
		args = append(args, f.Domain, f.City, CityNationwide, f.Domain, f.City, CityNationwide)
	case f.Domain != "":
		query += ` AND (s.domain = ? OR d.domain = ?)`
		args = append(args, f.Domain, f.Domain)
	case f.City != "":
		query += ` AND (s.city = ? OR s.city = ? OR d.city = ? OR d.city = ?)`
		args = append(args, f.City, CityNationwide, f.City, CityNationwide)
	}
	query += ` ORDER BY s.subscriber_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		sub, err := scanSubscriberRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// List is the admin view: any status, optional filters.
func (s *Subscribers) List(ctx context.Context, status, subType string) ([]Subscriber, error) {
	query := `
		SELECT subscriber_id, subscriber_url, type, signing_public_key, encr_public_key,
		       unique_key_id, domain, city, status, valid_from, valid_until, row_version, created_at, updated_at
		FROM subscribers`
	var conds []string
	var args []any
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if subType != "" {
		conds = append(conds, "type = ?")
		args = append(args, subType)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY subscriber_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		sub, err := scanSubscriberRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// AddDomain registers an extra (domain, city) tuple for a subscriber.
func (s *Subscribers) AddDomain(ctx context.Context, d SubscriberDomain) error {
	active := 0
	if d.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriber_domains (subscriber_id, domain, city, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (subscriber_id, domain, city) DO UPDATE SET active = excluded.active`,
		d.SubscriberID, d.Domain, d.City, active,
	)
	return err
}

// Domains returns every extension tuple for a subscriber.
func (s *Subscribers) Domains(ctx context.Context, subscriberID string) ([]SubscriberDomain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subscriber_id, domain, city, active
		FROM subscriber_domains WHERE subscriber_id = ? ORDER BY domain, city`, subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubscriberDomain
	for rows.Next() {
		var d SubscriberDomain
		var active int
		if err := rows.Scan(&d.SubscriberID, &d.Domain, &d.City, &active); err != nil {
			return nil, err
		}
		d.Active = active == 1
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row *sql.Row) (*Subscriber, error) {
	sub, err := scanSubscriberRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func scanSubscriberRows(r rowScanner) (*Subscriber, error) {
	var sub Subscriber
	var validFrom, validUntil sql.NullTime
	if err := r.Scan(
		&sub.SubscriberID, &sub.SubscriberURL, &sub.Type, &sub.SigningPublicKey, &sub.EncrPublicKey,
		&sub.UniqueKeyID, &sub.Domain, &sub.City, &sub.Status, &validFrom, &validUntil,
		&sub.RowVersion, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.ValidFrom = validFrom.Time
	sub.ValidUntil = validUntil.Time
	return &sub, nil
}
