package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Order is the BPP-owned order row. JSON columns hold the protocol shapes
// verbatim; only the latest state lives on the row, transitions are appended
// separately.
type Order struct {
	OrderID                string          `json:"order_id"`
	TransactionID          string          `json:"transaction_id"`
	BapID                  string          `json:"bap_id"`
	BppID                  string          `json:"bpp_id"`
	Domain                 string          `json:"domain"`
	City                   string          `json:"city"`
	State                  string          `json:"state"`
	Provider               json.RawMessage `json:"provider,omitempty"`
	Items                  json.RawMessage `json:"items,omitempty"`
	Billing                json.RawMessage `json:"billing,omitempty"`
	Fulfillments           json.RawMessage `json:"fulfillments,omitempty"`
	Quote                  json.RawMessage `json:"quote,omitempty"`
	Payment                json.RawMessage `json:"payment,omitempty"`
	CancellationReasonCode string          `json:"cancellation_reason_code,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// StateTransition is one edge of an order's lifecycle history.
type StateTransition struct {
	OrderID   string    `json:"order_id"`
	FromState string    `json:"from"`
	ToState   string    `json:"to"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"ts"`
}

// Orders persists orders and their transition history.
type Orders struct {
	db *sql.DB
}

func NewOrders(db *sql.DB) *Orders { return &Orders{db: db} }

const ordersSchema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id       TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL,
	bap_id         TEXT,
	bpp_id         TEXT,
	domain         TEXT,
	city           TEXT,
	state          TEXT NOT NULL,
	provider       TEXT,
	items          TEXT,
	billing        TEXT,
	fulfillments   TEXT,
	quote          TEXT,
	payment        TEXT,
	cancellation_reason_code TEXT,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);
CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at);
CREATE INDEX IF NOT EXISTS idx_orders_transaction ON orders(transaction_id);

CREATE TABLE IF NOT EXISTS order_transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id   TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	action     TEXT NOT NULL,
	actor      TEXT,
	details    TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_transitions_order ON order_transitions(order_id);
`

func (o *Orders) Init(ctx context.Context) error {
	_, err := o.db.ExecContext(ctx, ordersSchema)
	return err
}

// Create inserts a fresh order.
func (o *Orders) Create(ctx context.Context, ord *Order) error {
	now := time.Now().UTC()
	ord.CreatedAt = now
	ord.UpdatedAt = now
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO orders
			(order_id, transaction_id, bap_id, bpp_id, domain, city, state,
			 provider, items, billing, fulfillments, quote, payment, cancellation_reason_code,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ord.OrderID, ord.TransactionID, ord.BapID, ord.BppID, ord.Domain, ord.City, ord.State,
		nullableJSON(ord.Provider), nullableJSON(ord.Items), nullableJSON(ord.Billing),
		nullableJSON(ord.Fulfillments), nullableJSON(ord.Quote), nullableJSON(ord.Payment),
		ord.CancellationReasonCode, ord.CreatedAt, ord.UpdatedAt,
	)
	return err
}

// Update rewrites the mutable fields of an existing order.
func (o *Orders) Update(ctx context.Context, ord *Order) error {
	ord.UpdatedAt = time.Now().UTC()
	res, err := o.db.ExecContext(ctx, `
		UPDATE orders SET
			state = ?, provider = ?, items = ?, billing = ?, fulfillments = ?,
			quote = ?, payment = ?, cancellation_reason_code = ?, updated_at = ?
		WHERE order_id = ?`,
		ord.State, nullableJSON(ord.Provider), nullableJSON(ord.Items), nullableJSON(ord.Billing),
		nullableJSON(ord.Fulfillments), nullableJSON(ord.Quote), nullableJSON(ord.Payment),
		ord.CancellationReasonCode, ord.UpdatedAt, ord.OrderID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the order for orderID, or ErrNotFound.
func (o *Orders) Get(ctx context.Context, orderID string) (*Order, error) {
	row := o.db.QueryRowContext(ctx, selectOrder+` WHERE order_id = ?`, orderID)
	ord, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ord, err
}

// ByTransaction returns the order created under transactionID, or ErrNotFound.
func (o *Orders) ByTransaction(ctx context.Context, transactionID string) (*Order, error) {
	row := o.db.QueryRowContext(ctx, selectOrder+` WHERE transaction_id = ? ORDER BY created_at LIMIT 1`, transactionID)
	ord, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ord, err
}

// AppendTransition records one lifecycle edge.
func (o *Orders) AppendTransition(ctx context.Context, t *StateTransition) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO order_transitions (order_id, from_state, to_state, action, actor, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.OrderID, t.FromState, t.ToState, t.Action, t.Actor, t.Details, t.CreatedAt,
	)
	return err
}

// Transitions returns the full lifecycle history for an order, oldest first.
func (o *Orders) Transitions(ctx context.Context, orderID string) ([]StateTransition, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT order_id, from_state, to_state, action, actor, details, created_at
		FROM order_transitions WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateTransition
	for rows.Next() {
		var t StateTransition
		var actor, details sql.NullString
		if err := rows.Scan(&t.OrderID, &t.FromState, &t.ToState, &t.Action, &actor, &details, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Actor = actor.String
		t.Details = details.String
		out = append(out, t)
	}
	return out, rows.Err()
}

const selectOrder = `
	SELECT order_id, transaction_id, bap_id, bpp_id, domain, city, state,
	       provider, items, billing, fulfillments, quote, payment, cancellation_reason_code,
	       created_at, updated_at
	FROM orders`

func scanOrder(row *sql.Row) (*Order, error) {
	var ord Order
	var provider, items, billing, fulfillments, quote, payment, reason sql.NullString
	if err := row.Scan(
		&ord.OrderID, &ord.TransactionID, &ord.BapID, &ord.BppID, &ord.Domain, &ord.City, &ord.State,
		&provider, &items, &billing, &fulfillments, &quote, &payment, &reason,
		&ord.CreatedAt, &ord.UpdatedAt,
	); err != nil {
		return nil, err
	}
	setRaw := func(dst *json.RawMessage, src sql.NullString) {
		if src.Valid && src.String != "" {
			*dst = json.RawMessage(src.String)
		}
	}
	setRaw(&ord.Provider, provider)
	setRaw(&ord.Items, items)
	setRaw(&ord.Billing, billing)
	setRaw(&ord.Fulfillments, fulfillments)
	setRaw(&ord.Quote, quote)
	setRaw(&ord.Payment, payment)
	ord.CancellationReasonCode = reason.String
	return &ord, nil
}
