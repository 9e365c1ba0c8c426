package store

import (
	"context"
	"database/sql"
	"time"
)

// Settlement statuses.
const (
	SettlementPaid    = "PAID"
	SettlementNotPaid = "NOT_PAID"
	SettlementPending = "PENDING"
)

// Reconciliation statuses.
const (
	ReconMatched   = "MATCHED"
	ReconUnmatched = "UNMATCHED"
	ReconDisputed  = "DISPUTED"
	ReconOverpaid  = "OVERPAID"
	ReconUnderpaid = "UNDERPAID"
)

// Settlement tracks the payment obligation between the collecting and the
// receiving counterparty of an order.
type Settlement struct {
	ID               int64     `json:"id"`
	OrderID          string    `json:"order_id"`
	CollectorAppID   string    `json:"collector_app_id"`
	ReceiverAppID    string    `json:"receiver_app_id"`
	SettlementStatus string    `json:"settlement_status"`
	ReconStatus      string    `json:"recon_status"`
	Amount           string    `json:"amount"`
	Currency         string    `json:"currency"`
	Reference        string    `json:"reference,omitempty"`
	CreatedAt        time.Time `json:"timestamp"`
}

// Settlements persists settlement records.
type Settlements struct {
	db *sql.DB
}

func NewSettlements(db *sql.DB) *Settlements { return &Settlements{db: db} }

const settlementsSchema = `
CREATE TABLE IF NOT EXISTS settlements (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id          TEXT NOT NULL,
	collector_app_id  TEXT NOT NULL,
	receiver_app_id   TEXT NOT NULL,
	settlement_status TEXT NOT NULL,
	recon_status      TEXT NOT NULL,
	amount            TEXT NOT NULL,
	currency          TEXT NOT NULL,
	reference         TEXT,
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlements_order ON settlements(order_id);
CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(settlement_status);
`

func (s *Settlements) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, settlementsSchema)
	return err
}

func (s *Settlements) Create(ctx context.Context, st *Settlement) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements
			(order_id, collector_app_id, receiver_app_id, settlement_status, recon_status,
			 amount, currency, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.OrderID, st.CollectorAppID, st.ReceiverAppID, st.SettlementStatus, st.ReconStatus,
		st.Amount, st.Currency, st.Reference, st.CreatedAt,
	)
	if err != nil {
		return err
	}
	st.ID, err = res.LastInsertId()
	return err
}

// SetStatus updates the settlement and recon status for an order.
func (s *Settlements) SetStatus(ctx context.Context, orderID, settlementStatus, reconStatus, reference string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settlements SET settlement_status = ?, recon_status = ?,
			reference = CASE WHEN ? != '' THEN ? ELSE reference END
		WHERE order_id = ?`,
		settlementStatus, reconStatus, reference, reference, orderID,
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

// ByOrder returns the settlement rows for orderID.
func (s *Settlements) ByOrder(ctx context.Context, orderID string) ([]Settlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, collector_app_id, receiver_app_id, settlement_status, recon_status,
		       amount, currency, reference, created_at
		FROM settlements WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Settlement
	for rows.Next() {
		var st Settlement
		var ref sql.NullString
		if err := rows.Scan(
			&st.ID, &st.OrderID, &st.CollectorAppID, &st.ReceiverAppID, &st.SettlementStatus,
			&st.ReconStatus, &st.Amount, &st.Currency, &ref, &st.CreatedAt,
		); err != nil {
			return nil, err
		}
		st.Reference = ref.String
		out = append(out, st)
	}
	return out, rows.Err()
}
