package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Transaction log statuses.
const (
	TxStatusSent             = "SENT"
	TxStatusAck              = "ACK"
	TxStatusNack             = "NACK"
	TxStatusCallbackReceived = "CALLBACK_RECEIVED"
	TxStatusTimeout          = "TIMEOUT"
	TxStatusError            = "ERROR"
)

// TxLogEntry records one inbound or outbound protocol message. Rows are
// append-only; the single permitted mutation records the paired response.
type TxLogEntry struct {
	ID            int64           `json:"id"`
	TransactionID string          `json:"transaction_id"`
	MessageID     string          `json:"message_id"`
	Action        string          `json:"action"`
	BapID         string          `json:"bap_id"`
	BppID         string          `json:"bpp_id"`
	Domain        string          `json:"domain"`
	City          string          `json:"city"`
	RequestBody   json.RawMessage `json:"request_body,omitempty"`
	ResponseBody  json.RawMessage `json:"response_body,omitempty"`
	Status        string          `json:"status"`
	LatencyMS     int64           `json:"latency_ms"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TxLog is the append-only transaction log.
type TxLog struct {
	db *sql.DB
}

func NewTxLog(db *sql.DB) *TxLog { return &TxLog{db: db} }

const txlogSchema = `
CREATE TABLE IF NOT EXISTS transaction_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id TEXT NOT NULL,
	message_id     TEXT NOT NULL,
	action         TEXT NOT NULL,
	bap_id         TEXT,
	bpp_id         TEXT,
	domain         TEXT,
	city           TEXT,
	request_body   TEXT,
	response_body  TEXT,
	status         TEXT NOT NULL,
	latency_ms     INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_txlog_transaction ON transaction_log(transaction_id);
CREATE INDEX IF NOT EXISTS idx_txlog_message ON transaction_log(message_id);
CREATE INDEX IF NOT EXISTS idx_txlog_created ON transaction_log(created_at);
`

func (l *TxLog) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, txlogSchema)
	return err
}

// Append writes a new entry and returns its surrogate key.
func (l *TxLog) Append(ctx context.Context, e *TxLogEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO transaction_log
			(transaction_id, message_id, action, bap_id, bpp_id, domain, city,
			 request_body, response_body, status, latency_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TransactionID, e.MessageID, e.Action, e.BapID, e.BppID, e.Domain, e.City,
		nullableJSON(e.RequestBody), nullableJSON(e.ResponseBody), e.Status, e.LatencyMS, e.Error, e.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Resolve records the paired response for the entry with messageID: status,
// response body, latency, and optional error. It is the row's only mutation.
func (l *TxLog) Resolve(ctx context.Context, messageID, status string, responseBody json.RawMessage, latency time.Duration, errMsg string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE transaction_log
		SET status = ?, response_body = ?, latency_ms = ?, error = ?
		WHERE message_id = ?`,
		status, nullableJSON(responseBody), latency.Milliseconds(), errMsg, messageID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ByTransaction returns every entry correlated by transactionID, oldest first.
func (l *TxLog) ByTransaction(ctx context.Context, transactionID string) ([]TxLogEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, transaction_id, message_id, action, bap_id, bpp_id, domain, city,
		       request_body, response_body, status, latency_ms, error, created_at
		FROM transaction_log WHERE transaction_id = ? ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TxLogEntry
	for rows.Next() {
		var e TxLogEntry
		var reqBody, respBody, errMsg sql.NullString
		if err := rows.Scan(
			&e.ID, &e.TransactionID, &e.MessageID, &e.Action, &e.BapID, &e.BppID, &e.Domain, &e.City,
			&reqBody, &respBody, &e.Status, &e.LatencyMS, &errMsg, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if reqBody.Valid {
			e.RequestBody = json.RawMessage(reqBody.String)
		}
		if respBody.Valid {
			e.ResponseBody = json.RawMessage(respBody.String)
		}
		e.Error = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// ByMessage returns the single entry for messageID.
func (l *TxLog) ByMessage(ctx context.Context, messageID string) (*TxLogEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT transaction_id FROM transaction_log WHERE message_id = ? LIMIT 1`, messageID)
	if err != nil {
		return nil, err
	}
	var txnID string
	found := rows.Next()
	if found {
		if err := rows.Scan(&txnID); err != nil {
			rows.Close()
			return nil, err
		}
	}
	rows.Close()
	if !found {
		return nil, ErrNotFound
	}
	entries, err := l.ByTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].MessageID == messageID {
			return &entries[i], nil
		}
	}
	return nil, ErrNotFound
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
