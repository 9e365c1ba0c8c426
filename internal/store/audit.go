package store

import (
	"context"
	"database/sql"
	"time"
)

// AuditEntry is an append-only trail row for registry mutations.
type AuditEntry struct {
	ID           int64     `json:"id"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Details      string    `json:"details,omitempty"`
	IP           string    `json:"ip,omitempty"`
	CreatedAt    time.Time `json:"ts"`
}

// Audit persists the audit trail.
type Audit struct {
	db *sql.DB
}

func NewAudit(db *sql.DB) *Audit { return &Audit{db: db} }

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	actor         TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	details       TEXT,
	ip            TEXT,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_log(resource_type, resource_id);
`

func (a *Audit) Init(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, auditSchema)
	return err
}

func (a *Audit) Append(ctx context.Context, e *AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, resource_type, resource_id, details, ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Actor, e.Action, e.ResourceType, e.ResourceID, e.Details, e.IP, e.CreatedAt,
	)
	return err
}

// ByResource returns the trail for one resource, oldest first.
func (a *Audit) ByResource(ctx context.Context, resourceType, resourceID string) ([]AuditEntry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, actor, action, resource_type, resource_id, details, ip, created_at
		FROM audit_log WHERE resource_type = ? AND resource_id = ? ORDER BY id`,
		resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details, ip sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID, &details, &ip, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Details = details.String
		e.IP = ip.String
		out = append(out, e)
	}
	return out, rows.Err()
}
