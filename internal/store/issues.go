package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Issue statuses.
const (
	IssueOpen      = "OPEN"
	IssueEscalated = "ESCALATED"
	IssueResolved  = "RESOLVED"
	IssueClosed    = "CLOSED"
)

// Issue is a grievance record raised against an order.
type Issue struct {
	IssueID                string          `json:"issue_id"`
	OrderID                string          `json:"order_id,omitempty"`
	Category               string          `json:"category"`
	SubCategory            string          `json:"sub_category,omitempty"`
	Status                 string          `json:"status"`
	ShortDesc              string          `json:"short_desc"`
	RespondentActions      json.RawMessage `json:"respondent_actions,omitempty"`
	Resolution             json.RawMessage `json:"resolution,omitempty"`
	ExpectedResponseTime   string          `json:"expected_response_time,omitempty"`
	ExpectedResolutionTime string          `json:"expected_resolution_time,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Issues persists grievance records.
type Issues struct {
	db *sql.DB
}

func NewIssues(db *sql.DB) *Issues { return &Issues{db: db} }

const issuesSchema = `
CREATE TABLE IF NOT EXISTS issues (
	issue_id     TEXT PRIMARY KEY,
	order_id     TEXT,
	category     TEXT NOT NULL,
	sub_category TEXT,
	status       TEXT NOT NULL,
	short_desc   TEXT,
	respondent_actions TEXT,
	resolution   TEXT,
	expected_response_time   TEXT,
	expected_resolution_time TEXT,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
CREATE INDEX IF NOT EXISTS idx_issues_created ON issues(created_at);
`

func (i *Issues) Init(ctx context.Context) error {
	_, err := i.db.ExecContext(ctx, issuesSchema)
	return err
}

func (i *Issues) Create(ctx context.Context, issue *Issue) error {
	now := time.Now().UTC()
	issue.CreatedAt = now
	issue.UpdatedAt = now
	if issue.Status == "" {
		issue.Status = IssueOpen
	}
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO issues
			(issue_id, order_id, category, sub_category, status, short_desc,
			 respondent_actions, resolution, expected_response_time, expected_resolution_time,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.IssueID, issue.OrderID, issue.Category, issue.SubCategory, issue.Status, issue.ShortDesc,
		nullableJSON(issue.RespondentActions), nullableJSON(issue.Resolution),
		issue.ExpectedResponseTime, issue.ExpectedResolutionTime, issue.CreatedAt, issue.UpdatedAt,
	)
	return err
}

func (i *Issues) Get(ctx context.Context, issueID string) (*Issue, error) {
	row := i.db.QueryRowContext(ctx, `
		SELECT issue_id, order_id, category, sub_category, status, short_desc,
		       respondent_actions, resolution, expected_response_time, expected_resolution_time,
		       created_at, updated_at
		FROM issues WHERE issue_id = ?`, issueID)

	var issue Issue
	var orderID, subCat, shortDesc, actions, resolution, respTime, resTime sql.NullString
	err := row.Scan(
		&issue.IssueID, &orderID, &issue.Category, &subCat, &issue.Status, &shortDesc,
		&actions, &resolution, &respTime, &resTime, &issue.CreatedAt, &issue.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	issue.OrderID = orderID.String
	issue.SubCategory = subCat.String
	issue.ShortDesc = shortDesc.String
	if actions.Valid {
		issue.RespondentActions = json.RawMessage(actions.String)
	}
	if resolution.Valid {
		issue.Resolution = json.RawMessage(resolution.String)
	}
	issue.ExpectedResponseTime = respTime.String
	issue.ExpectedResolutionTime = resTime.String
	return &issue, nil
}

// SetStatus transitions an issue and optionally attaches a resolution.
func (i *Issues) SetStatus(ctx context.Context, issueID, status string, resolution json.RawMessage) error {
	res, err := i.db.ExecContext(ctx, `
		UPDATE issues SET status = ?, resolution = COALESCE(?, resolution), updated_at = ?
		WHERE issue_id = ?`,
		status, nullableJSON(resolution), time.Now().UTC(), issueID,
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
