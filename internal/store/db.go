// Package store holds the SQL persistence layer. One store type per entity
// family, each owning its schema, in the style of small sql.DB wrappers.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the sqlite database at path and applies every
// store's schema. ":memory:" is used by tests.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent request goroutines.
	db.SetMaxOpenConns(1)

	for _, s := range []interface {
		Init(context.Context) error
	}{
		NewSubscribers(db),
		NewTxLog(db),
		NewOrders(db),
		NewIssues(db),
		NewSettlements(db),
		NewAudit(db),
	} {
		if err := s.Init(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return db, nil
}
