// Package sqlite opens and configures the chat pipeline's database/sql
// handle and implements the persistence-facing interfaces the rest of the
// module depends on (skeleton/crash-recovery commits, approval scopes,
// question-bank imports).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open configures a *sql.DB for WAL journaling with a 3s busy timeout, a
// connection pool capped at 15, and BEGIN IMMEDIATE transactions by
// default — writers take the reserved lock up front instead of
// discovering a conflict partway through a transaction.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(15)
	db.SetMaxIdleConns(15)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// BeginWriter starts a transaction. Pool connections are opened with
// _txlock=immediate, so this already takes SQLite's reserved lock.
func BeginWriter(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin writer tx: %w", err)
	}
	return tx, nil
}
