// Package store provides the SQLite-backed entity store: node and tree
// tables, dynamically provisioned per-entity-kind tables, and a transaction
// wrapper used to compose multi-table invariants.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/mattn/go-sqlite3"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS trees (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	root_node_id  TEXT NOT NULL,
	trash_node_id TEXT NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	id          TEXT PRIMARY KEY,
	parent_id   TEXT NOT NULL DEFAULT '',
	node_type   TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(node_type);
`

// Q is the query surface shared by *sql.DB and *sql.Tx. Store operations
// accept it so the same code runs standalone or inside a transaction.
type Q interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a sql.DB with engine-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the core schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// Single connection: all mutations funnel through one writer.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply core schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Conn returns the plain (non-transactional) query surface.
func (db *DB) Conn() Q { return db.conn }

// WithTx runs fn inside a single read/write transaction. The transaction is
// rolled back when fn returns an error and committed otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(q Q) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

var tableNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// validTableName rejects entity table names that cannot be safely
// interpolated into DDL/DML statements.
func validTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("store: invalid table name %q", name)
	}
	return nil
}
