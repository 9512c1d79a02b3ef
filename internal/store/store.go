// Package store owns the embedded SQLite database holding licences and
// active connections. All other components go through its typed
// queries; nothing else touches the database file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/altia/nlserv/internal/log"
)

// FileName is the database file inside the data folder.
const FileName = "Data.db3"

// Schema version recorded in site_log on first install.
const (
	schemaVersion     = 1
	schemaReleaseDate = "04/Sep/2014 16:44"
)

// Store wraps a single long-lived connection pool to the database.
type Store struct {
	db *sql.DB
}

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// so seat-accounting queries can run standalone or inside the TakeSeat
// transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating if necessary) the database at path and ensures
// the schema exists. WAL mode and a busy timeout keep concurrent
// readers off each other's toes; transactions take the write lock up
// front (BEGIN IMMEDIATE) so the count-then-insert sequences serialise.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer at a time; SQLite serialises anyway and a pool of
	// one avoids lock churn under the worker pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle as a Querier for read paths.
func (s *Store) DB() Querier {
	return s.db
}

// BeginTx starts a transaction. With _txlock=immediate the write lock
// is taken at BEGIN, not at first write.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS licence (
		id INTEGER PRIMARY KEY,
		company VARCHAR(32) NOT NULL,
		product VARCHAR(32) NOT NULL,
		customer VARCHAR(128) NOT NULL,
		reference VARCHAR(32) NULL,
		reseller VARCHAR(128) NULL,
		seats INTEGER NOT NULL,
		start_date TEXT,
		expiry_date TEXT,
		timestamp INTEGER NOT NULL,
		code VARCHAR(256) NOT NULL,
		version INTEGER NOT NULL,
		notes TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_licence_timestamp ON licence(timestamp);
	CREATE INDEX IF NOT EXISTS idx_licence_product_timestamp ON licence(product COLLATE NOCASE, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_licence_expiry_date ON licence(expiry_date);
	CREATE INDEX IF NOT EXISTS idx_licence_start_date ON licence(start_date);

	CREATE TABLE IF NOT EXISTS connection (
		id INTEGER PRIMARY KEY,
		ip VARCHAR(64) NOT NULL,
		host VARCHAR(32) NOT NULL,
		user VARCHAR(128) NOT NULL,
		logon_time INTEGER NOT NULL,
		update_time INTEGER NOT NULL,
		product VARCHAR(32) NOT NULL,
		licence_id INTEGER NULL,
		FOREIGN KEY(licence_id) REFERENCES licence(id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_connection_product_user_ip ON connection(product COLLATE NOCASE, user, ip);
	CREATE INDEX IF NOT EXISTS idx_connection_product_update_time ON connection(product COLLATE NOCASE, update_time);
	CREATE INDEX IF NOT EXISTS idx_connection_licence_id_update_time ON connection(licence_id, update_time);

	CREATE TABLE IF NOT EXISTS site_log (
		id INTEGER PRIMARY KEY,
		install_date TEXT NOT NULL,
		version INTEGER NOT NULL,
		notes TEXT NOT NULL,
		release_date TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// One site_log row per schema install.
	var installs int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM site_log`).Scan(&installs); err != nil {
		return err
	}
	if installs == 0 {
		release, err := time.Parse("02/Jan/2006 15:04", schemaReleaseDate)
		if err != nil {
			return err
		}
		_, err = s.db.Exec(
			`INSERT INTO site_log (install_date, version, notes, release_date) VALUES (?, ?, ?, ?)`,
			time.Now().UTC().Format(time.RFC3339),
			schemaVersion,
			fmt.Sprintf("Version %d installed", schemaVersion),
			release.Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
		logger := log.WithComponent("store")
		logger.Info().
			Str("event", "schema.created").
			Int("version", schemaVersion).
			Msg("created database schema")
	}
	return nil
}

// Analyze refreshes the query planner statistics.
func (s *Store) Analyze(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "ANALYZE;"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}

// Vacuum rewrites the database file to reclaim free pages.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
