package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Stores bundles every store backed by the gateway database.
type Stores struct {
	Links   LinkStore
	Nodes   NodeStore
	Filters FilterStore

	db *sqlx.DB
}

// Open opens (creating if needed) the SQLite database at path and applies migrations.
//
// Write transactions take the database lock up front (BEGIN IMMEDIATE) so
// there is only ever one writer; WAL lets readers proceed alongside it.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrateUp(db.DB, logger); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an already migrated connection.
func New(db *sqlx.DB) *Stores {
	return &Stores{
		Links:   NewLinks(db),
		Nodes:   NewNodes(db),
		Filters: NewFilters(db),
		db:      db,
	}
}

func (s *Stores) DB() *sqlx.DB {
	return s.db
}

func (s *Stores) Close() error {
	return s.db.Close()
}

func migrateUp(db *sql.DB, logger *slog.Logger) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Debug("database schema up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, _, _ := m.Version()
	logger.Info("database schema migrated", "version", version)
	return nil
}

// withTx runs fn inside a write transaction, committing when it returns nil.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
