package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/meshtg-gateway/pkg/models"
)

// FilterStore holds per-transport ban entries.
type FilterStore interface {
	IsBanned(ctx context.Context, conn models.FilterConnection, identifier string) (bool, error)
	Ban(ctx context.Context, conn models.FilterConnection, identifier, reason string) error
	Unban(ctx context.Context, conn models.FilterConnection, identifier string) error
	List(ctx context.Context) ([]*models.Filter, error)
}

type sqliteFilterStore struct {
	db *sqlx.DB
}

func NewFilters(dbconn *sqlx.DB) FilterStore {
	return &sqliteFilterStore{db: dbconn}
}

func (s *sqliteFilterStore) IsBanned(ctx context.Context, conn models.FilterConnection, identifier string) (bool, error) {
	var banned bool
	stmt := `SELECT EXISTS(SELECT 1 FROM filters WHERE connection = ? AND identifier = ?);`
	err := s.db.GetContext(ctx, &banned, stmt, conn, identifier)
	return banned, err
}

func (s *sqliteFilterStore) Ban(ctx context.Context, conn models.FilterConnection, identifier, reason string) error {
	f := &models.Filter{
		Connection: conn,
		Identifier: identifier,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
	stmt := `
	INSERT INTO filters (connection, identifier, reason, created_at)
	VALUES (:connection, :identifier, :reason, :created_at)
	ON CONFLICT (connection, identifier) DO UPDATE
	SET reason = excluded.reason;
	`
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, stmt, f)
		return err
	})
}

func (s *sqliteFilterStore) Unban(ctx context.Context, conn models.FilterConnection, identifier string) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM filters WHERE connection = ? AND identifier = ?;`, conn, identifier)
		return err
	})
}

func (s *sqliteFilterStore) List(ctx context.Context) ([]*models.Filter, error) {
	filters := []*models.Filter{}
	err := s.db.SelectContext(ctx, &filters, `SELECT * FROM filters ORDER BY connection, identifier;`)
	return filters, err
}
