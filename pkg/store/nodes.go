package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/meshtg-gateway/pkg/models"
)

var selectNodes = `SELECT n.* FROM meshtastic_nodes n`

// NodeStore keeps mesh node identities along with their reported locations and messages.
type NodeStore interface {
	// UpsertNode inserts or refreshes a node. Empty names never overwrite known ones.
	UpsertNode(ctx context.Context, node *models.MeshtasticNode) error
	GetNode(ctx context.Context, nodeID string) (*models.MeshtasticNode, error)
	ListNodes(ctx context.Context) ([]*models.MeshtasticNode, error)
	StoreLocation(ctx context.Context, loc *models.Location) error
	StoreMessage(ctx context.Context, msg *models.StoredMessage) error
	GetLastCoordinates(ctx context.Context, nodeID string) (*models.Location, error)
	GetNodeTrack(ctx context.Context, nodeID string, since time.Time) ([]*models.Location, error)
	// GetStats renders the location and message counts for a node.
	GetStats(ctx context.Context, nodeID string) (string, error)
}

type sqliteNodeStore struct {
	db *sqlx.DB
}

func NewNodes(dbconn *sqlx.DB) NodeStore {
	return &sqliteNodeStore{db: dbconn}
}

const upsertNodeStmt = `
INSERT INTO meshtastic_nodes (node_id, long_name, short_name, hw_model, first_seen, last_heard)
VALUES (:node_id, :long_name, :short_name, :hw_model, :last_heard, :last_heard)
ON CONFLICT (node_id) DO UPDATE
SET long_name = CASE WHEN excluded.long_name != '' THEN excluded.long_name ELSE meshtastic_nodes.long_name END,
    short_name = CASE WHEN excluded.short_name != '' THEN excluded.short_name ELSE meshtastic_nodes.short_name END,
    hw_model = CASE WHEN excluded.hw_model != '' THEN excluded.hw_model ELSE meshtastic_nodes.hw_model END,
    last_heard = excluded.last_heard;
`

func (s *sqliteNodeStore) UpsertNode(ctx context.Context, node *models.MeshtasticNode) error {
	if node.LastHeard.IsZero() {
		node.LastHeard = time.Now().UTC()
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, upsertNodeStmt, node)
		return err
	})
}

// touchNode makes sure the node row exists before dependent rows reference it.
func touchNode(ctx context.Context, tx *sqlx.Tx, nodeID string, heard time.Time) error {
	_, err := tx.NamedExecContext(ctx, upsertNodeStmt, &models.MeshtasticNode{NodeID: nodeID, LastHeard: heard})
	return err
}

func (s *sqliteNodeStore) GetNode(ctx context.Context, nodeID string) (*models.MeshtasticNode, error) {
	var node models.MeshtasticNode
	err := s.db.GetContext(ctx, &node, selectNodes+" WHERE n.node_id = ?;", nodeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *sqliteNodeStore) ListNodes(ctx context.Context) ([]*models.MeshtasticNode, error) {
	nodes := []*models.MeshtasticNode{}
	err := s.db.SelectContext(ctx, &nodes, selectNodes+" ORDER BY n.last_heard DESC;")
	return nodes, err
}

func (s *sqliteNodeStore) StoreLocation(ctx context.Context, loc *models.Location) error {
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now().UTC()
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := touchNode(ctx, tx, loc.NodeID, loc.CreatedAt); err != nil {
			return err
		}
		stmt := `
		INSERT INTO locations (node_id, latitude, longitude, altitude, battery_level, created_at)
		VALUES (:node_id, :latitude, :longitude, :altitude, :battery_level, :created_at);
		`
		res, err := tx.NamedExecContext(ctx, stmt, loc)
		if err != nil {
			return err
		}
		loc.ID, err = res.LastInsertId()
		return err
	})
}

func (s *sqliteNodeStore) StoreMessage(ctx context.Context, msg *models.StoredMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := touchNode(ctx, tx, msg.NodeID, msg.CreatedAt); err != nil {
			return err
		}
		stmt := `
		INSERT INTO messages (node_id, text, created_at)
		VALUES (:node_id, :text, :created_at);
		`
		res, err := tx.NamedExecContext(ctx, stmt, msg)
		if err != nil {
			return err
		}
		msg.ID, err = res.LastInsertId()
		return err
	})
}

func (s *sqliteNodeStore) GetLastCoordinates(ctx context.Context, nodeID string) (*models.Location, error) {
	stmt := `SELECT * FROM locations WHERE node_id = ? ORDER BY created_at DESC, id DESC LIMIT 1;`
	var loc models.Location
	err := s.db.GetContext(ctx, &loc, stmt, nodeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

func (s *sqliteNodeStore) GetNodeTrack(ctx context.Context, nodeID string, since time.Time) ([]*models.Location, error) {
	stmt := `SELECT * FROM locations WHERE node_id = ? AND created_at >= ? ORDER BY created_at, id;`
	track := []*models.Location{}
	err := s.db.SelectContext(ctx, &track, stmt, nodeID, since.UTC())
	return track, err
}

func (s *sqliteNodeStore) GetStats(ctx context.Context, nodeID string) (string, error) {
	var counts struct {
		Locations int `db:"locations"`
		Messages  int `db:"messages"`
	}
	stmt := `
	SELECT (SELECT COUNT(*) FROM locations WHERE node_id = ?) AS locations,
	       (SELECT COUNT(*) FROM messages WHERE node_id = ?) AS messages;
	`
	if err := s.db.GetContext(ctx, &counts, stmt, nodeID, nodeID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Locations: %d. Messages: %d", counts.Locations, counts.Messages), nil
}
