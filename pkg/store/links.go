package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/meshtg-gateway/pkg/models"
)

var (
	ErrLinkNotFound      = errors.New("message link not found")
	ErrInvalidTransition = errors.New("invalid message link status transition")
	ErrOppositeIDUnknown = errors.New("opposite transport identifier unknown")
	ErrPacketIDConflict  = errors.New("mesh packet id already belongs to another message link")
)

var selectLinks = `SELECT l.* FROM message_links l`

// LinkError carries the ID of the link a per-record failure belongs to.
type LinkError struct {
	ID  int64
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("message link %d: %v", e.ID, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// EnsureLinkParams describes a logical message as seen on its source transport.
// Nil fields are left untouched on an existing record.
type EnsureLinkParams struct {
	Direction                models.LinkDirection
	MeshtasticPacketID       *int64
	TelegramChatID           *int64
	TelegramMessageID        *int64
	TelegramThreadID         *int64
	Payload                  *string
	Sender                   *string
	ReplyToPacketID          *int64
	ReplyToTelegramMessageID *int64
	Emoji                    *int64
}

// AliasParams describes one extra chunk packet of a logical message.
type AliasParams struct {
	PacketID         int64
	PreviousPacketID *int64
}

// LinkStore is the message link ledger.
type LinkStore interface {
	// EnsureMessageLink returns the record matching the natural key of p,
	// updating it with any newly supplied fields, or inserts a new pending record.
	EnsureMessageLink(ctx context.Context, p EnsureLinkParams) (*models.MessageLink, error)
	// GetLink returns the record with the given ID.
	GetLink(ctx context.Context, id int64) (*models.MessageLink, error)
	// GetLinkByMeshtastic resolves a primary or alias packet ID to its record.
	GetLinkByMeshtastic(ctx context.Context, packetID int64) (*models.MessageLink, error)
	// GetLinkByTelegram resolves a Telegram chat and message ID to its record.
	GetLinkByTelegram(ctx context.Context, chatID, messageID int64) (*models.MessageLink, error)
	MarkLinkSent(ctx context.Context, id int64, telegramMessageID *int64) error
	// MarkLinkSentWithAlias records the final chunk alias and marks the link sent in one transaction.
	MarkLinkSentWithAlias(ctx context.Context, id int64, alias *AliasParams) error
	MarkLinkRetry(ctx context.Context, id int64, errText string) error
	MarkLinkFailed(ctx context.Context, id int64, errText string) error
	AddLinkAlias(ctx context.Context, linkID, packetID int64, previousPacketID *int64) error
	// AssignPrimaryPacket sets the record's mesh packet ID, or stores packetID
	// as an alias when the record already has a different one.
	AssignPrimaryPacket(ctx context.Context, linkID, packetID int64) error
	ListLinkAliases(ctx context.Context, linkID int64) ([]*models.MessageLinkAlias, error)
	// IterPendingLinks returns a one-shot sequence over the pending and retry
	// records that existed when it was called.
	IterPendingLinks(ctx context.Context, direction models.LinkDirection) (iter.Seq2[*models.MessageLink, error], error)
	CountLinksByStatus(ctx context.Context) ([]models.LinkStatusCount, error)
}

type sqliteLinkStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewLinks(dbconn *sqlx.DB) LinkStore {
	return &sqliteLinkStore{
		db:  dbconn,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type linkRow struct {
	ID                       int64                `db:"id"`
	Direction                models.LinkDirection `db:"direction"`
	MeshtasticPacketID       models.NullID        `db:"meshtastic_packet_id"`
	TelegramChatID           models.NullID        `db:"telegram_chat_id"`
	TelegramMessageID        models.NullID        `db:"telegram_message_id"`
	TelegramThreadID         models.NullID        `db:"telegram_thread_id"`
	ReplyToPacketID          models.NullID        `db:"reply_to_packet_id"`
	ReplyToTelegramMessageID models.NullID        `db:"reply_to_telegram_message_id"`
	Payload                  *string              `db:"payload"`
	Sender                   *string              `db:"sender"`
	Emoji                    models.NullID        `db:"emoji"`
	Now                      time.Time            `db:"now"`
}

func newLinkRow(p EnsureLinkParams, now time.Time) linkRow {
	return linkRow{
		Direction:                p.Direction,
		MeshtasticPacketID:       models.IDFromPtr(p.MeshtasticPacketID),
		TelegramChatID:           models.IDFromPtr(p.TelegramChatID),
		TelegramMessageID:        models.IDFromPtr(p.TelegramMessageID),
		TelegramThreadID:         models.IDFromPtr(p.TelegramThreadID),
		ReplyToPacketID:          models.IDFromPtr(p.ReplyToPacketID),
		ReplyToTelegramMessageID: models.IDFromPtr(p.ReplyToTelegramMessageID),
		Payload:                  p.Payload,
		Sender:                   p.Sender,
		Emoji:                    models.IDFromPtr(p.Emoji),
		Now:                      now,
	}
}

func (s *sqliteLinkStore) EnsureMessageLink(ctx context.Context, p EnsureLinkParams) (*models.MessageLink, error) {
	if p.Direction != models.DirectionMeshToTelegram && p.Direction != models.DirectionTelegramToMesh {
		return nil, fmt.Errorf("unknown link direction %q", p.Direction)
	}

	var link *models.MessageLink
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		existing, err := findByNaturalKey(ctx, tx, p)
		if err != nil {
			return err
		}

		row := newLinkRow(p, s.now())
		if existing == nil {
			if p.MeshtasticPacketID != nil {
				if err := ensurePacketFree(ctx, tx, *p.MeshtasticPacketID, 0); err != nil {
					return err
				}
			}
			stmt := `
			INSERT INTO message_links (direction, status, meshtastic_packet_id, telegram_chat_id,
				telegram_message_id, telegram_thread_id, reply_to_packet_id, reply_to_telegram_message_id,
				payload, sender, emoji, created_at, updated_at)
			VALUES (:direction, 'pending', :meshtastic_packet_id, :telegram_chat_id,
				:telegram_message_id, :telegram_thread_id, :reply_to_packet_id, :reply_to_telegram_message_id,
				:payload, COALESCE(:sender, ''), :emoji, :now, :now);
			`
			res, err := tx.NamedExecContext(ctx, stmt, row)
			if err != nil {
				return fmt.Errorf("insert message link: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			link, err = getLinkByID(ctx, tx, id)
			return err
		}

		if p.MeshtasticPacketID != nil && existing.MeshtasticPacketID.Int64 != *p.MeshtasticPacketID {
			if err := ensurePacketFree(ctx, tx, *p.MeshtasticPacketID, existing.ID); err != nil {
				return err
			}
		}
		row.ID = existing.ID
		stmt := `
		UPDATE message_links
		SET meshtastic_packet_id = COALESCE(:meshtastic_packet_id, meshtastic_packet_id),
		    telegram_chat_id = COALESCE(:telegram_chat_id, telegram_chat_id),
		    telegram_message_id = COALESCE(:telegram_message_id, telegram_message_id),
		    telegram_thread_id = COALESCE(:telegram_thread_id, telegram_thread_id),
		    reply_to_packet_id = COALESCE(:reply_to_packet_id, reply_to_packet_id),
		    reply_to_telegram_message_id = COALESCE(:reply_to_telegram_message_id, reply_to_telegram_message_id),
		    payload = COALESCE(:payload, payload),
		    sender = COALESCE(:sender, sender),
		    emoji = COALESCE(:emoji, emoji),
		    updated_at = :now
		WHERE id = :id;
		`
		if _, err := tx.NamedExecContext(ctx, stmt, row); err != nil {
			return fmt.Errorf("update message link: %w", err)
		}
		link, err = getLinkByID(ctx, tx, existing.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// findByNaturalKey looks up the record a message would duplicate. Mesh
// originated records are keyed by packet ID, Telegram originated text by
// chat and message ID. Telegram reactions have no natural key.
func findByNaturalKey(ctx context.Context, q sqlx.QueryerContext, p EnsureLinkParams) (*models.MessageLink, error) {
	switch {
	case p.Direction == models.DirectionTelegramToMesh && p.Emoji == nil &&
		p.TelegramChatID != nil && p.TelegramMessageID != nil:
		stmt := selectLinks + `
		WHERE l.direction = ? AND l.telegram_chat_id = ? AND l.telegram_message_id = ? AND l.emoji IS NULL
		LIMIT 1;`
		return getOne(ctx, q, stmt, p.Direction, *p.TelegramChatID, *p.TelegramMessageID)
	case p.MeshtasticPacketID != nil:
		stmt := selectLinks + " WHERE l.direction = ? AND l.meshtastic_packet_id = ? LIMIT 1;"
		return getOne(ctx, q, stmt, p.Direction, *p.MeshtasticPacketID)
	}
	return nil, nil
}

// ensurePacketFree checks that packetID is not used by any record or alias
// other than those of ownerID.
func ensurePacketFree(ctx context.Context, q sqlx.QueryerContext, packetID, ownerID int64) error {
	var n int
	stmt := `
	SELECT (SELECT COUNT(*) FROM message_links WHERE meshtastic_packet_id = ? AND id != ?)
	     + (SELECT COUNT(*) FROM message_link_aliases WHERE meshtastic_packet_id = ? AND link_id != ?);
	`
	if err := sqlx.GetContext(ctx, q, &n, stmt, packetID, ownerID, packetID, ownerID); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d", ErrPacketIDConflict, packetID)
	}
	return nil
}

func getOne(ctx context.Context, q sqlx.QueryerContext, stmt string, args ...any) (*models.MessageLink, error) {
	var link models.MessageLink
	err := sqlx.GetContext(ctx, q, &link, stmt, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func getLinkByID(ctx context.Context, q sqlx.QueryerContext, id int64) (*models.MessageLink, error) {
	return getOne(ctx, q, selectLinks+" WHERE l.id = ?;", id)
}

func (s *sqliteLinkStore) GetLink(ctx context.Context, id int64) (*models.MessageLink, error) {
	return getLinkByID(ctx, s.db, id)
}

func (s *sqliteLinkStore) GetLinkByMeshtastic(ctx context.Context, packetID int64) (*models.MessageLink, error) {
	stmt := selectLinks + `
	WHERE l.meshtastic_packet_id = ?
	   OR l.id = (SELECT a.link_id FROM message_link_aliases a WHERE a.meshtastic_packet_id = ?)
	ORDER BY (l.meshtastic_packet_id = ?) DESC
	LIMIT 1;`
	return getOne(ctx, s.db, stmt, packetID, packetID, packetID)
}

func (s *sqliteLinkStore) GetLinkByTelegram(ctx context.Context, chatID, messageID int64) (*models.MessageLink, error) {
	// A reaction record may share the message ID of the message it reacted to;
	// the message itself wins.
	stmt := selectLinks + `
	WHERE l.telegram_chat_id = ? AND l.telegram_message_id = ?
	ORDER BY (l.emoji IS NOT NULL), l.id
	LIMIT 1;`
	return getOne(ctx, s.db, stmt, chatID, messageID)
}

func (s *sqliteLinkStore) MarkLinkSent(ctx context.Context, id int64, telegramMessageID *int64) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return s.markSent(ctx, tx, id, telegramMessageID)
	})
}

func (s *sqliteLinkStore) MarkLinkSentWithAlias(ctx context.Context, id int64, alias *AliasParams) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if alias != nil {
			if err := s.addAlias(ctx, tx, id, alias.PacketID, alias.PreviousPacketID); err != nil {
				return err
			}
		}
		return s.markSent(ctx, tx, id, nil)
	})
}

func (s *sqliteLinkStore) markSent(ctx context.Context, tx *sqlx.Tx, id int64, telegramMessageID *int64) error {
	link, err := getLinkByID(ctx, tx, id)
	if err != nil {
		return err
	}
	if link == nil {
		return fmt.Errorf("%w: %d", ErrLinkNotFound, id)
	}

	// Telegram originated records already carry their Telegram ID as the
	// natural key, so only mesh originated records take a new one here.
	newTelegramID := link.TelegramMessageID
	if link.Direction == models.DirectionMeshToTelegram && telegramMessageID != nil {
		newTelegramID = models.SomeID(*telegramMessageID)
	}

	if link.Status == models.LinkStatusSent {
		if newTelegramID == link.TelegramMessageID {
			return nil
		}
		return fmt.Errorf("%w: link %d already sent", ErrInvalidTransition, id)
	}
	if link.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, link.Status, models.LinkStatusSent)
	}

	switch link.Direction {
	case models.DirectionMeshToTelegram:
		if !newTelegramID.Valid {
			return fmt.Errorf("%w: link %d has no telegram message id", ErrOppositeIDUnknown, id)
		}
	case models.DirectionTelegramToMesh:
		if !link.MeshtasticPacketID.Valid {
			return fmt.Errorf("%w: link %d has no mesh packet id", ErrOppositeIDUnknown, id)
		}
	}

	stmt := `
	UPDATE message_links
	SET status = 'sent', telegram_message_id = ?, last_error = NULL, updated_at = ?
	WHERE id = ?;
	`
	_, err = tx.ExecContext(ctx, stmt, newTelegramID, s.now(), id)
	return err
}

func (s *sqliteLinkStore) MarkLinkRetry(ctx context.Context, id int64, errText string) error {
	stmt := `
	UPDATE message_links
	SET status = 'retry', retries = retries + 1, last_error = ?, updated_at = ?
	WHERE id = ? AND status IN ('pending', 'retry');
	`
	return s.transition(ctx, id, models.LinkStatusRetry, stmt, errText)
}

func (s *sqliteLinkStore) MarkLinkFailed(ctx context.Context, id int64, errText string) error {
	stmt := `
	UPDATE message_links
	SET status = 'failed', last_error = ?, updated_at = ?
	WHERE id = ? AND status IN ('pending', 'retry');
	`
	return s.transition(ctx, id, models.LinkStatusFailed, stmt, errText)
}

func (s *sqliteLinkStore) transition(ctx context.Context, id int64, to models.LinkStatus, stmt, errText string) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, stmt, errText, s.now(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var status models.LinkStatus
		err = tx.GetContext(ctx, &status, "SELECT status FROM message_links WHERE id = ?;", id)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %d", ErrLinkNotFound, id)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, to)
	})
}

func (s *sqliteLinkStore) AddLinkAlias(ctx context.Context, linkID, packetID int64, previousPacketID *int64) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return s.addAlias(ctx, tx, linkID, packetID, previousPacketID)
	})
}

func (s *sqliteLinkStore) AssignPrimaryPacket(ctx context.Context, linkID, packetID int64) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		link, err := getLinkByID(ctx, tx, linkID)
		if err != nil {
			return err
		}
		if link == nil {
			return fmt.Errorf("%w: %d", ErrLinkNotFound, linkID)
		}
		if link.MeshtasticPacketID.Valid {
			if link.MeshtasticPacketID.Int64 == packetID {
				return nil
			}
			return s.addAlias(ctx, tx, linkID, packetID, nil)
		}
		if err := ensurePacketFree(ctx, tx, packetID, linkID); err != nil {
			return err
		}
		stmt := `UPDATE message_links SET meshtastic_packet_id = ?, updated_at = ? WHERE id = ?;`
		_, err = tx.ExecContext(ctx, stmt, packetID, s.now(), linkID)
		return err
	})
}

func (s *sqliteLinkStore) addAlias(ctx context.Context, tx *sqlx.Tx, linkID, packetID int64, previousPacketID *int64) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM message_links WHERE id = ?);", linkID); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrLinkNotFound, linkID)
	}

	var owner int64
	err := tx.GetContext(ctx, &owner, "SELECT link_id FROM message_link_aliases WHERE meshtastic_packet_id = ?;", packetID)
	switch {
	case err == nil && owner == linkID:
		return nil
	case err == nil:
		return fmt.Errorf("%w: %d", ErrPacketIDConflict, packetID)
	case err != sql.ErrNoRows:
		return err
	}
	if err := ensurePacketFree(ctx, tx, packetID, linkID); err != nil {
		return err
	}

	stmt := `
	INSERT INTO message_link_aliases (link_id, meshtastic_packet_id, previous_packet_id, created_at)
	VALUES (?, ?, ?, ?);
	`
	_, err = tx.ExecContext(ctx, stmt, linkID, packetID, models.IDFromPtr(previousPacketID), s.now())
	return err
}

func (s *sqliteLinkStore) ListLinkAliases(ctx context.Context, linkID int64) ([]*models.MessageLinkAlias, error) {
	stmt := `SELECT a.* FROM message_link_aliases a WHERE a.link_id = ? ORDER BY a.id;`
	aliases := []*models.MessageLinkAlias{}
	err := s.db.SelectContext(ctx, &aliases, stmt, linkID)
	return aliases, err
}

func (s *sqliteLinkStore) IterPendingLinks(ctx context.Context, direction models.LinkDirection) (iter.Seq2[*models.MessageLink, error], error) {
	var ids []int64
	stmt := `
	SELECT id FROM message_links
	WHERE direction = ? AND status IN ('pending', 'retry')
	ORDER BY id;
	`
	if err := s.db.SelectContext(ctx, &ids, stmt, direction); err != nil {
		return nil, fmt.Errorf("list pending links: %w", err)
	}

	var consumed atomic.Bool
	return func(yield func(*models.MessageLink, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			return
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			link, err := getLinkByID(ctx, s.db, id)
			if err != nil {
				if !yield(nil, &LinkError{ID: id, Err: err}) {
					return
				}
				continue
			}
			if link == nil || link.Status.Terminal() {
				continue
			}
			if !yield(link, nil) {
				return
			}
		}
	}, nil
}

func (s *sqliteLinkStore) CountLinksByStatus(ctx context.Context) ([]models.LinkStatusCount, error) {
	stmt := `
	SELECT direction, status, COUNT(*) AS count
	FROM message_links
	GROUP BY direction, status
	ORDER BY direction, status;
	`
	counts := []models.LinkStatusCount{}
	err := s.db.SelectContext(ctx, &counts, stmt)
	return counts, err
}
