package models

import (
	"time"
)

// LinkDirection identifies which transport a logical message originated on.
type LinkDirection string

const (
	DirectionMeshToTelegram LinkDirection = "mesh_to_telegram"
	DirectionTelegramToMesh LinkDirection = "telegram_to_mesh"
)

// LinkStatus is the delivery state of a MessageLink.
type LinkStatus string

const (
	LinkStatusPending LinkStatus = "pending"
	LinkStatusSent    LinkStatus = "sent"
	LinkStatusRetry   LinkStatus = "retry"
	LinkStatusFailed  LinkStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s LinkStatus) Terminal() bool {
	return s == LinkStatusSent || s == LinkStatusFailed
}

// MessageLink is a logical message tracked across the mesh and Telegram.
type MessageLink struct {
	ID        int64         `db:"id" json:"id"`
	Direction LinkDirection `db:"direction" json:"direction"`
	Status    LinkStatus    `db:"status" json:"status"`
	// MeshtasticPacketID is the packet ID of the first mesh packet for this message
	MeshtasticPacketID NullID `db:"meshtastic_packet_id" json:"meshtastic_packet_id"`
	TelegramChatID     NullID `db:"telegram_chat_id" json:"telegram_chat_id"`
	TelegramMessageID  NullID `db:"telegram_message_id" json:"telegram_message_id"`
	TelegramThreadID   NullID `db:"telegram_thread_id" json:"telegram_thread_id,omitempty"`
	// ReplyToPacketID is the mesh packet a mesh-originated message replies to
	ReplyToPacketID NullID `db:"reply_to_packet_id" json:"reply_to_packet_id"`
	// ReplyToTelegramMessageID is the Telegram message a Telegram-originated message replies to
	ReplyToTelegramMessageID NullID    `db:"reply_to_telegram_message_id" json:"reply_to_telegram_message_id"`
	Payload                  *string   `db:"payload" json:"payload,omitempty"`
	Sender                   string    `db:"sender" json:"sender"`
	Emoji                    NullID    `db:"emoji" json:"emoji"`
	Retries                  int       `db:"retries" json:"retries"`
	LastError                *string   `db:"last_error" json:"last_error,omitempty"`
	CreatedAt                time.Time `db:"created_at" json:"created_at"`
	UpdatedAt                time.Time `db:"updated_at" json:"updated_at"`
}

// IsReaction is true for records carrying an emoji and no text body.
func (m *MessageLink) IsReaction() bool {
	return m.Emoji.Valid && (m.Payload == nil || *m.Payload == "")
}

// EmojiString renders the stored codepoint, or "" when there is none.
func (m *MessageLink) EmojiString() string {
	if !m.Emoji.Valid || m.Emoji.Int64 <= 0 {
		return ""
	}
	return string(rune(m.Emoji.Int64))
}

// PayloadText returns the payload or an empty string.
func (m *MessageLink) PayloadText() string {
	if m.Payload == nil {
		return ""
	}
	return *m.Payload
}

// MessageLinkAlias is an additional mesh packet belonging to a chunked MessageLink.
type MessageLinkAlias struct {
	ID                 int64     `db:"id" json:"id"`
	LinkID             int64     `db:"link_id" json:"link_id"`
	MeshtasticPacketID int64     `db:"meshtastic_packet_id" json:"meshtastic_packet_id"`
	PreviousPacketID   NullID    `db:"previous_packet_id" json:"previous_packet_id"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// LinkStatusCount is one row of the per-status summary.
type LinkStatusCount struct {
	Direction LinkDirection `db:"direction" json:"direction"`
	Status    LinkStatus    `db:"status" json:"status"`
	Count     int           `db:"count" json:"count"`
}
