package telegram

import (
	"encoding/json"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Message is an inbound chat message with the forum topic details the
// bot API library does not decode.
type Message struct {
	*tgbotapi.Message
	ThreadID       int
	IsTopicMessage bool
	// TopicName is set when the message replies to a topic's creation service message.
	TopicName string
}

// RepliesToMessage reports whether the message is a reply to a real message
// rather than an implicit reply to its forum topic root.
func (m *Message) RepliesToMessage() bool {
	return m.ReplyToMessage != nil && m.TopicName == "" && m.ReplyToMessage.MessageID != m.ThreadID
}

// Update is a Telegram update including the fields this gateway decodes itself.
type Update struct {
	tgbotapi.Update
	Message         *Message
	MessageReaction *MessageReactionUpdate
}

type rawTopicCreated struct {
	Name string `json:"name"`
}

type rawMessageExtras struct {
	MessageThreadID int  `json:"message_thread_id"`
	IsTopicMessage  bool `json:"is_topic_message"`
	ReplyToMessage  *struct {
		ForumTopicCreated *rawTopicCreated `json:"forum_topic_created"`
	} `json:"reply_to_message"`
}

type rawReactionUpdate struct {
	Chat        tgbotapi.Chat     `json:"chat"`
	MessageID   int               `json:"message_id"`
	User        *tgbotapi.User    `json:"user"`
	ActorChat   *tgbotapi.Chat    `json:"actor_chat"`
	Date        int64             `json:"date"`
	OldReaction []json.RawMessage `json:"old_reaction"`
	NewReaction []json.RawMessage `json:"new_reaction"`
}

type rawUpdateExtras struct {
	Message         *rawMessageExtras  `json:"message"`
	MessageReaction *rawReactionUpdate `json:"message_reaction"`
}

// SkippedUpdate is a batch item that could not be decoded. UpdateID is -1
// when even the update ID was unreadable.
type SkippedUpdate struct {
	UpdateID int
	Err      error
}

// DecodeUpdates parses the result of a getUpdates call. Items that fail to
// decode are reported in skipped, the rest of the batch is still returned.
func DecodeUpdates(raw json.RawMessage) (updates []Update, skipped []SkippedUpdate, err error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, nil, fmt.Errorf("decode updates: %w", err)
	}

	updates = make([]Update, 0, len(items))
	for _, item := range items {
		u, err := DecodeUpdate(item)
		if err != nil {
			skipped = append(skipped, SkippedUpdate{UpdateID: rawUpdateID(item), Err: err})
			continue
		}
		updates = append(updates, u)
	}
	return updates, skipped, nil
}

func rawUpdateID(raw json.RawMessage) int {
	var head struct {
		UpdateID *int `json:"update_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.UpdateID == nil {
		return -1
	}
	return *head.UpdateID
}

// DecodeUpdate parses a single raw update.
func DecodeUpdate(raw json.RawMessage) (Update, error) {
	var u Update
	if err := json.Unmarshal(raw, &u.Update); err != nil {
		return u, fmt.Errorf("decode update: %w", err)
	}
	var extra rawUpdateExtras
	if err := json.Unmarshal(raw, &extra); err != nil {
		return u, fmt.Errorf("decode update extras: %w", err)
	}

	if u.Update.Message != nil {
		u.Message = &Message{Message: u.Update.Message}
		if m := extra.Message; m != nil {
			u.Message.ThreadID = m.MessageThreadID
			u.Message.IsTopicMessage = m.IsTopicMessage
			if m.ReplyToMessage != nil && m.ReplyToMessage.ForumTopicCreated != nil {
				u.Message.TopicName = m.ReplyToMessage.ForumTopicCreated.Name
			}
		}
	}

	if r := extra.MessageReaction; r != nil {
		u.MessageReaction = &MessageReactionUpdate{
			ChatID:      r.Chat.ID,
			ChatType:    r.Chat.Type,
			MessageID:   r.MessageID,
			User:        r.User,
			ActorChat:   r.ActorChat,
			Date:        time.Unix(r.Date, 0),
			OldReaction: parseReactionList(r.OldReaction),
			NewReaction: parseReactionList(r.NewReaction),
		}
	}
	return u, nil
}
