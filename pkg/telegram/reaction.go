package telegram

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ReactionType is one entry of a Telegram reaction list.
type ReactionType struct {
	Type          string `json:"type"`
	Emoji         string `json:"emoji,omitempty"`
	CustomEmojiID string `json:"custom_emoji_id,omitempty"`
	IsBig         bool   `json:"is_big,omitempty"`
}

func (r ReactionType) IsEmoji() bool {
	return r.Type == "emoji" && r.Emoji != ""
}

// MessageReactionUpdate is a change of reactions on a message by one user.
type MessageReactionUpdate struct {
	ChatID      int64
	ChatType    string
	MessageID   int
	User        *tgbotapi.User
	ActorChat   *tgbotapi.Chat
	Date        time.Time
	OldReaction []ReactionType
	NewReaction []ReactionType
}

// AddedEmoji returns the first standard emoji that is new in this update.
func (r *MessageReactionUpdate) AddedEmoji() (string, bool) {
	for _, n := range r.NewReaction {
		if !n.IsEmoji() {
			continue
		}
		seen := false
		for _, o := range r.OldReaction {
			if o.IsEmoji() && o.Emoji == n.Emoji {
				seen = true
				break
			}
		}
		if !seen {
			return n.Emoji, true
		}
	}
	return "", false
}

// Codepoint returns the first rune of emoji as an integer codepoint.
func Codepoint(emoji string) (int64, bool) {
	r, size := utf8.DecodeRuneInString(emoji)
	if r == utf8.RuneError && size <= 1 {
		return 0, false
	}
	return int64(r), true
}

// SenderName returns a display name for whoever reacted.
func (r *MessageReactionUpdate) SenderName() string {
	if r.User != nil {
		return FullName(r.User)
	}
	if r.ActorChat != nil {
		return r.ActorChat.Title
	}
	return "Anonymous"
}

func parseReactionList(items []json.RawMessage) []ReactionType {
	out := make([]ReactionType, 0, len(items))
	for _, item := range items {
		var r ReactionType
		if err := json.Unmarshal(item, &r); err != nil {
			r = ReactionType{Type: "unknown"}
		}
		switch {
		case r.Type == "emoji" && r.Emoji != "":
		case r.Type == "custom_emoji" && r.CustomEmojiID != "":
		default:
			if r.Type == "" {
				r.Type = "unknown"
			}
		}
		out = append(out, r)
	}
	return out
}

// FullName joins first and last name, falling back to the username.
func FullName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		name = u.UserName
	}
	return name
}
