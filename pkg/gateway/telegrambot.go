package gateway

import (
	"context"
	"strconv"
	"strings"

	"github.com/kabili207/meshtg-gateway/pkg/models"
	"github.com/kabili207/meshtg-gateway/pkg/store"
	"github.com/kabili207/meshtg-gateway/pkg/telegram"
)

const generalTopic = "General"

// TelegramBot handles updates from the bridged Telegram room.
type TelegramBot struct {
	*Coordinator
}

func NewTelegramBot(c *Coordinator) *TelegramBot {
	return &TelegramBot{Coordinator: c}
}

func (b *TelegramBot) OnMessage(ctx context.Context, msg *telegram.Message) {
	if msg == nil || msg.Message == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != b.room {
		b.log.Debug("message outside bridged room", "chat", msg.Chat.ID)
		return
	}
	if b.filter.Banned(ctx, models.FilterTelegram, strconv.FormatInt(msg.From.ID, 10)) {
		return
	}
	if msg.IsTopicMessage && msg.TopicName != "" && msg.TopicName != generalTopic {
		b.log.Debug("message outside general topic", "topic", msg.TopicName)
		return
	}
	if msg.IsTopicMessage && msg.RepliesToMessage() {
		b.log.Debug("reply outside general topic", "thread", msg.ThreadID)
		return
	}
	if msg.IsCommand() {
		return
	}

	text := messageText(msg)
	if text == "" {
		return
	}
	sender := telegram.FullName(msg.From)
	b.log.Info("telegram message received", "chat", msg.Chat.ID, "message", msg.MessageID, "sender", sender)

	chatID := msg.Chat.ID
	messageID := int64(msg.MessageID)
	params := store.EnsureLinkParams{
		Direction:         models.DirectionTelegramToMesh,
		TelegramChatID:    &chatID,
		TelegramMessageID: &messageID,
		Payload:           &text,
		Sender:            &sender,
	}
	if msg.ThreadID != 0 {
		thread := int64(msg.ThreadID)
		params.TelegramThreadID = &thread
	}
	if msg.RepliesToMessage() {
		replyID := int64(msg.ReplyToMessage.MessageID)
		params.ReplyToTelegramMessageID = &replyID
	}

	link, err := b.links.EnsureMessageLink(ctx, params)
	if err != nil {
		b.log.Error("could not record telegram message", "message", msg.MessageID, "error", err)
		return
	}
	if link.Status.Terminal() {
		b.log.Debug("telegram message already handled", "link", link.ID, "status", link.Status)
		return
	}

	b.sendAPRS(ctx, sender, text)
	b.forwardToMesh(ctx, link)
}

// messageText renders the mesh text for a Telegram message, using
// placeholders for media the mesh cannot carry.
func messageText(msg *telegram.Message) string {
	var parts []string
	if t := strings.TrimSpace(msg.Text); t != "" {
		parts = append(parts, t)
	}
	if msg.Sticker != nil {
		parts = append(parts, "sent sticker "+msg.Sticker.SetName+": "+msg.Sticker.Emoji)
	}
	if len(msg.Photo) > 0 {
		parts = append(parts, "sent image")
	}
	if c := strings.TrimSpace(msg.Caption); c != "" {
		parts = append(parts, c)
	}
	return strings.Join(parts, " ")
}

func (b *TelegramBot) OnReaction(ctx context.Context, r *telegram.MessageReactionUpdate) {
	if r == nil || r.ChatID != b.room {
		return
	}
	if r.User != nil && b.filter.Banned(ctx, models.FilterTelegram, strconv.FormatInt(r.User.ID, 10)) {
		return
	}
	emoji, ok := r.AddedEmoji()
	if !ok {
		return
	}
	codepoint, ok := telegram.Codepoint(emoji)
	if !ok {
		return
	}
	sender := r.SenderName()
	b.log.Info("telegram reaction received", "chat", r.ChatID, "message", r.MessageID, "sender", sender, "emoji", emoji)

	chatID := r.ChatID
	target := int64(r.MessageID)
	link, err := b.links.EnsureMessageLink(ctx, store.EnsureLinkParams{
		Direction:                models.DirectionTelegramToMesh,
		TelegramChatID:           &chatID,
		TelegramMessageID:        &target,
		ReplyToTelegramMessageID: &target,
		Sender:                   &sender,
		Emoji:                    &codepoint,
	})
	if err != nil {
		b.log.Error("could not record telegram reaction", "message", r.MessageID, "error", err)
		return
	}
	b.forwardToMesh(ctx, link)
}
