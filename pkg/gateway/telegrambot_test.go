package gateway

import (
	"context"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/meshtg-gateway/pkg/models"
	"github.com/kabili207/meshtg-gateway/pkg/telegram"
)

var ada = &tgbotapi.User{ID: 5, FirstName: "Ada", LastName: "Lovelace"}

func tgMessage(id int, text string) *telegram.Message {
	return &telegram.Message{Message: &tgbotapi.Message{
		MessageID: id,
		Chat:      &tgbotapi.Chat{ID: testRoom, Type: "supergroup"},
		From:      ada,
		Text:      text,
	}}
}

func TestTelegramMessageForwardedToMesh(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t, true)

	NewTelegramBot(gw.coord).OnMessage(ctx, tgMessage(41, "hello mesh"))

	sent := gw.mesh.packets()
	require.Len(t, sent, 1)
	assert.Equal(t, "Ada Lovelace: hello mesh", sent[0].Text)
	assert.Equal(t, uint32(0), sent[0].ReplyID)

	link, err := gw.stores.Links.GetLinkByTelegram(ctx, testRoom, 41)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, models.LinkStatusSent, link.Status)
	assert.Equal(t, int64(sent[0].ID), link.MeshtasticPacketID.Int64)
}

func TestTelegramLongMessageFormsReplyChain(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t, true)
	links := gw.stores.Links

	text := strings.TrimSpace(strings.Repeat("lorem ipsum ", 50))
	require.Len(t, text, 599)
	NewTelegramBot(gw.coord).OnMessage(ctx, tgMessage(42, text))

	sent := gw.mesh.packets()
	require.GreaterOrEqual(t, len(sent), 2)
	for k := 1; k < len(sent); k++ {
		assert.Equal(t, sent[k-1].ID, sent[k].ReplyID, "chunk %d should reply to chunk %d", k, k-1)
		assert.LessOrEqual(t, len(sent[k].Text), 280)
	}

	link, err := links.GetLinkByTelegram(ctx, testRoom, 42)
	require.NoError(t, err)
	assert.Equal(t, models.LinkStatusSent, link.Status)
	assert.Equal(t, int64(sent[0].ID), link.MeshtasticPacketID.Int64)

	for _, p := range sent {
		got, err := links.GetLinkByMeshtastic(ctx, int64(p.ID))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, link.ID, got.ID)
	}

	aliases, err := links.ListLinkAliases(ctx, link.ID)
	require.NoError(t, err)
	require.Len(t, aliases, len(sent)-1)
	for i, a := range aliases {
		assert.Equal(t, int64(sent[i+1].ID), a.MeshtasticPacketID)
		assert.Equal(t, int64(sent[i].ID), a.PreviousPacketID.Int64)
	}
}

func TestTelegramReplyTargetsMeshPacket(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t, true)

	gw.tg.On("SendMessage", testRoom, "Bob: hi", 0).Return(77, nil).Once()
	NewMeshBot(gw.coord).OnReceive(ctx, textPacket(500, bobNode, "hi"))

	msg := tgMessage(78, "hi Bob")
	msg.ReplyToMessage = &tgbotapi.Message{MessageID: 77, Chat: msg.Chat}
	NewTelegramBot(gw.coord).OnMessage(ctx, msg)

	sent := gw.mesh.packets()
	require.Len(t, sent, 1)
	assert.Equal(t, uint32(500), sent[0].ReplyID)

	link, err := gw.stores.Links.GetLinkByTelegram(ctx, testRoom, 78)
	require.NoError(t, err)
	assert.Equal(t, int64(77), link.ReplyToTelegramMessageID.Int64)
}

func TestTelegramReactionSendsTapback(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t, true)

	gw.tg.On("SendMessage", testRoom, "Bob: hi", 0).Return(77, nil).Once()
	NewMeshBot(gw.coord).OnReceive(ctx, textPacket(500, bobNode, "hi"))

	NewTelegramBot(gw.coord).OnReaction(ctx, &telegram.MessageReactionUpdate{
		ChatID:      testRoom,
		MessageID:   77,
		User:        ada,
		NewReaction: []telegram.ReactionType{{Type: "emoji", Emoji: "🔥"}},
	})

	sent := gw.mesh.packets()
	require.Len(t, sent, 1)
	assert.Equal(t, "🔥", sent[0].Text)
	assert.Equal(t, uint32(1), sent[0].Emoji)
	assert.Equal(t, uint32(500), sent[0].ReplyID)
	assert.Equal(t, pb.PortNum_TEXT_MESSAGE_APP, sent[0].Port)

	link, err := gw.stores.Links.GetLinkByMeshtastic(ctx, int64(sent[0].ID))
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.True(t, link.IsReaction())
	assert.Equal(t, models.LinkStatusSent, link.Status)
	assert.Equal(t, models.DirectionTelegramToMesh, link.Direction)
}

func TestTelegramReactionWithoutTargetIsRetried(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t, true)

	NewTelegramBot(gw.coord).OnReaction(ctx, &telegram.MessageReactionUpdate{
		ChatID:      testRoom,
		MessageID:   12,
		User:        ada,
		NewReaction: []telegram.ReactionType{{Type: "emoji", Emoji: "👍"}},
	})

	assert.Empty(t, gw.mesh.packets())
	counts, err := gw.stores.Links.CountLinksByStatus(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, models.LinkStatusRetry, counts[0].Status)
}

func TestTelegramMessagesIgnored(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t, true)
	bot := NewTelegramBot(gw.coord)

	require.NoError(t, gw.stores.Filters.Ban(ctx, models.FilterTelegram, "6", "spam"))

	otherRoom := tgMessage(1, "wrong room")
	otherRoom.Chat = &tgbotapi.Chat{ID: 42}
	bot.OnMessage(ctx, otherRoom)

	banned := tgMessage(2, "banned")
	banned.From = &tgbotapi.User{ID: 6, FirstName: "Spam"}
	bot.OnMessage(ctx, banned)

	topic := tgMessage(3, "in a topic")
	topic.IsTopicMessage = true
	topic.ThreadID = 70
	topic.TopicName = "Off-topic"
	topic.ReplyToMessage = &tgbotapi.Message{MessageID: 70}
	bot.OnMessage(ctx, topic)

	bot.OnMessage(ctx, tgMessage(4, "   "))

	assert.Empty(t, gw.mesh.packets())
}

func TestTelegramMediaPlaceholders(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t, true)

	msg := tgMessage(5, "")
	msg.Sticker = &tgbotapi.Sticker{SetName: "Cats", Emoji: "😺"}
	NewTelegramBot(gw.coord).OnMessage(ctx, msg)

	photo := tgMessage(6, "")
	photo.Photo = []tgbotapi.PhotoSize{{FileID: "x", Width: 10, Height: 10}}
	photo.Caption = "sunset"
	NewTelegramBot(gw.coord).OnMessage(ctx, photo)

	sent := gw.mesh.packets()
	require.Len(t, sent, 2)
	assert.Equal(t, "Ada Lovelace: sent sticker Cats: 😺", sent[0].Text)
	assert.Equal(t, "Ada Lovelace: sent image sunset", sent[1].Text)
}

func TestTelegramMeshFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t, true)
	gw.mesh.failOn = "offline"

	NewTelegramBot(gw.coord).OnMessage(ctx, tgMessage(7, "are you offline"))

	link, err := gw.stores.Links.GetLinkByTelegram(ctx, testRoom, 7)
	require.NoError(t, err)
	assert.Equal(t, models.LinkStatusRetry, link.Status)
	require.NotNil(t, link.LastError)
	assert.Contains(t, *link.LastError, "mesh not connected")
}
