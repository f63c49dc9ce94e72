package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kabili207/meshtg-gateway/pkg/models"
)

func openTestStores(t *testing.T) *Stores {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "gateway.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr[T any](v T) *T {
	return &v
}

func TestEnsureAndMarkSent(t *testing.T) {
	ctx := context.Background()
	links := openTestStores(t).Links

	link, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionMeshToTelegram,
		MeshtasticPacketID: ptr[int64](500),
		Payload:            ptr("hi"),
		Sender:             ptr("Bob"),
	})
	require.NoError(t, err)
	require.Equal(t, models.LinkStatusPending, link.Status)
	require.Equal(t, "Bob", link.Sender)
	require.Equal(t, "hi", link.PayloadText())
	require.False(t, link.TelegramMessageID.Valid)

	require.NoError(t, links.MarkLinkSent(ctx, link.ID, ptr[int64](77)))

	got, err := links.GetLink(ctx, link.ID)
	require.NoError(t, err)
	require.Equal(t, models.LinkStatusSent, got.Status)
	require.Equal(t, models.SomeID(77), got.TelegramMessageID)
}

func TestEnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	links := openTestStores(t).Links

	params := EnsureLinkParams{
		Direction:          models.DirectionMeshToTelegram,
		MeshtasticPacketID: ptr[int64](42),
		Payload:            ptr("hello"),
		Sender:             ptr("Alice"),
	}
	first, err := links.EnsureMessageLink(ctx, params)
	require.NoError(t, err)
	second, err := links.EnsureMessageLink(ctx, params)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	counts, err := links.CountLinksByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, []models.LinkStatusCount{
		{Direction: models.DirectionMeshToTelegram, Status: models.LinkStatusPending, Count: 1},
	}, counts)
}

func TestEnsureUpdatesExistingFields(t *testing.T) {
	ctx := context.Background()
	links := openTestStores(t).Links

	link, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:         models.DirectionTelegramToMesh,
		TelegramChatID:    ptr[int64](-1002310528626),
		TelegramMessageID: ptr[int64](10),
		Payload:           ptr("long text"),
		Sender:            ptr("Carol"),
	})
	require.NoError(t, err)
	require.False(t, link.MeshtasticPacketID.Valid)

	updated, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionTelegramToMesh,
		TelegramChatID:     ptr[int64](-1002310528626),
		TelegramMessageID:  ptr[int64](10),
		MeshtasticPacketID: ptr[int64](201),
	})
	require.NoError(t, err)
	require.Equal(t, link.ID, updated.ID)
	require.Equal(t, models.SomeID(201), updated.MeshtasticPacketID)
	require.Equal(t, "long text", updated.PayloadText(), "omitted fields must not be cleared")
	require.Equal(t, int64(-1002310528626), updated.TelegramChatID.Int64)

	byTelegram, err := links.GetLinkByTelegram(ctx, -1002310528626, 10)
	require.NoError(t, err)
	require.NotNil(t, byTelegram)
	require.Equal(t, link.ID, byTelegram.ID)
}

func TestAliasChainResolution(t *testing.T) {
	ctx := context.Background()
	links := openTestStores(t).Links

	link, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionTelegramToMesh,
		TelegramChatID:     ptr[int64](-100),
		TelegramMessageID:  ptr[int64](5),
		MeshtasticPacketID: ptr[int64](200),
		Payload:            ptr("chunked"),
	})
	require.NoError(t, err)

	require.NoError(t, links.AddLinkAlias(ctx, link.ID, 201, nil))
	require.NoError(t, links.AddLinkAlias(ctx, link.ID, 202, ptr[int64](201)))
	require.NoError(t, links.AddLinkAlias(ctx, link.ID, 203, ptr[int64](202)))

	for _, packetID := range []int64{200, 201, 202, 203} {
		got, err := links.GetLinkByMeshtastic(ctx, packetID)
		require.NoError(t, err)
		require.NotNil(t, got, "packet %d", packetID)
		require.Equal(t, link.ID, got.ID, "packet %d", packetID)
	}

	missing, err := links.GetLinkByMeshtastic(ctx, 999)
	require.NoError(t, err)
	require.Nil(t, missing)

	aliases, err := links.ListLinkAliases(ctx, link.ID)
	require.NoError(t, err)
	require.Len(t, aliases, 3)
	require.False(t, aliases[0].PreviousPacketID.Valid)
	require.Equal(t, models.SomeID(201), aliases[1].PreviousPacketID)
	require.Equal(t, models.SomeID(202), aliases[2].PreviousPacketID)
}

func TestAliasMayRepeatOwnPrimary(t *testing.T) {
	ctx := context.Background()
	links := openTestStores(t).Links

	link, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionTelegramToMesh,
		TelegramChatID:     ptr[int64](1),
		TelegramMessageID:  ptr[int64](1),
		MeshtasticPacketID: ptr[int64](201),
	})
	require.NoError(t, err)
	require.NoError(t, links.AddLinkAlias(ctx, link.ID, 201, nil))
	require.NoError(t, links.AddLinkAlias(ctx, link.ID, 201, nil), "re-adding an alias is a no-op")
}

func TestPacketIDsAreGloballyUnique(t *testing.T) {
	ctx := context.Background()
	links := openTestStores(t).Links

	a, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionMeshToTelegram,
		MeshtasticPacketID: ptr[int64](300),
	})
	require.NoError(t, err)
	b, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:         models.DirectionTelegramToMesh,
		TelegramChatID:    ptr[int64](1),
		TelegramMessageID: ptr[int64](2),
	})
	require.NoError(t, err)

	err = links.AddLinkAlias(ctx, b.ID, 300, nil)
	require.ErrorIs(t, err, ErrPacketIDConflict)

	require.NoError(t, links.AddLinkAlias(ctx, b.ID, 301, nil))
	err = links.AddLinkAlias(ctx, a.ID, 301, nil)
	require.ErrorIs(t, err, ErrPacketIDConflict)

	_, err = links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionTelegramToMesh,
		TelegramChatID:     ptr[int64](1),
		TelegramMessageID:  ptr[int64](2),
		MeshtasticPacketID: ptr[int64](300),
	})
	require.ErrorIs(t, err, ErrPacketIDConflict)

	err = links.AddLinkAlias(ctx, 12345, 400, nil)
	require.ErrorIs(t, err, ErrLinkNotFound)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	links := openTestStores(t).Links

	newLink := func(packetID int64) *models.MessageLink {
		link, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
			Direction:          models.DirectionMeshToTelegram,
			MeshtasticPacketID: &packetID,
			Payload:            ptr("x"),
		})
		require.NoError(t, err)
		return link
	}

	t.Run("retry then sent", func(t *testing.T) {
		link := newLink(1)
		require.NoError(t, links.MarkLinkRetry(ctx, link.ID, "timeout"))
		require.NoError(t, links.MarkLinkRetry(ctx, link.ID, "timeout again"))
		got, err := links.GetLink(ctx, link.ID)
		require.NoError(t, err)
		require.Equal(t, models.LinkStatusRetry, got.Status)
		require.Equal(t, 2, got.Retries)
		require.Equal(t, "timeout again", *got.LastError)

		require.NoError(t, links.MarkLinkSent(ctx, link.ID, ptr[int64](9)))
		got, err = links.GetLink(ctx, link.ID)
		require.NoError(t, err)
		require.Equal(t, models.LinkStatusSent, got.Status)
		require.Nil(t, got.LastError)
	})

	t.Run("sent is final", func(t *testing.T) {
		link := newLink(2)
		require.NoError(t, links.MarkLinkSent(ctx, link.ID, ptr[int64](10)))
		require.ErrorIs(t, links.MarkLinkRetry(ctx, link.ID, "late"), ErrInvalidTransition)
		require.ErrorIs(t, links.MarkLinkFailed(ctx, link.ID, "late"), ErrInvalidTransition)
		require.ErrorIs(t, links.MarkLinkSent(ctx, link.ID, ptr[int64](11)), ErrInvalidTransition)
		require.NoError(t, links.MarkLinkSent(ctx, link.ID, ptr[int64](10)), "repeating the same send is a no-op")

		got, err := links.GetLink(ctx, link.ID)
		require.NoError(t, err)
		require.Equal(t, models.LinkStatusSent, got.Status)
		require.Equal(t, int64(10), got.TelegramMessageID.Int64)
	})

	t.Run("retry then failed", func(t *testing.T) {
		link := newLink(3)
		require.NoError(t, links.MarkLinkRetry(ctx, link.ID, "timeout"))
		require.NoError(t, links.MarkLinkFailed(ctx, link.ID, "corrupt"))
		require.ErrorIs(t, links.MarkLinkRetry(ctx, link.ID, "again"), ErrInvalidTransition)
	})

	t.Run("sent needs opposite id", func(t *testing.T) {
		link := newLink(4)
		require.ErrorIs(t, links.MarkLinkSent(ctx, link.ID, nil), ErrOppositeIDUnknown)

		t2m, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
			Direction:         models.DirectionTelegramToMesh,
			TelegramChatID:    ptr[int64](1),
			TelegramMessageID: ptr[int64](4),
		})
		require.NoError(t, err)
		require.ErrorIs(t, links.MarkLinkSent(ctx, t2m.ID, nil), ErrOppositeIDUnknown)
	})

	t.Run("unknown link", func(t *testing.T) {
		require.ErrorIs(t, links.MarkLinkRetry(ctx, 9999, "x"), ErrLinkNotFound)
		require.ErrorIs(t, links.MarkLinkSent(ctx, 9999, ptr[int64](1)), ErrLinkNotFound)
	})
}

func TestMarkLinkSentWithAlias(t *testing.T) {
	ctx := context.Background()
	links := openTestStores(t).Links

	link, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionTelegramToMesh,
		TelegramChatID:     ptr[int64](7),
		TelegramMessageID:  ptr[int64](8),
		MeshtasticPacketID: ptr[int64](600),
	})
	require.NoError(t, err)

	require.NoError(t, links.MarkLinkSentWithAlias(ctx, link.ID, &AliasParams{PacketID: 601, PreviousPacketID: ptr[int64](600)}))

	got, err := links.GetLinkByMeshtastic(ctx, 601)
	require.NoError(t, err)
	require.Equal(t, link.ID, got.ID)
	require.Equal(t, models.LinkStatusSent, got.Status)

	// A conflicting alias rolls back the status change too.
	other, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionTelegramToMesh,
		TelegramChatID:     ptr[int64](7),
		TelegramMessageID:  ptr[int64](9),
		MeshtasticPacketID: ptr[int64](700),
	})
	require.NoError(t, err)
	err = links.MarkLinkSentWithAlias(ctx, other.ID, &AliasParams{PacketID: 601})
	require.ErrorIs(t, err, ErrPacketIDConflict)
	got, err = links.GetLink(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, models.LinkStatusPending, got.Status)
}

func TestGetLinkByTelegramPrefersMessageOverReaction(t *testing.T) {
	ctx := context.Background()
	links := openTestStores(t).Links

	msg, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionMeshToTelegram,
		MeshtasticPacketID: ptr[int64](1),
		TelegramChatID:     ptr[int64](-5),
		Payload:            ptr("hello"),
	})
	require.NoError(t, err)
	require.NoError(t, links.MarkLinkSent(ctx, msg.ID, ptr[int64](50)))

	reaction, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionMeshToTelegram,
		MeshtasticPacketID: ptr[int64](2),
		TelegramChatID:     ptr[int64](-5),
		ReplyToPacketID:    ptr[int64](1),
		Emoji:              ptr[int64](128077),
	})
	require.NoError(t, err)
	require.True(t, reaction.IsReaction())
	require.Equal(t, "👍", reaction.EmojiString())
	require.NoError(t, links.MarkLinkSent(ctx, reaction.ID, ptr[int64](50)))

	got, err := links.GetLinkByTelegram(ctx, -5, 50)
	require.NoError(t, err)
	require.Equal(t, msg.ID, got.ID)
}

func TestIterPendingLinks(t *testing.T) {
	ctx := context.Background()
	links := openTestStores(t).Links

	var ids []int64
	for i := int64(1); i <= 4; i++ {
		link, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
			Direction:          models.DirectionMeshToTelegram,
			MeshtasticPacketID: &i,
			Payload:            ptr("msg"),
		})
		require.NoError(t, err)
		ids = append(ids, link.ID)
	}
	require.NoError(t, links.MarkLinkRetry(ctx, ids[1], "timeout"))
	require.NoError(t, links.MarkLinkSent(ctx, ids[2], ptr[int64](3)))
	_, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:         models.DirectionTelegramToMesh,
		TelegramChatID:    ptr[int64](1),
		TelegramMessageID: ptr[int64](1),
	})
	require.NoError(t, err)

	seq, err := links.IterPendingLinks(ctx, models.DirectionMeshToTelegram)
	require.NoError(t, err)

	// Records created after the snapshot are not part of it.
	_, err = links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionMeshToTelegram,
		MeshtasticPacketID: ptr[int64](99),
	})
	require.NoError(t, err)

	var got []int64
	for link, err := range seq {
		require.NoError(t, err)
		got = append(got, link.ID)
	}
	require.Equal(t, []int64{ids[0], ids[1], ids[3]}, got)

	for range seq {
		t.Fatal("sequence must only be consumed once")
	}
}

func TestCorruptIdentifierIsReported(t *testing.T) {
	ctx := context.Background()
	s := openTestStores(t)

	link, err := s.Links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionMeshToTelegram,
		MeshtasticPacketID: ptr[int64](1),
		Payload:            ptr("x"),
	})
	require.NoError(t, err)
	_, err = s.DB().Exec(`UPDATE message_links SET telegram_chat_id = 'not-a-number' WHERE id = ?;`, link.ID)
	require.NoError(t, err)

	_, err = s.Links.GetLinkByMeshtastic(ctx, 1)
	require.ErrorIs(t, err, models.ErrCorruptIdentifier)

	seq, err := s.Links.IterPendingLinks(ctx, models.DirectionMeshToTelegram)
	require.NoError(t, err)
	for rec, err := range seq {
		require.Nil(t, rec)
		var linkErr *LinkError
		require.True(t, errors.As(err, &linkErr))
		require.Equal(t, link.ID, linkErr.ID)
		require.ErrorIs(t, err, models.ErrCorruptIdentifier)
	}
}

func TestAssignPrimaryPacket(t *testing.T) {
	ctx := context.Background()
	links := openTestStores(t).Links

	reaction, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:         models.DirectionTelegramToMesh,
		TelegramChatID:    ptr[int64](-100),
		TelegramMessageID: ptr[int64](9),
		Emoji:             ptr[int64](0x1F44D),
	})
	require.NoError(t, err)
	require.False(t, reaction.MeshtasticPacketID.Valid)

	require.NoError(t, links.AssignPrimaryPacket(ctx, reaction.ID, 700))
	require.NoError(t, links.AssignPrimaryPacket(ctx, reaction.ID, 700))

	got, err := links.GetLink(ctx, reaction.ID)
	require.NoError(t, err)
	require.Equal(t, int64(700), got.MeshtasticPacketID.Int64)

	// A resend keeps the original primary and records the new packet as an alias.
	require.NoError(t, links.AssignPrimaryPacket(ctx, reaction.ID, 701))
	got, err = links.GetLinkByMeshtastic(ctx, 701)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, reaction.ID, got.ID)
	require.Equal(t, int64(700), got.MeshtasticPacketID.Int64)

	other, err := links.EnsureMessageLink(ctx, EnsureLinkParams{
		Direction:          models.DirectionMeshToTelegram,
		MeshtasticPacketID: ptr[int64](800),
	})
	require.NoError(t, err)
	err = links.AssignPrimaryPacket(ctx, other.ID, 701)
	require.ErrorIs(t, err, ErrPacketIDConflict)

	err = links.AssignPrimaryPacket(ctx, 9999, 1)
	require.ErrorIs(t, err, ErrLinkNotFound)
}
