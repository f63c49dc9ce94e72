// Package gateway forwards messages between the mesh, Telegram and APRS and
// records every logical message in the link ledger.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	pb "github.com/kabili207/meshtastic-go/core/proto"

	"github.com/kabili207/meshtg-gateway/pkg/meshtastic"
	"github.com/kabili207/meshtg-gateway/pkg/message"
	"github.com/kabili207/meshtg-gateway/pkg/models"
	"github.com/kabili207/meshtg-gateway/pkg/store"
	"github.com/kabili207/meshtg-gateway/pkg/telegram"
)

const DefaultChunkLen = 200

var (
	errNoReactionTarget = errors.New("reaction has no reply target")
	errNoSendResult     = errors.New("transport returned no message id")
)

// MeshTransport sends packets to the mesh.
type MeshTransport interface {
	Self() meshtastic.NodeID
	NodeInfo(id meshtastic.NodeID) (meshtastic.NodeInfo, bool)
	SendText(ctx context.Context, text string, destination meshtastic.NodeID, replyID uint32) (uint32, error)
	SendData(ctx context.Context, payload []byte, destination meshtastic.NodeID, port pb.PortNum, opts meshtastic.DataOptions) (uint32, error)
}

// TelegramTransport sends messages to Telegram.
type TelegramTransport interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int) (int, error)
	SendReaction(ctx context.Context, chatID int64, messageID int, emoji, fallbackText string) (telegram.ReactionResult, error)
}

// APRSTransport sends text to APRS stations.
type APRSTransport interface {
	SendText(ctx context.Context, addressee, text string) error
}

// APRSPositionReporter is implemented by APRS transports that can report
// positions on behalf of mesh nodes named after a callsign.
type APRSPositionReporter interface {
	SendPosition(ctx context.Context, station string, lat, lon, altitude float64, comment string) error
}

type Options struct {
	Links    store.LinkStore
	Nodes    store.NodeStore
	Filter   *Filter
	Dedup    *DedupCache
	Mesh     MeshTransport
	Telegram TelegramTransport
	// APRS is optional.
	APRS   APRSTransport
	Logger *slog.Logger

	// TelegramRoom is the chat bridged with the mesh.
	TelegramRoom int64
	// NotificationsRoom receives APRS traffic and gateway notices. Defaults to TelegramRoom.
	NotificationsRoom int64
	// MaxHops drops mesh packets with a larger hop limit. Zero disables the check.
	MaxHops uint32
	// ChunkLen is the largest mesh text payload in bytes.
	ChunkLen int
	// APRSPositions forwards positions of callsign named nodes to APRS.
	APRSPositions bool
	// APRSComment is appended to forwarded positions.
	APRSComment string
}

// Coordinator owns the delivery logic shared by the live handlers and recovery.
type Coordinator struct {
	links    store.LinkStore
	nodes    store.NodeStore
	filter   *Filter
	dedup    *DedupCache
	mesh     MeshTransport
	telegram TelegramTransport
	aprs     APRSTransport
	log      *slog.Logger

	room     int64
	notifyTo int64
	maxHops  uint32
	chunkLen int

	aprsPositions bool
	aprsComment   string
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Links == nil {
		return nil, errors.New("gateway needs a link store")
	}
	if opts.Mesh == nil || opts.Telegram == nil {
		return nil, errors.New("gateway needs mesh and telegram transports")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ChunkLen <= 0 {
		opts.ChunkLen = DefaultChunkLen
	}
	if opts.NotificationsRoom == 0 {
		opts.NotificationsRoom = opts.TelegramRoom
	}
	return &Coordinator{
		links:    opts.Links,
		nodes:    opts.Nodes,
		filter:   opts.Filter,
		dedup:    opts.Dedup,
		mesh:     opts.Mesh,
		telegram: opts.Telegram,
		aprs:     opts.APRS,
		log:      opts.Logger.With("component", "gateway"),
		room:     opts.TelegramRoom,
		notifyTo: opts.NotificationsRoom,
		maxHops:  opts.MaxHops,
		chunkLen: opts.ChunkLen,

		aprsPositions: opts.APRSPositions,
		aprsComment:   opts.APRSComment,
	}, nil
}

// forwardToTelegram delivers a mesh originated record and settles its status.
func (c *Coordinator) forwardToTelegram(ctx context.Context, link *models.MessageLink) models.LinkStatus {
	tgID, err := c.sendToTelegram(ctx, link)
	if err == nil {
		err = c.links.MarkLinkSent(ctx, link.ID, &tgID)
		if err == nil {
			c.log.Info("message link sent", "link", link.ID, "direction", link.Direction, "telegram_message", tgID)
			return models.LinkStatusSent
		}
	}
	return c.markUndelivered(ctx, link.ID, err)
}

func (c *Coordinator) sendToTelegram(ctx context.Context, link *models.MessageLink) (int64, error) {
	chatID := c.room
	if link.TelegramChatID.Valid {
		chatID = link.TelegramChatID.Int64
	}

	target, err := c.telegramTarget(ctx, link.ReplyToPacketID)
	if err != nil {
		return 0, err
	}

	if link.IsReaction() {
		if !link.ReplyToPacketID.Valid {
			return 0, errNoReactionTarget
		}
		if target == 0 {
			return 0, fmt.Errorf("reaction target packet %d not found", link.ReplyToPacketID.Int64)
		}
		emoji := link.EmojiString()
		fallback := message.FormatWithSender(link.Sender, "reacted "+emoji)
		res, err := c.telegram.SendReaction(ctx, chatID, int(target), emoji, fallback)
		if err != nil {
			return 0, fmt.Errorf("send reaction: %w", err)
		}
		if res.Applied {
			return target, nil
		}
		if res.FallbackMessageID == 0 {
			return 0, errNoSendResult
		}
		return int64(res.FallbackMessageID), nil
	}

	text := message.FormatWithSender(link.Sender, link.PayloadText())
	id, err := c.telegram.SendMessage(ctx, chatID, text, int(target))
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	if id == 0 {
		return 0, errNoSendResult
	}
	return int64(id), nil
}

// telegramTarget resolves a mesh packet ID, primary or alias, to the Telegram
// message it was bridged with. Zero means no target.
func (c *Coordinator) telegramTarget(ctx context.Context, packetID models.NullID) (int64, error) {
	if !packetID.Valid {
		return 0, nil
	}
	target, err := c.links.GetLinkByMeshtastic(ctx, packetID.Int64)
	if err != nil {
		return 0, fmt.Errorf("resolve reply target %d: %w", packetID.Int64, err)
	}
	if target == nil || !target.TelegramMessageID.Valid {
		return 0, nil
	}
	return target.TelegramMessageID.Int64, nil
}

// forwardToMesh delivers a Telegram originated record and settles its status.
func (c *Coordinator) forwardToMesh(ctx context.Context, link *models.MessageLink) models.LinkStatus {
	err := c.sendToMesh(ctx, link)
	if err == nil {
		c.log.Info("message link sent", "link", link.ID, "direction", link.Direction)
		return models.LinkStatusSent
	}
	return c.markUndelivered(ctx, link.ID, err)
}

func (c *Coordinator) sendToMesh(ctx context.Context, link *models.MessageLink) error {
	chatID := c.room
	if link.TelegramChatID.Valid {
		chatID = link.TelegramChatID.Int64
	}

	if link.IsReaction() {
		if !link.ReplyToTelegramMessageID.Valid {
			return errNoReactionTarget
		}
		target, err := c.meshTarget(ctx, chatID, link.ReplyToTelegramMessageID.Int64)
		if err != nil {
			return err
		}
		if target == 0 {
			return fmt.Errorf("reaction target message %d not found", link.ReplyToTelegramMessageID.Int64)
		}
		if link.MeshtasticPacketID.Valid {
			return c.links.MarkLinkSent(ctx, link.ID, nil)
		}
		opts := meshtastic.DataOptions{ReplyID: target, Emoji: 1}
		id, err := c.mesh.SendData(ctx, []byte(link.EmojiString()), meshtastic.BROADCAST_ID, pb.PortNum_TEXT_MESSAGE_APP, opts)
		if err != nil {
			return fmt.Errorf("send reaction: %w", err)
		}
		if err := c.links.AssignPrimaryPacket(ctx, link.ID, int64(id)); err != nil {
			return err
		}
		return c.links.MarkLinkSent(ctx, link.ID, nil)
	}

	var replyTo uint32
	if link.ReplyToTelegramMessageID.Valid {
		target, err := c.meshTarget(ctx, chatID, link.ReplyToTelegramMessageID.Int64)
		if err != nil {
			return err
		}
		replyTo = target
	}

	chunks := message.SplitUserMessage(link.Sender, link.PayloadText(), c.chunkLen)
	if len(chunks) == 0 {
		return errors.New("nothing to send")
	}

	start, prev, err := c.sentChunks(ctx, link)
	if err != nil {
		return err
	}
	if start >= len(chunks) {
		return c.links.MarkLinkSent(ctx, link.ID, nil)
	}
	if start > 0 {
		c.log.Info("resuming partly sent message", "link", link.ID, "chunk", start+1, "chunks", len(chunks))
		replyTo = uint32(prev)
	}

	// Each chunk replies to the one before it so mesh clients keep them in order.
	for i := start; i < len(chunks); i++ {
		chunk := chunks[i]
		id, err := c.mesh.SendText(ctx, chunk, meshtastic.BROADCAST_ID, replyTo)
		if err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if id == 0 {
			return errNoSendResult
		}
		packetID := int64(id)

		switch {
		case i == 0:
			err = c.links.AssignPrimaryPacket(ctx, link.ID, packetID)
			if err == nil && len(chunks) == 1 {
				err = c.links.MarkLinkSent(ctx, link.ID, nil)
			}
		case i == len(chunks)-1:
			err = c.links.MarkLinkSentWithAlias(ctx, link.ID, &store.AliasParams{
				PacketID:         packetID,
				PreviousPacketID: models.SomeID(prev).Ptr(),
			})
		default:
			err = c.links.AddLinkAlias(ctx, link.ID, packetID, models.SomeID(prev).Ptr())
		}
		if err != nil {
			return err
		}
		prev = packetID
		replyTo = id
	}
	return nil
}

// sentChunks counts the chunks of link already on the mesh and returns the
// packet ID of the last one.
func (c *Coordinator) sentChunks(ctx context.Context, link *models.MessageLink) (int, int64, error) {
	if !link.MeshtasticPacketID.Valid {
		return 0, 0, nil
	}
	aliases, err := c.links.ListLinkAliases(ctx, link.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("list sent chunks: %w", err)
	}
	last := link.MeshtasticPacketID.Int64
	if len(aliases) > 0 {
		last = aliases[len(aliases)-1].MeshtasticPacketID
	}
	return 1 + len(aliases), last, nil
}

// meshTarget resolves a Telegram message to the mesh packet it was bridged
// with. Zero means no target.
func (c *Coordinator) meshTarget(ctx context.Context, chatID, messageID int64) (uint32, error) {
	target, err := c.links.GetLinkByTelegram(ctx, chatID, messageID)
	if err != nil {
		return 0, fmt.Errorf("resolve reply target %d: %w", messageID, err)
	}
	if target == nil || target.IsReaction() || !target.MeshtasticPacketID.Valid {
		return 0, nil
	}
	return uint32(target.MeshtasticPacketID.Int64), nil
}

// markUndelivered records a failed delivery. Corrupt stored identifiers can
// never succeed and fail the record, everything else is retried.
func (c *Coordinator) markUndelivered(ctx context.Context, id int64, cause error) models.LinkStatus {
	status := models.LinkStatusRetry
	mark := c.links.MarkLinkRetry
	if errors.Is(cause, models.ErrCorruptIdentifier) {
		status = models.LinkStatusFailed
		mark = c.links.MarkLinkFailed
	}

	if err := mark(ctx, id, cause.Error()); err != nil {
		c.log.Error("could not update message link status", "link", id, "status", status, "cause", cause, "error", err)
		return ""
	}
	c.log.Warn("message link not delivered", "link", id, "status", status, "error", cause)
	return status
}

// meshSenderName resolves a node to the name shown to Telegram users.
func (c *Coordinator) meshSenderName(ctx context.Context, id meshtastic.NodeID) string {
	if info, ok := c.mesh.NodeInfo(id); ok && (info.LongName != "" || info.ShortName != "") {
		return info.DisplayName()
	}
	if c.nodes != nil {
		node, err := c.nodes.GetNode(ctx, id.String())
		if err != nil {
			c.log.Debug("node lookup failed", "node", id, "error", err)
		} else if node != nil {
			return node.DisplayName()
		}
	}
	return id.String()
}

func (c *Coordinator) sendAPRS(ctx context.Context, sender, text string) {
	if c.aprs == nil {
		return
	}
	call, body, ok := message.ParseAPRSAddress(text)
	if !ok || body == "" {
		return
	}
	if err := c.aprs.SendText(ctx, call, message.FormatWithSender(sender, body)); err != nil {
		c.log.Warn("aprs send failed", "to", call, "error", err)
	}
}

// coercePacketRef maps an absent packet reference to nil.
func coercePacketRef(id uint32) *int64 {
	if id == 0 {
		return nil
	}
	v := int64(id)
	return &v
}
