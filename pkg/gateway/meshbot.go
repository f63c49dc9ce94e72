package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"

	"github.com/kabili207/meshtg-gateway/pkg/aprs"
	"github.com/kabili207/meshtg-gateway/pkg/meshtastic"
	"github.com/kabili207/meshtg-gateway/pkg/models"
	"github.com/kabili207/meshtg-gateway/pkg/store"
)

var (
	rangeTestRegex = regexp.MustCompile(`(?i)^seq\s[0-9]+`)
	telemetryRegex = regexp.MustCompile(`^(-?[0-9]+,)+$`)
)

// MeshBot handles packets received from the mesh.
type MeshBot struct {
	*Coordinator
}

func NewMeshBot(c *Coordinator) *MeshBot {
	return &MeshBot{Coordinator: c}
}

func (b *MeshBot) OnReceive(ctx context.Context, pkt meshtastic.Packet) {
	from := pkt.From.String()
	if b.filter.Banned(ctx, models.FilterMesh, from) {
		return
	}
	if b.maxHops > 0 && pkt.HopLimit > b.maxHops {
		b.log.Debug("hop limit exceeded", "from", from, "hop_limit", pkt.HopLimit)
		return
	}

	switch pkt.PortNum {
	case pb.PortNum_NODEINFO_APP:
		b.storeNode(ctx, pkt)
		return
	case pb.PortNum_POSITION_APP:
		b.storePosition(ctx, pkt)
		return
	case pb.PortNum_TEXT_MESSAGE_APP:
	default:
		return
	}

	if pkt.From == b.mesh.Self() {
		return
	}

	text := pkt.Text
	if pkt.IsDirect() {
		if pkt.To == b.mesh.Self() && strings.HasPrefix(text, "/") {
			b.handleCommand(ctx, pkt)
		}
		return
	}

	b.storeMessage(ctx, pkt)

	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, pkt)
		return
	}
	if rangeTestRegex.MatchString(text) {
		b.log.Debug("skipping range test", "from", from, "text", text)
		return
	}

	if isTelemetry(text, pkt.From) {
		b.log.Debug("skipping telemetry", "from", from, "text", text)
		return
	}

	sender := strings.TrimSpace(b.meshSenderName(ctx, pkt.From))
	emoji := tapbackCodepoint(pkt)
	dedupPayload := text
	if emoji != nil {
		dedupPayload = fmt.Sprintf("%s>%d", text, pkt.ReplyID)
	}
	if b.dedup.Seen(sender, dedupPayload) {
		b.log.Debug("duplicate mesh message", "from", from, "text", text)
		return
	}
	b.log.Info("mesh message received", "from", from, "sender", sender, "packet", pkt.ID)

	params := store.EnsureLinkParams{
		Direction:          models.DirectionMeshToTelegram,
		MeshtasticPacketID: coercePacketRef(pkt.ID),
		TelegramChatID:     &b.room,
		Sender:             &sender,
		ReplyToPacketID:    coercePacketRef(pkt.ReplyID),
	}
	if emoji != nil {
		params.Emoji = emoji
	} else {
		params.Payload = &text
	}

	link, err := b.links.EnsureMessageLink(ctx, params)
	if err != nil {
		b.log.Error("could not record mesh message", "packet", pkt.ID, "error", err)
		return
	}
	if link.Status.Terminal() {
		b.log.Debug("mesh message already handled", "link", link.ID, "status", link.Status)
		return
	}

	if !link.IsReaction() {
		b.sendAPRS(ctx, sender, text)
	}
	b.forwardToTelegram(ctx, link)
}

// tapbackCodepoint returns the reaction codepoint of a tapback packet, or
// nil when the packet is plain text or the emoji is unreadable.
// isTelemetry matches comma separated readings some nodes broadcast as text,
// terminated by the last four hex digits of the sender ID.
func isTelemetry(text string, from meshtastic.NodeID) bool {
	id := from.String()
	readings, ok := strings.CutSuffix(text, id[len(id)-4:])
	return ok && telemetryRegex.MatchString(readings)
}

func tapbackCodepoint(pkt meshtastic.Packet) *int64 {
	if pkt.Emoji == 0 || pkt.Text == "" {
		return nil
	}
	r := []rune(pkt.Text)[0]
	if r == 0xFFFD {
		return nil
	}
	v := int64(r)
	return &v
}

func (b *MeshBot) handleCommand(ctx context.Context, pkt meshtastic.Packet) {
	cmd, _, _ := strings.Cut(strings.TrimSpace(pkt.Text), " ")
	var reply string
	switch strings.ToLower(cmd) {
	case "/stats":
		if b.nodes == nil {
			reply = "stats unavailable"
			break
		}
		stats, err := b.nodes.GetStats(ctx, pkt.From.String())
		if err != nil {
			b.log.Warn("stats lookup failed", "node", pkt.From, "error", err)
			reply = "stats unavailable"
			break
		}
		reply = stats
	default:
		reply = "unknown command"
	}
	if _, err := b.mesh.SendText(ctx, reply, pkt.From, pkt.ID); err != nil {
		b.log.Warn("command reply failed", "to", pkt.From, "command", cmd, "error", err)
	}
}

func (b *MeshBot) storeNode(ctx context.Context, pkt meshtastic.Packet) {
	if b.nodes == nil || pkt.User == nil {
		return
	}
	heard := pkt.RxTime
	if heard.IsZero() {
		heard = time.Now()
	}
	node := &models.MeshtasticNode{
		NodeID:    pkt.From.String(),
		LongName:  pkt.User.LongName,
		ShortName: pkt.User.ShortName,
		HwModel:   pkt.User.HwModel,
		LastHeard: heard,
	}
	if err := b.nodes.UpsertNode(ctx, node); err != nil {
		b.log.Warn("could not store node", "node", node.NodeID, "error", err)
	}
}

func (b *MeshBot) storePosition(ctx context.Context, pkt meshtastic.Packet) {
	if pkt.Position == nil || (pkt.Position.Latitude == 0 && pkt.Position.Longitude == 0) {
		return
	}
	if b.nodes != nil {
		loc := &models.Location{
			NodeID:    pkt.From.String(),
			Latitude:  pkt.Position.Latitude,
			Longitude: pkt.Position.Longitude,
			Altitude:  float64(pkt.Position.Altitude),
		}
		if err := b.nodes.StoreLocation(ctx, loc); err != nil {
			b.log.Warn("could not store location", "node", loc.NodeID, "error", err)
		}
	}

	reporter, ok := b.aprs.(APRSPositionReporter)
	if !b.aprsPositions || !ok {
		return
	}
	name := b.meshSenderName(ctx, pkt.From)
	if !aprs.IsCallsign(name) {
		return
	}
	err := reporter.SendPosition(ctx, name, pkt.Position.Latitude, pkt.Position.Longitude, float64(pkt.Position.Altitude), b.aprsComment)
	if err != nil {
		b.log.Warn("aprs position failed", "station", name, "error", err)
	}
}

func (b *MeshBot) storeMessage(ctx context.Context, pkt meshtastic.Packet) {
	if b.nodes == nil || pkt.Emoji != 0 {
		return
	}
	msg := &models.StoredMessage{NodeID: pkt.From.String(), Text: pkt.Text}
	if err := b.nodes.StoreMessage(ctx, msg); err != nil {
		b.log.Warn("could not store message", "node", msg.NodeID, "error", err)
	}
}
