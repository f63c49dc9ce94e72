package gateway

import (
	"context"
	"strings"

	"github.com/kabili207/meshtg-gateway/pkg/aprs"
	"github.com/kabili207/meshtg-gateway/pkg/message"
	"github.com/kabili207/meshtg-gateway/pkg/meshtastic"
	"github.com/kabili207/meshtg-gateway/pkg/models"
)

// APRSBot relays APRS messages addressed to the gateway callsign. Replies
// reach the station through the "APRS-CALL:" prefix.
type APRSBot struct {
	*Coordinator
}

func NewAPRSBot(c *Coordinator) *APRSBot {
	return &APRSBot{Coordinator: c}
}

func (b *APRSBot) OnMessage(ctx context.Context, msg aprs.Message) {
	if b.filter.Banned(ctx, models.FilterAPRS, msg.Source) {
		return
	}

	switch strings.ToLower(strings.TrimSpace(msg.Text)) {
	case "ping", "test":
		if b.aprs != nil {
			if err := b.aprs.SendText(ctx, msg.Source, "passed"); err != nil {
				b.log.Warn("aprs reply failed", "to", msg.Source, "error", err)
			}
		}
	}

	text := message.FormatWithSender(message.APRSPrefix+msg.Source, msg.Text)
	if _, err := b.telegram.SendMessage(ctx, b.notifyTo, text, 0); err != nil {
		b.log.Warn("aprs to telegram failed", "from", msg.Source, "error", err)
	}

	var prev uint32
	for _, chunk := range message.SplitUserMessage(message.APRSPrefix+msg.Source, msg.Text, b.chunkLen) {
		id, err := b.mesh.SendText(ctx, chunk, meshtastic.BROADCAST_ID, prev)
		if err != nil {
			b.log.Warn("aprs to mesh failed", "from", msg.Source, "error", err)
			return
		}
		prev = id
	}
}
