package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kabili207/meshtg-gateway/pkg/models"
	"github.com/kabili207/meshtg-gateway/pkg/supervisor"
)

const (
	HeartbeatName            = "heartbeat"
	defaultHeartbeatInterval = time.Hour
)

// heartbeat periodically posts a one-line gateway status to the notifications room.
type heartbeat struct {
	env      Env
	interval time.Duration
	log      *slog.Logger
}

func newHeartbeat(env Env) (Plugin, error) {
	if env.Telegram == nil {
		return nil, errors.New("heartbeat needs a telegram connection")
	}
	interval := env.Config.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &heartbeat{
		env:      env,
		interval: interval,
		log:      env.Logger.With("plugin", HeartbeatName),
	}, nil
}

func (h *heartbeat) Name() string {
	return HeartbeatName
}

func (h *heartbeat) Start(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		text := h.status(ctx)
		if _, err := h.env.Telegram.SendMessage(ctx, h.env.Room, text, 0); err != nil {
			h.log.Warn("failed to post heartbeat", "error", err)
		}
	}
}

func (h *heartbeat) status(ctx context.Context) string {
	var sb strings.Builder
	sb.WriteString("Gateway heartbeat")

	if h.env.Runners != nil {
		var running, total int
		var down []string
		for _, st := range h.env.Runners.Status() {
			total++
			if st.State == supervisor.StateRunning {
				running++
			} else {
				down = append(down, fmt.Sprintf("%s (%s)", st.Name, st.State))
			}
		}
		fmt.Fprintf(&sb, ". Runners: %d/%d running", running, total)
		if len(down) > 0 {
			sb.WriteString(". Down: " + strings.Join(down, ", "))
		}
	}

	if h.env.Links != nil {
		counts, err := h.env.Links.CountLinksByStatus(ctx)
		if err != nil {
			h.log.Warn("failed to count links", "error", err)
		} else {
			var pending, failed int
			for _, c := range counts {
				switch c.Status {
				case models.LinkStatusPending, models.LinkStatusRetry:
					pending += c.Count
				case models.LinkStatusFailed:
					failed += c.Count
				}
			}
			fmt.Fprintf(&sb, ". Undelivered: %d. Failed: %d", pending, failed)
		}
	}
	return sb.String()
}
