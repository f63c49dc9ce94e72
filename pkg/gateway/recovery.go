package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/kabili207/meshtg-gateway/pkg/models"
	"github.com/kabili207/meshtg-gateway/pkg/store"
)

// RecoveryResult counts the outcome of one recovery pass.
type RecoveryResult struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Retry     int `json:"retry"`
	Failed    int `json:"failed"`
}

func (r *RecoveryResult) add(status models.LinkStatus) {
	r.Attempted++
	switch status {
	case models.LinkStatusSent:
		r.Sent++
	case models.LinkStatusRetry:
		r.Retry++
	case models.LinkStatusFailed:
		r.Failed++
	}
}

// Recovery re-delivers records left pending or retrying by an earlier run.
type Recovery struct {
	*Coordinator
}

func NewRecovery(c *Coordinator) *Recovery {
	return &Recovery{Coordinator: c}
}

// DeliverPendingMeshMessages re-sends Telegram originated records to the mesh.
func (r *Recovery) DeliverPendingMeshMessages(ctx context.Context) (RecoveryResult, error) {
	return r.deliverPending(ctx, models.DirectionTelegramToMesh, r.forwardToMesh)
}

// DeliverPendingTelegramMessages re-sends mesh originated records to Telegram.
func (r *Recovery) DeliverPendingTelegramMessages(ctx context.Context) (RecoveryResult, error) {
	return r.deliverPending(ctx, models.DirectionMeshToTelegram, r.forwardToTelegram)
}

// DeliverPending runs both directions, logging the outcome.
func (r *Recovery) DeliverPending(ctx context.Context) {
	for _, run := range []struct {
		name string
		fn   func(context.Context) (RecoveryResult, error)
	}{
		{"mesh", r.DeliverPendingMeshMessages},
		{"telegram", r.DeliverPendingTelegramMessages},
	} {
		res, err := run.fn(ctx)
		if err != nil {
			r.log.Error("pending recovery aborted", "target", run.name, "error", err)
			continue
		}
		if res.Attempted > 0 {
			r.log.Info("pending recovery finished", "target", run.name,
				"attempted", res.Attempted, "sent", res.Sent, "retry", res.Retry, "failed", res.Failed)
		}
	}
}

func (r *Recovery) deliverPending(ctx context.Context, dir models.LinkDirection, deliver func(context.Context, *models.MessageLink) models.LinkStatus) (RecoveryResult, error) {
	var res RecoveryResult
	pending, err := r.links.IterPendingLinks(ctx, dir)
	if err != nil {
		return res, err
	}

	for link, err := range pending {
		if err != nil {
			var linkErr *store.LinkError
			if !errors.As(err, &linkErr) {
				return res, err
			}
			r.log.Warn("could not load pending message link", "link", linkErr.ID, "error", linkErr.Err)
			res.add(r.markUndelivered(ctx, linkErr.ID, linkErr))
			continue
		}
		res.add(r.recoverOne(ctx, link, deliver))
	}
	return res, nil
}

// recoverOne isolates a single record so a panic only affects that record.
func (r *Recovery) recoverOne(ctx context.Context, link *models.MessageLink, deliver func(context.Context, *models.MessageLink) models.LinkStatus) (status models.LinkStatus) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("pending message link panicked", "link", link.ID, "panic", p)
			status = r.markUndelivered(ctx, link.ID, fmt.Errorf("recovery panic: %v", p))
		}
	}()
	return deliver(ctx, link)
}
