package gateway

import (
	"context"
	"log/slog"

	"github.com/kabili207/meshtg-gateway/pkg/models"
	"github.com/kabili207/meshtg-gateway/pkg/store"
)

// Filter answers ban checks for every transport. Lookup failures let the
// message through.
type Filter struct {
	store store.FilterStore
	log   *slog.Logger
}

func NewFilter(fs store.FilterStore, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{store: fs, log: logger}
}

func (f *Filter) Banned(ctx context.Context, conn models.FilterConnection, identifier string) bool {
	if f == nil || f.store == nil || identifier == "" {
		return false
	}
	banned, err := f.store.IsBanned(ctx, conn, identifier)
	if err != nil {
		f.log.Warn("ban lookup failed", "connection", conn, "identifier", identifier, "error", err)
		return false
	}
	if banned {
		f.log.Debug("sender is banned", "connection", conn, "identifier", identifier)
	}
	return banned
}
