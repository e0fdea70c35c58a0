// Package bootstrap seeds the database state a fresh process needs
// before it can serve traffic: one transport_activation row per
// configured transport, defaulting to active. Idempotent — only missing
// rows are created.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbkchat/convhub/internal/config"
	"github.com/mbkchat/convhub/internal/routing"
)

// SeedTransportActivation inserts a transport_activation row (defaulting
// to active) for every transport named in cfg, leaving any row that
// already exists untouched.
func SeedTransportActivation(ctx context.Context, cfg *config.Config, store *routing.Store, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	ids := cfg.AllInboxIDs()
	if len(ids) == 0 {
		log.Warn("bootstrap: no transports configured, nothing to seed")
		return nil
	}
	if err := store.BootstrapActivation(ctx, ids); err != nil {
		return fmt.Errorf("bootstrap: seed transport activation: %w", err)
	}
	log.Info("bootstrap: transport activation seeded", "inbox_count", len(ids))
	return nil
}
