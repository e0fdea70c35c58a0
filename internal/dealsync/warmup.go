package dealsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbkchat/convhub/internal/agentorch"
	"github.com/mbkchat/convhub/internal/helpdesk"
	"github.com/mbkchat/convhub/internal/linkregistry"
)

// stoppedCommunicationDays is how long a client must stay silent before
// the sweep considers communication stopped.
const stoppedCommunicationDays = 2

// warmupCooldown keeps the sweep from re-nudging the same conversation on
// every tick once it has already been warmed up once.
const warmupCooldown = 24 * time.Hour

// WarmupSweep periodically flags deal-linked conversations the client
// has gone quiet on, posting a private note for a manager to follow up on
// and bumping warmup_number/last_warmup_date.
type WarmupSweep struct {
	links         *linkregistry.Store
	conversations *agentorch.ConversationStore
	helpdesk      *helpdesk.Client
	log           *slog.Logger
}

func NewWarmupSweep(links *linkregistry.Store, conversations *agentorch.ConversationStore, hd *helpdesk.Client, log *slog.Logger) *WarmupSweep {
	if log == nil {
		log = slog.Default()
	}
	return &WarmupSweep{links: links, conversations: conversations, helpdesk: hd, log: log}
}

// Run blocks, ticking every interval until ctx is cancelled.
func (w *WarmupSweep) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *WarmupSweep) sweepOnce(ctx context.Context) {
	ids, err := w.links.DistinctConversationIDs(ctx)
	if err != nil {
		w.log.Error("dealsync.warmup_sweep.list", "error", err)
		return
	}
	for _, id := range ids {
		if err := w.checkOne(ctx, id); err != nil {
			w.log.Error("dealsync.warmup_sweep.check", "conversation_id", id, "error", err)
		}
	}
}

func (w *WarmupSweep) checkOne(ctx context.Context, conversationID int) error {
	conv, _, err := w.conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.LastWarmupDate != nil && time.Since(*conv.LastWarmupDate) < warmupCooldown {
		return nil
	}

	stopped, err := w.helpdesk.IsStoppedCommunication(ctx, conversationID, stoppedCommunicationDays)
	if err != nil {
		return err
	}
	if !stopped {
		return nil
	}

	if _, err := w.helpdesk.SendMessage(ctx, conversationID,
		"Клиент не отвечал более двух дней — требуется прогрев", 1, true,
	); err != nil {
		return err
	}
	return w.conversations.BumpWarmup(ctx, conversationID)
}
