package dealsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbkchat/convhub/internal/agentorch"
	"github.com/mbkchat/convhub/internal/helpdesk"
)

// ReminderSweep periodically posts a private reminder note into any
// conversation whose next_meeting_datetime has come due, then clears the
// field so the same meeting never reminds twice.
type ReminderSweep struct {
	conversations *agentorch.ConversationStore
	helpdesk      *helpdesk.Client
	log           *slog.Logger
}

func NewReminderSweep(conversations *agentorch.ConversationStore, hd *helpdesk.Client, log *slog.Logger) *ReminderSweep {
	if log == nil {
		log = slog.Default()
	}
	return &ReminderSweep{conversations: conversations, helpdesk: hd, log: log}
}

// Run blocks, ticking every interval until ctx is cancelled. Disabled by
// the caller simply not starting the goroutine — see config.Scheduling.
func (r *ReminderSweep) Run(ctx context.Context, interval time.Duration) {
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
			r.sweepOnce(ctx)
		}
	}
}

func (r *ReminderSweep) sweepOnce(ctx context.Context) {
	due, err := r.conversations.DueMeetingReminders(ctx)
	if err != nil {
		r.log.Error("dealsync.reminder_sweep.list", "error", err)
		return
	}
	for _, conv := range due {
		if err := r.remind(ctx, conv); err != nil {
			r.log.Error("dealsync.reminder_sweep.remind", "chatwoot_id", conv.ChatwootID, "error", err)
		}
	}
}

func (r *ReminderSweep) remind(ctx context.Context, conv agentorch.Conversation) error {
	note := "Напоминание: встреча назначена"
	if conv.NextMeetingDatetime != nil {
		note = fmt.Sprintf("Напоминание: встреча назначена на %s", conv.NextMeetingDatetime.Format("02.01.2006 15:04"))
	}
	if _, err := r.helpdesk.SendMessage(ctx, conv.ChatwootID, note, 1, true); err != nil {
		return fmt.Errorf("post reminder: %w", err)
	}
	return r.conversations.SetNextMeeting(ctx, conv.ChatwootID, nil)
}
