// Package opslog wraps a base slog.Handler with a relay that forwards
// matching log records to a Telegram chat, so an on-call operator sees
// production errors without tailing a log file. The relay is a decorator
// over the base handler, not a replacement, and delivers through
// mymmrac/telego.
package opslog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Relay forwards a record to the Telegram chat configured for exactly its
// level (error, warn or info), using a bot token shared across levels. A
// record whose own level has no chat configured is not sent anywhere.
type Relay struct {
	bot     *telego.Bot
	chatIDs map[slog.Level]int64
}

// NewRelay constructs a Relay. chatIDs keys by level name ("error", "warn",
// "info") matching config.OpsLogConfig.ChatIDs; an empty/invalid token
// yields a Relay that silently drops everything (so a missing bot token
// never blocks startup).
func NewRelay(botToken string, chatIDs map[string]int64) *Relay {
	r := &Relay{chatIDs: map[slog.Level]int64{}}
	for name, id := range chatIDs {
		switch strings.ToLower(name) {
		case "error":
			r.chatIDs[slog.LevelError] = id
		case "warn":
			r.chatIDs[slog.LevelWarn] = id
		case "info":
			r.chatIDs[slog.LevelInfo] = id
		}
	}
	if botToken == "" {
		return r
	}
	bot, err := telego.NewBot(botToken)
	if err != nil {
		return r // relay degrades to a no-op; the base handler still logs locally
	}
	r.bot = bot
	return r
}

// Send posts msg to the chat configured for level, if any. Failures are
// intentionally swallowed by the caller (Handler.Handle) — a relay outage
// must never take down request handling.
func (r *Relay) Send(ctx context.Context, level slog.Level, msg string) error {
	if r.bot == nil {
		return nil
	}
	chatID, ok := r.chatIDs[level]
	if !ok {
		return nil
	}
	_, err := r.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg))
	return err
}

// Handler decorates a base slog.Handler, relaying every record it accepts
// to the configured Telegram chat in addition to the base handler's own
// output.
type Handler struct {
	base  slog.Handler
	relay *Relay
}

func NewHandler(base slog.Handler, relay *Relay) *Handler {
	return &Handler{base: base, relay: relay}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if err := h.base.Handle(ctx, record); err != nil {
		return err
	}
	if h.relay == nil {
		return nil
	}
	var attrs strings.Builder
	record.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&attrs, " %s=%v", a.Key, a.Value)
		return true
	})
	msg := fmt.Sprintf("[%s] %s%s", record.Level, record.Message, attrs.String())
	// Best-effort: a relay failure is not itself worth logging through this
	// same handler (that would recurse), so it's dropped.
	_ = h.relay.Send(ctx, record.Level, msg)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{base: h.base.WithAttrs(attrs), relay: h.relay}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{base: h.base.WithGroup(name), relay: h.relay}
}
