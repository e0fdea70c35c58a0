package agentorch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbkchat/convhub/internal/helpdesk"
	"github.com/mbkchat/convhub/internal/providers"
)

// maxTurns bounds the router→specialist handoff loop: a turn budget, not
// a wall-clock timeout.
const maxTurns = 8

// Specialist keys, the fixed roster the router can hand off to.
const (
	SpecialistGeneral        = "general"
	SpecialistDesign         = "design"
	SpecialistManager        = "manager"
	SpecialistMortgage       = "mortgage"
	SpecialistProductHelper  = "product_helper"
	SpecialistProductPicker  = "product_picker"
	SpecialistWarmup         = "warmup"
)

var specialistOrder = []string{
	SpecialistGeneral, SpecialistDesign, SpecialistManager, SpecialistMortgage,
	SpecialistProductHelper, SpecialistProductPicker, SpecialistWarmup,
}

// Specialist pairs a provider with the system prompt that gives it its
// persona. Different specialists may share the same underlying Provider
// (e.g. all backed by the same OpenAI account) under different prompts.
type Specialist struct {
	Provider     providers.Provider
	SystemPrompt string
}

func handoffToolName(key string) string { return "handoff_to_" + key }

// Router runs the fixed seven-specialist handoff loop for one agent. The
// only "tool" a provider can call here is a handoff to one of the named
// specialists.
type Router struct {
	RouterPrompt string
	Specialists  map[string]Specialist // keyed by the Specialist* constants
	Default      providers.Provider    // used to run the router persona itself
}

func handoffTools() []providers.ToolDefinition {
	tools := make([]providers.ToolDefinition, 0, len(specialistOrder))
	for _, key := range specialistOrder {
		tools = append(tools, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        handoffToolName(key),
				Description: "Hand off the conversation to the " + key + " specialist.",
				Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
			},
		})
	}
	return tools
}

// Run executes the router loop over history and returns the final reply
// text, the specialist that produced it (SpecialistGeneral if the router
// never handed off), and the time spent producing it (the "thinking
// seconds" subtracted from the typing delay).
func (r *Router) Run(ctx context.Context, history []providers.Message) (reply string, specialist string, thinking time.Duration, err error) {
	started := time.Now()

	messages := make([]providers.Message, 0, len(history)+1)
	messages = append(messages, providers.Message{Role: "system", Content: r.RouterPrompt})
	messages = append(messages, history...)

	current := r.Default
	currentKey := SpecialistGeneral
	tools := handoffTools()

	for turn := 0; turn < maxTurns; turn++ {
		resp, callErr := current.Chat(ctx, providers.ChatRequest{Messages: messages, Tools: tools})
		if callErr != nil {
			return "", currentKey, time.Since(started), fmt.Errorf("agentorch: specialist %q chat: %w", currentKey, callErr)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, currentKey, time.Since(started), nil
		}

		call := resp.ToolCalls[0]
		key, ok := specialistForTool(call.Name)
		if !ok {
			return resp.Content, currentKey, time.Since(started), nil
		}
		spec, ok := r.Specialists[key]
		if !ok {
			return resp.Content, currentKey, time.Since(started), fmt.Errorf("agentorch: handoff to unconfigured specialist %q", key)
		}
		currentKey = key
		current = spec.Provider
		// Handoff filter: drop the tool-call turn itself and replace the
		// system prompt with the specialist's persona. The specialist
		// never sees the router's own tool-calling scaffolding.
		messages = append([]providers.Message{{Role: "system", Content: spec.SystemPrompt}}, history...)
		tools = nil
	}

	return "", currentKey, time.Since(started), fmt.Errorf("agentorch: exceeded max turns (%d) without a final reply", maxTurns)
}

func specialistForTool(name string) (string, bool) {
	trimmed := strings.TrimPrefix(name, "handoff_to_")
	for _, key := range specialistOrder {
		if key == trimmed {
			return key, true
		}
	}
	return "", false
}

// Event is one helpdesk "message_created" webhook delivery, decoded down
// to the fields the orchestrator needs.
type Event struct {
	Type           string // "message_created"
	MessageType    string // "incoming" / "outgoing"
	MessageID      int
	ConversationID int
	AssigneeID     int
	AgentCode      string
}

// Orchestrator wires the Router, helpdesk client, and idempotency store
// together for one inbound helpdesk event.
type Orchestrator struct {
	Helpdesk      *helpdesk.Client
	Conversations *ConversationStore
	Routers       map[string]*Router // keyed by agent code
	AIOperatorIDs map[int]bool
	Log           *slog.Logger
}

func New(hd *helpdesk.Client, convs *ConversationStore, routers map[string]*Router, aiOperatorIDs map[int]bool, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{Helpdesk: hd, Conversations: convs, Routers: routers, AIOperatorIDs: aiOperatorIDs, Log: log}
}

// Handle runs the full reply pipeline for one event: filter, idempotency
// pre-set, history build, router run, typing delay, post-check, send. It
// returns the reply that was actually sent (empty when the event was
// correctly skipped: wrong event type, not AI-assigned, or superseded
// mid-flight) — callers should only treat a non-nil error as something to
// alert on.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) (string, error) {
	// Step 1: filter.
	if ev.Type != "message_created" || ev.MessageType == "outgoing" {
		return "", nil
	}
	if !o.AIOperatorIDs[ev.AssigneeID] {
		return "", nil
	}

	router, ok := o.Routers[ev.AgentCode]
	if !ok {
		return "", fmt.Errorf("agentorch: no router configured for agent %q", ev.AgentCode)
	}

	// Step 2: idempotency pre-set.
	if err := o.Conversations.SetLastMessageID(ctx, ev.ConversationID, ev.MessageID); err != nil {
		return "", fmt.Errorf("agentorch: idempotency pre-set: %w", err)
	}

	// Step 3: build history.
	msgs, err := o.Helpdesk.GetAllMessages(ctx, ev.ConversationID)
	if err != nil {
		return "", fmt.Errorf("agentorch: load history: %w", err)
	}
	history := BuildHistory(msgs)

	// Step 4: run router.
	reply, specialist, thinking, err := router.Run(ctx, history)
	if err != nil {
		return "", fmt.Errorf("agentorch: router run: %w", err)
	}

	if specialist == SpecialistWarmup {
		if err := o.Conversations.BumpWarmup(ctx, ev.ConversationID); err != nil {
			o.Log.Warn("agentorch: warmup bump failed", "conversation_id", ev.ConversationID, "error", err)
		}
	}

	// Step 5: typing delay.
	delay := TypingDelay(VisibleCharCount(reply), thinking)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(delay):
	}

	// Step 6: idempotency post-check.
	latest, ok, err := o.Conversations.LastMessageID(ctx, ev.ConversationID)
	if err != nil {
		return "", fmt.Errorf("agentorch: idempotency post-check: %w", err)
	}
	if !ok || latest != ev.MessageID {
		o.Log.Info("agentorch: dropping superseded reply", "conversation_id", ev.ConversationID, "message_id", ev.MessageID, "latest", latest)
		return "", nil
	}

	// Step 7: send.
	if _, err := o.Helpdesk.SendMessage(ctx, ev.ConversationID, reply, 1, false); err != nil {
		return "", fmt.Errorf("agentorch: send reply: %w", err)
	}
	return reply, nil
}
