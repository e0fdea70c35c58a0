// Package providers holds the chat contract the agent orchestrator runs
// its router and specialist personas against. All of the hub's agents are
// backed by OpenAI chat completions; the Provider interface exists so the
// orchestrator and its tests never touch the wire client directly.
package providers

import "context"

// Provider answers one chat turn for a persona.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is the input for a single Chat call. Tools carries the
// handoff tool schemas the router exposes; specialists run with none.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolDefinition
}

// ChatResponse is the decoded result of a Chat call. Exactly one of
// Content / ToolCalls is meaningful: a persona either answers or hands
// off.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage
}

// Message is one conversation turn in provider-neutral form.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on role="tool" results
}

// ToolCall is a tool invocation requested by the model, with its
// arguments already decoded from the wire's JSON string.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDefinition describes one callable tool.
type ToolDefinition struct {
	Type     string // always "function"
	Function ToolFunctionSchema
}

// ToolFunctionSchema is a function tool's name and JSON-schema parameters.
type ToolFunctionSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage is the token accounting reported by the API.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
