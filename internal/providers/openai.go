package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbkchat/convhub/internal/apierr"
	"github.com/mbkchat/convhub/internal/retrypolicy"
)

const openAIDefaultBase = "https://api.openai.com/v1"

// OpenAIProvider drives one agent persona over the chat completions API.
// name is the agent code it serves, used only in error text.
type OpenAIProvider struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	httpc   *http.Client
	budget  retrypolicy.Config
}

// NewOpenAIProvider builds a provider pinned to model. An empty baseURL
// means the public API.
func NewOpenAIProvider(name, apiKey, baseURL, model string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = openAIDefaultBase
	}
	return &OpenAIProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpc:   &http.Client{Timeout: 120 * time.Second},
		budget:  retrypolicy.Config{MaxAttempts: 4, BaseDelay: time.Second, Factor: 2, MaxDelay: 15 * time.Second, Jitter: 200 * time.Millisecond},
	}
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.model }

// Chat implements Provider. Rate limits and 5xx responses are retried
// within the provider's budget; Retry-After is honored when numeric.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(p.encodeRequest(req))
	if err != nil {
		return nil, apierr.New("providers.chat", apierr.Malformed, 0, err)
	}

	var out *ChatResponse
	err = retrypolicy.Do(ctx, p.budget, func(int) retrypolicy.Outcome {
		resp, kind, retryAfter, attemptErr := p.once(ctx, body)
		if attemptErr != nil {
			return retrypolicy.Outcome{Err: attemptErr, Kind: kind, RetryAfter: retryAfter}
		}
		out = resp
		return retrypolicy.Outcome{}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *OpenAIProvider) once(ctx context.Context, body []byte) (*ChatResponse, apierr.Kind, time.Duration, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Malformed, 0, apierr.New("providers.chat", apierr.Malformed, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpc.Do(httpReq)
	if err != nil {
		return nil, apierr.Transient, 0, apierr.New("providers.chat", apierr.Transient, 0, fmt.Errorf("%s: %w", p.name, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		kind := classifyStatus(resp.StatusCode)
		return nil, kind, parseRetryAfter(resp.Header.Get("Retry-After")),
			apierr.New("providers.chat", kind, resp.StatusCode, fmt.Errorf("%s: %s", p.name, strings.TrimSpace(string(raw))))
	}

	var wire chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, apierr.Malformed, 0, apierr.New("providers.chat", apierr.Malformed, 0, err)
	}
	return decodeResponse(&wire), "", 0, nil
}

func classifyStatus(status int) apierr.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return apierr.RateLimited
	case status == http.StatusNotFound:
		return apierr.NotFound
	case status >= 500:
		return apierr.Transient
	default:
		return apierr.Authoritative
	}
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Wire shapes. Tool-call arguments travel as a JSON string on the wire
// and as a decoded map on the ToolCall type; encode/decode convert at the
// boundary.

type chatCompletionRequest struct {
	Model      string        `json:"model"`
	Messages   []wireMessage `json:"messages"`
	Tools      []wireTool    `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireToolCall struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Function wireToolCallFunction `json:"function"`
}

type wireToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *OpenAIProvider) encodeRequest(req ChatRequest) chatCompletionRequest {
	out := chatCompletionRequest{Model: p.model, Messages: make([]wireMessage, 0, len(req.Messages))}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireToolCallFunction{Name: tc.Name, Arguments: string(args)},
			})
		}
		out.Messages = append(out.Messages, wm)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = "auto"
	}
	return out
}

func decodeResponse(wire *chatCompletionResponse) *ChatResponse {
	out := &ChatResponse{FinishReason: "stop"}
	if len(wire.Choices) > 0 {
		choice := wire.Choices[0]
		out.Content = choice.Message.Content
		if choice.FinishReason != "" {
			out.FinishReason = choice.FinishReason
		}
		for _, tc := range choice.Message.ToolCalls {
			args := make(map[string]any)
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: args,
			})
		}
	}
	if wire.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	return out
}
