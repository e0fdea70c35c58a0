package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mbkchat/convhub/internal/apierr"
)

func testProvider(url string) *OpenAIProvider {
	p := NewOpenAIProvider("maksim", "sk-test", url, "gpt-4o")
	p.budget.BaseDelay = time.Millisecond
	p.budget.MaxDelay = time.Millisecond
	p.budget.Jitter = 0
	return p
}

func TestChatDecodesContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header: %q", got)
		}
		w.Write([]byte(`{
			"choices":[{"message":{"content":"здравствуйте"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}
		}`))
	}))
	defer srv.Close()

	resp, err := testProvider(srv.URL).Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "привет"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "здравствуйте" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestChatDecodesToolCallArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"handoff_to_mortgage","arguments":"{\"reason\":\"ипотека\"}"}}
		]},"finish_reason":"tool_calls"}]}`))
	}))
	defer srv.Close()

	resp, err := testProvider(srv.URL).Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "хочу ипотеку"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "handoff_to_mortgage" || tc.Arguments["reason"] != "ипотека" {
		t.Fatalf("unexpected tool call: %+v", tc)
	}
}

func TestChatEncodesToolsAndToolChoice(t *testing.T) {
	var captured chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	_, err := testProvider(srv.URL).Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "route"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1", Name: "handoff_to_design", Arguments: map[string]any{}}}},
			{Role: "tool", Content: "done", ToolCallID: "call_1"},
		},
		Tools: []ToolDefinition{{Type: "function", Function: ToolFunctionSchema{Name: "handoff_to_design"}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.Model != "gpt-4o" {
		t.Fatalf("unexpected model: %q", captured.Model)
	}
	if captured.ToolChoice != "auto" {
		t.Fatalf("expected tool_choice auto, got %q", captured.ToolChoice)
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Function.Name != "handoff_to_design" {
		t.Fatalf("unexpected tools: %+v", captured.Tools)
	}
	asst := captured.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Function.Arguments != "{}" {
		t.Fatalf("unexpected assistant tool calls: %+v", asst.ToolCalls)
	}
	if captured.Messages[2].ToolCallID != "call_1" {
		t.Fatalf("tool result lost its tool_call_id: %+v", captured.Messages[2])
	}
}

func TestChatRetriesRateLimitWithRetryAfter(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	resp, err := testProvider(srv.URL).Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" || attempts != 3 {
		t.Fatalf("got content=%q attempts=%d", resp.Content, attempts)
	}
}

func TestChatDoesNotRetryAuthoritative(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer srv.Close()

	_, err := testProvider(srv.URL).Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !apierr.Is(err, apierr.Authoritative) {
		t.Fatalf("expected authoritative error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected one attempt, got %d", attempts)
	}
}
