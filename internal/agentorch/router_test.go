package agentorch

import (
	"context"
	"testing"

	"github.com/mbkchat/convhub/internal/providers"
)

// fakeProvider returns a scripted sequence of responses, one per Chat call.
type fakeProvider struct {
	name      string
	responses []*providers.ChatResponse
	calls     int
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func TestRouterRunsWithoutHandoff(t *testing.T) {
	general := &fakeProvider{name: "general", responses: []*providers.ChatResponse{
		{Content: "здравствуйте, чем могу помочь?"},
	}}
	r := &Router{
		RouterPrompt: "you route messages",
		Default:      general,
		Specialists:  map[string]Specialist{},
	}

	reply, specialist, _, err := r.Run(context.Background(), []providers.Message{{Role: "user", Content: "привет"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if specialist != SpecialistGeneral {
		t.Fatalf("expected general specialist, got %q", specialist)
	}
	if reply != "здравствуйте, чем могу помочь?" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestRouterHandsOffToSpecialist(t *testing.T) {
	router := &fakeProvider{name: "router", responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "1", Name: handoffToolName(SpecialistMortgage)}}},
	}}
	mortgage := &fakeProvider{name: "mortgage", responses: []*providers.ChatResponse{
		{Content: "расскажу про ипотеку"},
	}}

	r := &Router{
		RouterPrompt: "you route messages",
		Default:      router,
		Specialists: map[string]Specialist{
			SpecialistMortgage: {Provider: mortgage, SystemPrompt: "you are the mortgage specialist"},
		},
	}

	reply, specialist, _, err := r.Run(context.Background(), []providers.Message{{Role: "user", Content: "хочу ипотеку"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if specialist != SpecialistMortgage {
		t.Fatalf("expected mortgage specialist, got %q", specialist)
	}
	if reply != "расскажу про ипотеку" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if router.calls != 1 || mortgage.calls != 1 {
		t.Fatalf("expected one call each, got router=%d mortgage=%d", router.calls, mortgage.calls)
	}
}

func TestRouterErrorsWhenSpecialistUnconfigured(t *testing.T) {
	router := &fakeProvider{name: "router", responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "1", Name: handoffToolName(SpecialistDesign)}}},
	}}
	r := &Router{RouterPrompt: "route", Default: router, Specialists: map[string]Specialist{}}

	_, _, _, err := r.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for unconfigured specialist handoff")
	}
}
