package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/recallmesh/recallmesh/internal/backend"
	"github.com/recallmesh/recallmesh/internal/llm"
)

func newPlanner(client llm.Client, be backend.Backend) *Planner {
	return NewPlanner(client, be, 5*time.Second, 5*time.Second, nil)
}

func planResponse(body string) *llm.Response {
	return &llm.Response{Content: body, Provider: "mock"}
}

func TestNoContextNeededSkipsEverything(t *testing.T) {
	client := &llm.MockClient{}
	be := &backend.MockBackend{}
	p := newPlanner(client, be)

	res := p.BuildContext(context.Background(), Request{
		Message:      "just acknowledging",
		UserID:       "alice",
		NeedsContext: false,
	})

	if res.Tier != TierNoRetrieval {
		t.Errorf("Tier = %v, want TierNoRetrieval", res.Tier)
	}
	if res.Context != "" {
		t.Errorf("Context = %q, want empty", res.Context)
	}
	if be.SearchCount() != 0 {
		t.Errorf("backend searches = %d, want 0", be.SearchCount())
	}
	if client.CallCount() != 0 {
		t.Errorf("llm calls = %d, want 0", client.CallCount())
	}
}

func TestPlannedNoSearch(t *testing.T) {
	client := &llm.MockClient{Response: planResponse(`{"strategy": "no_search", "queries": []}`)}
	be := &backend.MockBackend{}
	p := newPlanner(client, be)

	res := p.BuildContext(context.Background(), Request{Message: "hi", UserID: "alice", NeedsContext: true})

	if res.Tier != TierNoRetrieval {
		t.Errorf("Tier = %v, want TierNoRetrieval", res.Tier)
	}
	if be.SearchCount() != 0 {
		t.Errorf("backend searches = %d, want 0", be.SearchCount())
	}
}

func TestNewConversationBiasesPlanningPrompt(t *testing.T) {
	client := &llm.MockClient{Response: planResponse(`{"strategy": "no_search", "queries": []}`)}
	be := &backend.MockBackend{}
	p := newPlanner(client, be)

	p.BuildContext(context.Background(), Request{
		Message: "hello again", UserID: "alice", NeedsContext: true, NewConversation: true,
	})
	p.BuildContext(context.Background(), Request{
		Message: "hello again", UserID: "alice", NeedsContext: true,
	})

	if len(client.Calls) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(client.Calls))
	}
	if !strings.Contains(client.Calls[0], "NEW CONVERSATION") {
		t.Error("conversation-start planning prompt missing the new-conversation hint")
	}
	if strings.Contains(client.Calls[1], "NEW CONVERSATION") {
		t.Error("mid-conversation planning prompt carries the new-conversation hint")
	}
}

func TestPlanningFailureFallsBackToExactlyOneSearch(t *testing.T) {
	client := &llm.MockClient{Err: errors.New("completion timeout")}
	be := &backend.MockBackend{Fallback: []backend.Result{{ID: "m1", Content: "likes Go"}}}
	p := newPlanner(client, be)

	res := p.BuildContext(context.Background(), Request{
		Message: "what did we decide yesterday", UserID: "alice", NeedsContext: true,
	})

	if res.Tier != TierShallow {
		t.Errorf("Tier = %v, want TierShallow", res.Tier)
	}
	if be.SearchCount() != 1 {
		t.Errorf("backend searches = %d, want exactly 1", be.SearchCount())
	}
	if res.Context == "" {
		t.Error("expected non-empty context from fallback search")
	}
}

func TestMalformedPlanFallsBackToShallow(t *testing.T) {
	client := &llm.MockClient{Response: planResponse("sure, here is some prose with no JSON")}
	be := &backend.MockBackend{}
	p := newPlanner(client, be)

	res := p.BuildContext(context.Background(), Request{Message: "q", UserID: "alice", NeedsContext: true})

	if res.Tier != TierShallow {
		t.Errorf("Tier = %v, want TierShallow", res.Tier)
	}
	if be.SearchCount() != 1 {
		t.Errorf("backend searches = %d, want 1", be.SearchCount())
	}
}

func TestShallowSearchFailureYieldsEmptyContext(t *testing.T) {
	client := &llm.MockClient{Err: errors.New("down")}
	be := &backend.MockBackend{SearchErr: errors.New("backend down")}
	p := newPlanner(client, be)

	res := p.BuildContext(context.Background(), Request{Message: "q", UserID: "alice", NeedsContext: true})

	if res.Context != "" {
		t.Errorf("Context = %q, want empty when even the cheapest tier fails", res.Context)
	}
	if res.Tier != TierShallow {
		t.Errorf("Tier = %v, want TierShallow", res.Tier)
	}
}

func TestDeepTierMergesAndDeduplicates(t *testing.T) {
	client := &llm.MockClient{Response: planResponse(
		`{"strategy": "deep_understanding", "queries": ["go preferences", "recent decisions"]}`)}
	be := &backend.MockBackend{
		Results: map[string][]backend.Result{
			"go preferences":   {{ID: "m1", Content: "prefers table tests", Score: 0.9}},
			"recent decisions": {{ID: "m1", Content: "prefers table tests", Score: 0.5}, {ID: "m2", Content: "chose sqlite", Score: 0.8}},
		},
	}
	p := newPlanner(client, be)

	res := p.BuildContext(context.Background(), Request{Message: "q", UserID: "alice", NeedsContext: true})

	if res.Tier != TierDeep {
		t.Errorf("Tier = %v, want TierDeep", res.Tier)
	}
	if be.SearchCount() != 2 {
		t.Errorf("backend searches = %d, want 2", be.SearchCount())
	}
	if len(res.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2 after dedup", len(res.Results))
	}
	// The higher-scoring duplicate wins.
	if res.Results[0].ID != "m1" || res.Results[0].Score != 0.9 {
		t.Errorf("Results[0] = %+v, want m1 at score 0.9", res.Results[0])
	}
}

func TestComprehensiveTierSynthesizes(t *testing.T) {
	client := &llm.MockClient{Responses: []*llm.Response{
		planResponse(`{"strategy": "comprehensive_analysis", "queries": ["stated values", "value-driven choices"]}`),
		planResponse("The memories show a consistent preference for simplicity and candor."),
		planResponse("You value simplicity and candor: you have said so directly and your choices back it up."),
	}}
	be := &backend.MockBackend{
		Results: map[string][]backend.Result{
			"stated values":        {{ID: "m1", Content: "said honesty matters most"}},
			"value-driven choices": {{ID: "m2", Content: "turned down a complex design for a simple one"}},
		},
	}
	p := newPlanner(client, be)

	res := p.BuildContext(context.Background(), Request{
		Message: "what are my values", UserID: "alice", NeedsContext: true,
	})

	if res.Tier != TierComprehensive {
		t.Errorf("Tier = %v, want TierComprehensive", res.Tier)
	}
	if be.SearchCount() != 2 {
		t.Errorf("backend searches = %d, want 2 (multi-query)", be.SearchCount())
	}
	if client.CallCount() != 3 {
		t.Errorf("llm calls = %d, want 3 (plan, synthesis, compose)", client.CallCount())
	}
	if res.Synthesis == "" {
		t.Error("expected a synthesis")
	}
	if res.Context == "" {
		t.Error("expected a non-empty composed answer")
	}
	if len(res.Results) != 2 {
		t.Errorf("len(Results) = %d, want evidence from both queries", len(res.Results))
	}
}

func TestSynthesisFailureDegradesToDeep(t *testing.T) {
	calls := 0
	client := &failAfterClient{
		first: planResponse(`{"strategy": "comprehensive_analysis", "queries": ["q1"]}`),
		calls: &calls,
	}
	be := &backend.MockBackend{Fallback: []backend.Result{{ID: "m1", Content: "a memory"}}}
	p := newPlanner(client, be)

	res := p.BuildContext(context.Background(), Request{Message: "q", UserID: "alice", NeedsContext: true})

	if res.Tier != TierDeep {
		t.Errorf("Tier = %v, want TierDeep after synthesis failure", res.Tier)
	}
	if res.Context == "" {
		t.Error("expected the deep-tier context, not empty")
	}
}

// failAfterClient answers the first completion and fails the rest.
type failAfterClient struct {
	first *llm.Response
	calls *int
}

func (c *failAfterClient) Complete(ctx context.Context, prompt string) (*llm.Response, error) {
	*c.calls++
	if *c.calls == 1 {
		return c.first, nil
	}
	return nil, errors.New("model unavailable")
}

func TestParsePlanStripsFencesAndProse(t *testing.T) {
	content := "Here is the plan:\n```json\n{\"strategy\": \"relevant_context\", \"queries\": [\"a\"]}\n```"
	plan, err := parsePlan(content)
	if err != nil {
		t.Fatalf("parsePlan: %v", err)
	}
	if plan.Strategy != StrategyRelevantContext || len(plan.Queries) != 1 {
		t.Errorf("plan = %+v", plan)
	}

	if _, err := parsePlan(`{"strategy": "turbo", "queries": ["a"]}`); err == nil {
		t.Error("expected error for unknown strategy label")
	}
}
