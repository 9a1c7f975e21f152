// Package orchestrator implements the context-orchestration planner: a
// per-message decision procedure that picks a retrieval tier, runs the
// searches that tier calls for, and assembles a context string.
//
// Retrieval degrades gracefully and never blocks message delivery. A
// failed planning call falls back to a single shallow search; a failed
// shallow search yields an empty context. The caller never sees an
// error, only less context.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/recallmesh/recallmesh/internal/backend"
	"github.com/recallmesh/recallmesh/internal/llm"
)

// Strategy is the label the planning call returns.
type Strategy string

const (
	StrategyNoSearch          Strategy = "no_search"
	StrategyRelevantContext   Strategy = "relevant_context"
	StrategyDeepUnderstanding Strategy = "deep_understanding"
	StrategyComprehensive     Strategy = "comprehensive_analysis"
)

// Tier is the retrieval-strategy level the planner executes.
type Tier int

const (
	// TierNoRetrieval returns empty context without backend calls.
	TierNoRetrieval Tier = iota
	// TierShallow is a single keyword search; also the fallback when
	// planning itself fails.
	TierShallow
	// TierDeep runs the planned multi-query search in one pass.
	TierDeep
	// TierComprehensive adds cross-document synthesis on top of the
	// multi-query search.
	TierComprehensive
)

// maxQueries caps how many planned searches one message may issue.
const maxQueries = 5

// Request is one inbound message asking for context. NewConversation
// marks a conversation start, which biases the planning prompt toward
// retrieving background instead of assuming shared context.
type Request struct {
	Message         string
	UserID          string
	NeedsContext    bool
	NewConversation bool
}

// Result is the assembled outcome of one planning pass.
type Result struct {
	Context   string
	Tier      Tier
	Strategy  Strategy
	Queries   []string
	Results   []backend.Result
	Synthesis string
}

// Planner decides and executes a retrieval strategy per message.
type Planner struct {
	llm     llm.Client
	backend backend.Backend
	logger  *slog.Logger

	planTimeout   time.Duration
	searchTimeout time.Duration
}

// NewPlanner creates a planner. planTimeout bounds the planning and
// synthesis completions, searchTimeout bounds each backend search.
func NewPlanner(client llm.Client, be backend.Backend, planTimeout, searchTimeout time.Duration, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		llm:           client,
		backend:       be,
		logger:        logger,
		planTimeout:   planTimeout,
		searchTimeout: searchTimeout,
	}
}

// BuildContext runs the four-tier decision procedure for one message.
// It never returns an error: every failure path degrades to a cheaper
// tier, bottoming out at an empty context.
func (p *Planner) BuildContext(ctx context.Context, req Request) *Result {
	if !req.NeedsContext {
		return &Result{Tier: TierNoRetrieval, Strategy: StrategyNoSearch}
	}

	plan, err := p.plan(ctx, req)
	if err != nil {
		p.logger.Warn("planning call failed, falling back to shallow search", "error", err)
		return p.shallow(ctx, req)
	}

	switch plan.Strategy {
	case StrategyNoSearch:
		return &Result{Tier: TierNoRetrieval, Strategy: StrategyNoSearch}
	case StrategyRelevantContext, StrategyDeepUnderstanding:
		return p.deep(ctx, req, plan)
	case StrategyComprehensive:
		return p.comprehensive(ctx, req, plan)
	default:
		// plan() validates labels; unreachable unless the set grows.
		return p.shallow(ctx, req)
	}
}

type searchPlan struct {
	Strategy Strategy `json:"strategy"`
	Queries  []string `json:"queries"`
}

// plan issues the single planning completion and parses its structured
// output.
func (p *Planner) plan(ctx context.Context, req Request) (*searchPlan, error) {
	ctx, cancel := context.WithTimeout(ctx, p.planTimeout)
	defer cancel()

	resp, err := p.llm.Complete(ctx, llm.PlanningPrompt(req.Message, req.NewConversation))
	if err != nil {
		return nil, fmt.Errorf("planning completion: %w", err)
	}

	plan, err := parsePlan(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("planning output: %w", err)
	}
	if plan.Strategy != StrategyNoSearch && len(plan.Queries) == 0 {
		return nil, fmt.Errorf("planning output: strategy %q with no queries", plan.Strategy)
	}
	if len(plan.Queries) > maxQueries {
		plan.Queries = plan.Queries[:maxQueries]
	}
	return plan, nil
}

// parsePlan extracts the JSON object from a completion that may wrap it
// in code fences or prose.
func parsePlan(content string) (*searchPlan, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in %q", content)
	}

	var plan searchPlan
	if err := json.Unmarshal([]byte(content[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}

	switch plan.Strategy {
	case StrategyNoSearch, StrategyRelevantContext, StrategyDeepUnderstanding, StrategyComprehensive:
		return &plan, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", plan.Strategy)
	}
}

// shallow is Tier 1: one keyword-style search with the raw message.
func (p *Planner) shallow(ctx context.Context, req Request) *Result {
	result := &Result{Tier: TierShallow, Strategy: StrategyRelevantContext, Queries: []string{req.Message}}

	results, err := p.search(ctx, req.Message, req.UserID)
	if err != nil {
		p.logger.Warn("shallow search failed, returning empty context", "error", err)
		return result
	}
	result.Results = results
	result.Context = formatContext(results)
	return result
}

// deep is Tier 2: issue every planned query, merge, dedupe.
func (p *Planner) deep(ctx context.Context, req Request, plan *searchPlan) *Result {
	result := &Result{Tier: TierDeep, Strategy: plan.Strategy, Queries: plan.Queries}
	result.Results = p.multiSearch(ctx, req.UserID, plan.Queries)

	if len(result.Results) == 0 && len(plan.Queries) > 0 {
		// Every planned query failed or came back empty; one shallow
		// pass with the raw message is still worth the latency.
		return p.shallow(ctx, req)
	}
	result.Context = formatContext(result.Results)
	return result
}

// comprehensive is Tier 3: the multi-query search plus a cross-document
// synthesis completion, composed into a single answer.
func (p *Planner) comprehensive(ctx context.Context, req Request, plan *searchPlan) *Result {
	result := &Result{Tier: TierComprehensive, Strategy: plan.Strategy, Queries: plan.Queries}
	result.Results = p.multiSearch(ctx, req.UserID, plan.Queries)
	if len(result.Results) == 0 {
		return p.shallow(ctx, req)
	}

	evidence := make([]string, 0, len(result.Results))
	for _, r := range result.Results {
		evidence = append(evidence, r.Content)
	}

	synthesis, err := p.complete(ctx, llm.SynthesisPrompt(req.Message, evidence))
	if err != nil {
		p.logger.Warn("synthesis failed, degrading to deep result", "error", err)
		result.Tier = TierDeep
		result.Context = formatContext(result.Results)
		return result
	}
	result.Synthesis = synthesis

	answer, err := p.complete(ctx, llm.ComposePrompt(req.Message, synthesis))
	if err != nil {
		p.logger.Warn("compose failed, using raw synthesis", "error", err)
		answer = synthesis
	}
	result.Context = answer
	return result
}

// multiSearch issues each query with its own timeout and merges the
// results, deduplicating by content identity. Individual query failures
// are logged and skipped.
func (p *Planner) multiSearch(ctx context.Context, userID string, queries []string) []backend.Result {
	seen := make(map[string]backend.Result)
	var order []string

	for _, q := range queries {
		results, err := p.search(ctx, q, userID)
		if err != nil {
			p.logger.Warn("planned query failed", "query", q, "error", err)
			continue
		}
		for _, r := range results {
			key := r.ID
			if key == "" {
				key = r.Content
			}
			existing, ok := seen[key]
			if !ok {
				seen[key] = r
				order = append(order, key)
				continue
			}
			if r.Score > existing.Score {
				seen[key] = r
			}
		}
	}

	merged := make([]backend.Result, 0, len(order))
	for _, key := range order {
		merged = append(merged, seen[key])
	}
	return merged
}

func (p *Planner) search(ctx context.Context, query, userID string) ([]backend.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.searchTimeout)
	defer cancel()
	return p.backend.Search(ctx, query, userID)
}

func (p *Planner) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.planTimeout)
	defer cancel()
	resp, err := p.llm.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// formatContext renders retrieved memories as a plain context block.
func formatContext(results []backend.Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memories:\n")
	for _, r := range results {
		b.WriteString("- ")
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
