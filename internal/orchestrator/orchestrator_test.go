package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"AgentMesh-Chain/internal/catalogue"
	"AgentMesh-Chain/internal/dispatch"
)

type stubIntent struct {
	result IntentResult
	err    error
}

func (s *stubIntent) SelectAgents(context.Context, string, []catalogue.Definition) (IntentResult, error) {
	return s.result, s.err
}

type stubTools struct {
	calls        map[string][]PlannedCall
	summaryErr   error
	aggregateErr error
}

func (s *stubTools) PlanCalls(_ context.Context, def catalogue.Definition, _ string) ([]PlannedCall, error) {
	return s.calls[def.ID], nil
}

func (s *stubTools) Summarize(_ context.Context, def catalogue.Definition, _ string, results []ToolResult) (string, error) {
	if s.summaryErr != nil {
		return "", s.summaryErr
	}
	return fmt.Sprintf("%s handled %d tool calls", def.ID, len(results)), nil
}

func (s *stubTools) Aggregate(_ context.Context, _ string, summaries []AgentSummary) (string, error) {
	if s.aggregateErr != nil {
		return "", s.aggregateErr
	}
	return fmt.Sprintf("aggregated %d summaries", len(summaries)), nil
}

func TestExecuteWithIntentSelection(t *testing.T) {
	intent := &stubIntent{result: IntentResult{
		Agents:    []string{"travel-planner", "budget-planner"},
		Reasoning: "trip query",
	}}
	o := New(catalogue.Stock(), intent, &stubTools{})

	resp := o.Execute(context.Background(), "Plan a cheap trip to Tokyo")
	if !resp.Success {
		t.Fatalf("expected success: %+v", resp)
	}
	if len(resp.AgentsUsed) != 2 {
		t.Fatalf("unexpected agents: %v", resp.AgentsUsed)
	}
	if resp.Message != "aggregated 2 summaries" {
		t.Fatalf("unexpected message: %s", resp.Message)
	}
	if resp.QueryHash == "" {
		t.Fatalf("query hash missing")
	}
}

func TestIntentFailureFallsBackToKeywords(t *testing.T) {
	intent := &stubIntent{err: errors.New("planner down")}
	o := New(catalogue.Stock(), intent, &stubTools{})

	resp := o.Execute(context.Background(), "Plan a cheap trip to Tokyo")
	used := strings.Join(resp.AgentsUsed, ",")
	if !strings.Contains(used, "travel-planner") || !strings.Contains(used, "budget-planner") {
		t.Fatalf("keyword fallback not applied: %v", resp.AgentsUsed)
	}
}

func TestInvalidIntentIDsAreFiltered(t *testing.T) {
	intent := &stubIntent{result: IntentResult{Agents: []string{"bogus-agent", "coder"}}}
	o := New(catalogue.Stock(), intent, &stubTools{})

	resp := o.Execute(context.Background(), "fix this code bug")
	if len(resp.AgentsUsed) != 1 || resp.AgentsUsed[0] != "coder" {
		t.Fatalf("invalid ids should be dropped: %v", resp.AgentsUsed)
	}
}

func TestNoKeywordMatchUsesFallbackAgent(t *testing.T) {
	intent := &stubIntent{err: errors.New("planner down")}
	o := New(catalogue.Stock(), intent, &stubTools{})

	resp := o.Execute(context.Background(), "zzzz qqqq")
	if len(resp.AgentsUsed) != 1 || resp.AgentsUsed[0] != "general-assistant" {
		t.Fatalf("expected fallback agent, got %v", resp.AgentsUsed)
	}
}

func TestSelectionCappedAtThree(t *testing.T) {
	intent := &stubIntent{result: IntentResult{
		Agents: []string{"coder", "writer", "researcher", "translator", "summarizer"},
	}}
	o := New(catalogue.Stock(), intent, &stubTools{})

	resp := o.Execute(context.Background(), "anything")
	if len(resp.AgentsUsed) != 3 {
		t.Fatalf("selection not capped: %v", resp.AgentsUsed)
	}
}

func TestAllAgentsErrorMeansFailure(t *testing.T) {
	intent := &stubIntent{result: IntentResult{Agents: []string{"coder", "writer"}}}
	o := New(catalogue.Stock(), intent, &stubTools{summaryErr: errors.New("planner down")})

	resp := o.Execute(context.Background(), "anything")
	if resp.Success {
		t.Fatalf("all-error query must not be successful")
	}
	for _, result := range resp.AgentResults {
		if !result.Failed() {
			t.Fatalf("expected error summary, got %q", result.Summary)
		}
	}
}

func TestAggregateFallsBackToConcatenation(t *testing.T) {
	intent := &stubIntent{result: IntentResult{Agents: []string{"coder", "writer"}}}
	o := New(catalogue.Stock(), intent, &stubTools{aggregateErr: errors.New("planner down")})

	resp := o.Execute(context.Background(), "anything")
	if !strings.Contains(resp.Message, "**Coder:**") || !strings.Contains(resp.Message, "**Writer:**") {
		t.Fatalf("concatenation fallback missing: %s", resp.Message)
	}
	if !strings.Contains(resp.Message, "\n\n") {
		t.Fatalf("summaries should be blank-line separated")
	}
}

func TestSingleAgentSummaryReturnedVerbatim(t *testing.T) {
	intent := &stubIntent{result: IntentResult{Agents: []string{"coder"}}}
	o := New(catalogue.Stock(), intent, &stubTools{})

	resp := o.Execute(context.Background(), "anything")
	if resp.Message != "coder handled 0 tool calls" {
		t.Fatalf("single agent summary must be verbatim: %s", resp.Message)
	}
}

type recordingDispatcher struct {
	tool string
}

func (d *recordingDispatcher) DispatchTool(_ context.Context, tool string, _ map[string]any, _ time.Duration) (*dispatch.DispatchResult, error) {
	d.tool = tool
	return &dispatch.DispatchResult{Success: true, Output: []byte(`["remote"]`)}, nil
}

func TestToolRoutingLocalAndRemote(t *testing.T) {
	intent := &stubIntent{result: IntentResult{Agents: []string{"travel-planner"}}}
	dispatcher := &recordingDispatcher{}
	tools := &stubTools{calls: map[string][]PlannedCall{
		"travel-planner": {
			{Tool: "currentTime"},
			{Tool: "webSearch", Params: map[string]any{"query": "tokyo"}},
		},
	}}
	o := New(catalogue.Stock(), intent, tools, WithToolDispatcher(dispatcher))

	resp := o.Execute(context.Background(), "trip")
	result := resp.AgentResults[0]
	if len(result.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %+v", result.ToolCalls)
	}
	if result.ToolCalls[0].Error != "" || result.ToolCalls[0].Output == nil {
		t.Fatalf("local tool failed: %+v", result.ToolCalls[0])
	}
	if dispatcher.tool != "webSearch" {
		t.Fatalf("remote tool not dispatched: %s", dispatcher.tool)
	}
}
