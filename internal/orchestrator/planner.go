package orchestrator

import (
	"context"

	"AgentMesh-Chain/internal/catalogue"
)

// IntentResult 是意图分析的结构化输出。
// 只有形如 {agents:[string], reasoning:string} 的应答才会被采信。
type IntentResult struct {
	Agents    []string `json:"agents"`
	Reasoning string   `json:"reasoning"`
}

// PlannedCall 是工具规划产出的一次调用。
type PlannedCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

// ToolResult 记录一次工具调用的结果。
type ToolResult struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
	Output any            `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// AgentSummary 是单个智能体的阶段性结论，供聚合使用。
type AgentSummary struct {
	AgentID string
	Name    string
	Summary string
}

// IntentPlanner 根据用户消息在目录中挑选智能体。
type IntentPlanner interface {
	SelectAgents(ctx context.Context, message string, defs []catalogue.Definition) (IntentResult, error)
}

// ToolPlanner 为单个智能体规划工具调用、归纳结果并聚合多智能体结论。
type ToolPlanner interface {
	PlanCalls(ctx context.Context, def catalogue.Definition, message string) ([]PlannedCall, error)
	Summarize(ctx context.Context, def catalogue.Definition, message string, results []ToolResult) (string, error)
	Aggregate(ctx context.Context, message string, summaries []AgentSummary) (string, error)
}
