package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"AgentMesh-Chain/internal/catalogue"
	"AgentMesh-Chain/internal/dispatch"
	"AgentMesh-Chain/pkg/logger"
)

const (
	maxAgentsPerQuery  = 3
	defaultToolTimeout = 30 * time.Second
	errorPrefix        = "Error: "
)

// ToolDispatcher 把节点侧工具调用派发给工作节点。
type ToolDispatcher interface {
	DispatchTool(ctx context.Context, tool string, params map[string]any, timeout time.Duration) (*dispatch.DispatchResult, error)
}

// AgentResult 是单个智能体对一次查询的完整产出。
type AgentResult struct {
	Agent     string       `json:"agent"`
	Name      string       `json:"name"`
	Tools     []string     `json:"tools"`
	ToolCalls []ToolResult `json:"toolCalls,omitempty"`
	Summary   string       `json:"summary"`
}

// Failed 判断该智能体是否以错误收场。
func (r AgentResult) Failed() bool {
	return strings.HasPrefix(r.Summary, errorPrefix)
}

// Response 是一次多智能体查询的聚合结果。
type Response struct {
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	AgentsUsed   []string      `json:"agentsUsed"`
	QueryHash    string        `json:"queryHash"`
	Reasoning    string        `json:"reasoning,omitempty"`
	AgentResults []AgentResult `json:"agentResults"`
}

// Orchestrator 驱动意图分析、并发执行与结果聚合。
type Orchestrator struct {
	catalogue     *catalogue.Catalogue
	intent        IntentPlanner
	tools         ToolPlanner
	dispatcher    ToolDispatcher
	fallbackAgent string
	toolTimeout   time.Duration
	log           *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithToolDispatcher 配置节点侧工具派发能力。
func WithToolDispatcher(dispatcher ToolDispatcher) Option {
	return func(o *Orchestrator) {
		o.dispatcher = dispatcher
	}
}

// WithFallbackAgent 设置关键词兜底失败时使用的智能体。
func WithFallbackAgent(agentID string) Option {
	return func(o *Orchestrator) {
		if agentID != "" {
			o.fallbackAgent = agentID
		}
	}
}

// WithToolTimeout 设置单次节点侧工具调用的时限。
func WithToolTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.toolTimeout = timeout
		}
	}
}

// New 构造编排器。
func New(cat *catalogue.Catalogue, intent IntentPlanner, tools ToolPlanner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalogue:     cat,
		intent:        intent,
		tools:         tools,
		fallbackAgent: "general-assistant",
		toolTimeout:   defaultToolTimeout,
		log:           logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Execute 处理一次用户查询：意图分析、并发执行、聚合。
// 单个智能体的失败只产生局部错误结果，不中断整个查询。
func (o *Orchestrator) Execute(ctx context.Context, userMessage string) *Response {
	resp := &Response{QueryHash: queryHash(userMessage)}

	agents, reasoning := o.selectAgents(ctx, userMessage)
	resp.AgentsUsed = agents
	resp.Reasoning = reasoning

	results := make([]AgentResult, len(agents))
	var wg sync.WaitGroup
	for i, agentID := range agents {
		wg.Add(1)
		go func(index int, id string) {
			defer wg.Done()
			results[index] = o.runAgent(ctx, id, userMessage)
		}(i, agentID)
	}
	wg.Wait()
	resp.AgentResults = results

	for _, result := range results {
		if !result.Failed() {
			resp.Success = true
			break
		}
	}

	resp.Message = o.aggregate(ctx, userMessage, results)
	return resp
}

// selectAgents 执行意图分析，失败时退回关键词匹配。
func (o *Orchestrator) selectAgents(ctx context.Context, userMessage string) ([]string, string) {
	defs := o.catalogue.List()

	if o.intent != nil {
		result, err := o.intent.SelectAgents(ctx, userMessage, defs)
		if err == nil {
			if agents := o.validateSelection(result.Agents); len(agents) > 0 {
				return capAgents(agents), result.Reasoning
			}
		} else {
			o.log.Warn("意图分析不可用，退回关键词匹配", slog.Any("error", err))
		}
	}

	matched := o.catalogue.MatchKeywords(userMessage)
	if len(matched) == 0 {
		return []string{o.fallbackAgent}, "keyword fallback: no match, using default agent"
	}
	return capAgents(matched), "keyword fallback"
}

// validateSelection 过滤掉目录中不存在的智能体 ID。
func (o *Orchestrator) validateSelection(agents []string) []string {
	var valid []string
	for _, id := range agents {
		if _, ok := o.catalogue.Get(id); ok {
			valid = append(valid, id)
		}
	}
	return valid
}

// runAgent 执行单个智能体：规划工具调用、逐个执行、归纳结论。
func (o *Orchestrator) runAgent(ctx context.Context, agentID, userMessage string) AgentResult {
	def, ok := o.catalogue.Get(agentID)
	if !ok {
		return AgentResult{Agent: agentID, Summary: errorPrefix + "unknown agent"}
	}
	result := AgentResult{Agent: agentID, Name: def.Name, Tools: []string{}}

	if o.tools == nil {
		result.Summary = errorPrefix + "planner unavailable"
		return result
	}

	calls, err := o.tools.PlanCalls(ctx, def, userMessage)
	if err != nil {
		o.log.Warn("工具规划失败", slog.Any("error", err), slog.String("agent_id", agentID))
		result.Summary = errorPrefix + err.Error()
		return result
	}

	for _, call := range calls {
		toolResult := o.executeTool(ctx, call)
		result.ToolCalls = append(result.ToolCalls, toolResult)
		result.Tools = append(result.Tools, call.Tool)
	}

	summary, err := o.tools.Summarize(ctx, def, userMessage, result.ToolCalls)
	if err != nil {
		result.Summary = errorPrefix + err.Error()
		return result
	}
	result.Summary = summary
	return result
}

// executeTool 执行一次工具调用：本地实现优先，否则派发给节点。
func (o *Orchestrator) executeTool(ctx context.Context, call PlannedCall) ToolResult {
	result := ToolResult{Tool: call.Tool, Params: call.Params}

	if fn, ok := o.catalogue.LocalTool(call.Tool); ok {
		output, err := fn(ctx, call.Params)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Output = output
		}
		return result
	}

	if o.dispatcher == nil {
		result.Error = "no executor available for tool " + call.Tool
		return result
	}
	dispatched, err := o.dispatcher.DispatchTool(ctx, call.Tool, call.Params, o.toolTimeout)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if !dispatched.Success {
		result.Error = dispatched.Error
		return result
	}
	if len(dispatched.Output) > 0 {
		var output any
		if err := json.Unmarshal(dispatched.Output, &output); err == nil {
			result.Output = output
		} else {
			result.Output = string(dispatched.Output)
		}
	}
	return result
}

// aggregate 汇总各智能体结论：单智能体原样返回，
// 多智能体交给规划器聚合，失败时退化为拼接。
func (o *Orchestrator) aggregate(ctx context.Context, userMessage string, results []AgentResult) string {
	if len(results) == 0 {
		return errorPrefix + "no agents executed"
	}
	if len(results) == 1 {
		return results[0].Summary
	}

	summaries := make([]AgentSummary, 0, len(results))
	for _, result := range results {
		summaries = append(summaries, AgentSummary{
			AgentID: result.Agent,
			Name:    result.Name,
			Summary: result.Summary,
		})
	}

	if o.tools != nil {
		if aggregated, err := o.tools.Aggregate(ctx, userMessage, summaries); err == nil {
			return aggregated
		} else {
			o.log.Warn("聚合失败，退化为拼接", slog.Any("error", err))
		}
	}

	parts := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		name := summary.Name
		if name == "" {
			name = summary.AgentID
		}
		parts = append(parts, fmt.Sprintf("**%s:** %s", name, summary.Summary))
	}
	return strings.Join(parts, "\n\n")
}

func capAgents(agents []string) []string {
	if len(agents) > maxAgentsPerQuery {
		return agents[:maxAgentsPerQuery]
	}
	return agents
}

func queryHash(message string) string {
	digest := sha256.Sum256([]byte(message))
	return hex.EncodeToString(digest[:8])
}
