package llmplanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"AgentMesh-Chain/internal/catalogue"
	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/orchestrator"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 30 * time.Second
)

// Config 描述调用 Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 OpenAI 兼容接口同时实现意图规划与工具规划。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建规划器客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供规划器 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SelectAgents 让大模型在目录中挑选智能体。
// 输出必须是严格的 {agents:[string], reasoning:string}，否则报错，
// 由编排器退回关键词匹配。
func (c *Client) SelectAgents(ctx context.Context, message string, defs []catalogue.Definition) (orchestrator.IntentResult, error) {
	var builder strings.Builder
	builder.WriteString("Available agents:\n")
	for _, def := range defs {
		builder.WriteString(fmt.Sprintf("- %s: %s\n", def.ID, def.Description))
	}
	builder.WriteString("\nUser query: ")
	builder.WriteString(message)
	builder.WriteString("\nPick at most 3 agent ids best suited to answer the query.")

	content, err := c.complete(ctx, selectSystemPrompt, builder.String())
	if err != nil {
		return orchestrator.IntentResult{}, err
	}

	var result orchestrator.IntentResult
	if err := json.Unmarshal([]byte(extractJSON(content)), &result); err != nil {
		return orchestrator.IntentResult{}, xerrors.Wrap(xerrors.CodePlannerUnavailable, err,
			"意图分析输出不是合法的结构化应答")
	}
	if len(result.Agents) == 0 {
		return orchestrator.IntentResult{}, xerrors.New(xerrors.CodePlannerUnavailable,
			"意图分析没有返回智能体")
	}
	return result, nil
}

// PlanCalls 为单个智能体规划工具调用序列。
// 无法解析的输出按“无需工具”处理。
func (c *Client) PlanCalls(ctx context.Context, def catalogue.Definition, message string) ([]orchestrator.PlannedCall, error) {
	if len(def.Tools) == 0 {
		return nil, nil
	}

	var builder strings.Builder
	builder.WriteString("Tools available to you:\n")
	for _, tool := range def.Tools {
		builder.WriteString(fmt.Sprintf("- %s(%s): %s\n",
			tool.Name, strings.Join(tool.Parameters, ", "), tool.Description))
	}
	builder.WriteString("\nUser query: ")
	builder.WriteString(message)
	builder.WriteString("\nReturn the tool calls needed to answer, or an empty list.")

	content, err := c.complete(ctx, def.SystemPrompt+"\n"+planSystemPrompt, builder.String())
	if err != nil {
		return nil, err
	}

	var plan struct {
		Calls []orchestrator.PlannedCall `json:"calls"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &plan); err != nil {
		return nil, nil
	}
	return plan.Calls, nil
}

// Summarize 归纳单个智能体的工具结果。
func (c *Client) Summarize(ctx context.Context, def catalogue.Definition, message string, results []orchestrator.ToolResult) (string, error) {
	var builder strings.Builder
	builder.WriteString("User query: ")
	builder.WriteString(message)
	if len(results) > 0 {
		builder.WriteString("\n\nTool results:\n")
		for _, result := range results {
			encoded, _ := json.Marshal(result)
			builder.WriteString("- ")
			builder.Write(encoded)
			builder.WriteString("\n")
		}
	}
	builder.WriteString("\nAnswer the query for the user based on the above.")

	return c.complete(ctx, def.SystemPrompt, builder.String())
}

// Aggregate 把多个智能体的结论合并成一份答复。
func (c *Client) Aggregate(ctx context.Context, message string, summaries []orchestrator.AgentSummary) (string, error) {
	var builder strings.Builder
	builder.WriteString("User query: ")
	builder.WriteString(message)
	builder.WriteString("\n\nSpecialist conclusions:\n")
	for _, summary := range summaries {
		builder.WriteString(fmt.Sprintf("### %s\n%s\n", summary.Name, summary.Summary))
	}
	builder.WriteString("\nMerge these into one coherent answer for the user.")

	return c.complete(ctx, aggregateSystemPrompt, builder.String())
}

// complete 调用 Chat Completions 并返回首个 choice 的文本。
func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		"temperature": 0.2,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("序列化规划请求失败: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建规划请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodePlannerUnavailable, err, "请求规划器失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.New(xerrors.CodePlannerUnavailable,
			fmt.Sprintf("规划器返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodePlannerUnavailable, err, "解析规划器响应失败")
	}
	if len(decoded.Choices) == 0 {
		return "", xerrors.New(xerrors.CodePlannerUnavailable, "规划器响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", xerrors.New(xerrors.CodePlannerUnavailable, "规划器响应内容为空")
	}
	return content, nil
}

// extractJSON 剥离 Markdown 代码块围栏，返回其中的 JSON 文本。
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
	}
	return strings.TrimSpace(content)
}

const (
	selectSystemPrompt = "You route user queries to specialist agents. " +
		"Always respond with a compact JSON object: {\"agents\": [string], \"reasoning\": string}. " +
		"Use only agent ids from the provided list."
	planSystemPrompt = "Respond with a compact JSON object: {\"calls\": [{\"tool\": string, \"params\": object}]}. " +
		"Use only the listed tools. Return {\"calls\": []} when no tool is needed."
	aggregateSystemPrompt = "You merge specialist conclusions into a single coherent answer. " +
		"Do not mention the individual specialists unless it helps the user."
)

var (
	_ orchestrator.IntentPlanner = (*Client)(nil)
	_ orchestrator.ToolPlanner   = (*Client)(nil)
)
