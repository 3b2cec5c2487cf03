package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type 表示协议帧的类别。
type Type string

const (
	TypeAuth           Type = "AUTH"
	TypeAuthAck        Type = "AUTH_ACK"
	TypeHeartbeat      Type = "HEARTBEAT"
	TypeHeartbeatAck   Type = "HEARTBEAT_ACK"
	TypeJobAssign      Type = "JOB_ASSIGN"
	TypeJobResult      Type = "JOB_RESULT"
	TypeAgentJob       Type = "AGENT_JOB"
	TypeAgentJobResult Type = "AGENT_JOB_RESULT"
	TypeError          Type = "ERROR"
)

// WorkerStatus 是心跳中上报的节点状态。
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "IDLE"
	WorkerBusy     WorkerStatus = "BUSY"
	WorkerDraining WorkerStatus = "DRAINING"
)

// ResultStatus 是任务结果的终态。
type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultError   ResultStatus = "ERROR"
	ResultTimeout ResultStatus = "TIMEOUT"
)

// Envelope 是所有帧共有的头部：类别、追踪 ID 与发送方毫秒时钟。
// 应答帧必须回显请求帧的 traceId。
type Envelope struct {
	Type      Type   `json:"type"`
	TraceID   string `json:"traceId"`
	Timestamp int64  `json:"timestamp"`
}

// Header 返回帧头，供统一处理追踪与时序信息。
func (e *Envelope) Header() *Envelope {
	return e
}

// Frame 是所有协议帧的标记联合。
type Frame interface {
	Header() *Envelope
}

// NewEnvelope 生成一个带有新追踪 ID 的帧头。
func NewEnvelope(t Type) Envelope {
	return Envelope{
		Type:      t,
		TraceID:   uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// Reply 生成应答帧头：回显请求的追踪 ID，刷新时间戳。
func Reply(t Type, req *Envelope) Envelope {
	env := Envelope{Type: t, Timestamp: time.Now().UnixMilli()}
	if req != nil {
		env.TraceID = req.TraceID
	}
	if env.TraceID == "" {
		env.TraceID = uuid.NewString()
	}
	return env
}

// NodeSpecs 描述节点的硬件与运行时信息。
type NodeSpecs struct {
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	CPUCores       int     `json:"cpuCores"`
	TotalMemoryGB  float64 `json:"totalMemoryGB"`
	RuntimeVersion string  `json:"runtimeVersion"`
}

// Auth 是节点建立连接后发送的第一帧。
type Auth struct {
	Envelope
	NodeID       string    `json:"nodeId"`
	Capabilities []string  `json:"capabilities"`
	AgentTypes   []string  `json:"agentTypes,omitempty"`
	Wallet       string    `json:"wallet,omitempty"`
	Specs        NodeSpecs `json:"specs"`
	Secret       string    `json:"secret"`
	Version      string    `json:"version"`
}

// AuthAck 是控制面对认证请求的应答。
type AuthAck struct {
	Envelope
	Success             bool   `json:"success"`
	Message             string `json:"message,omitempty"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs,omitempty"`
}

// Heartbeat 是节点周期性上报的健康信息。
type Heartbeat struct {
	Envelope
	Status      WorkerStatus `json:"status"`
	CPUUsage    float64      `json:"cpuUsage"`
	MemoryUsage float64      `json:"memoryUsage"`
	ActiveJobs  int          `json:"activeJobs"`
}

// HeartbeatAck 确认心跳已被接收。
type HeartbeatAck struct {
	Envelope
	Received bool `json:"received"`
}

// ToolCall 描述一次由节点代为执行的工具调用。
type ToolCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

// JobAssign 将一个任务派发给节点执行。
type JobAssign struct {
	Envelope
	JobID     string          `json:"jobId"`
	RunID     string          `json:"runId"`
	AgentID   string          `json:"agentId"`
	Input     json.RawMessage `json:"input"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	Script    string          `json:"script,omitempty"`
	ToolCall  *ToolCall       `json:"toolCall,omitempty"`
}

// JobError 携带节点侧的失败详情。
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// JobMetrics 记录一次执行的起止时间。
type JobMetrics struct {
	StartTime  int64 `json:"startTime"`
	EndTime    int64 `json:"endTime"`
	DurationMs int64 `json:"durationMs"`
}

// JobResult 是节点对 JobAssign 的应答，runId 与派发帧一致。
type JobResult struct {
	Envelope
	JobID   string          `json:"jobId"`
	RunID   string          `json:"runId"`
	Status  ResultStatus    `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Logs    []string        `json:"logs"`
	Error   *JobError       `json:"error,omitempty"`
	Metrics JobMetrics      `json:"metrics"`
	Memory  json.RawMessage `json:"memory,omitempty"`
}

// AgentJob 将一次完整的智能体问答派发给节点。
type AgentJob struct {
	Envelope
	JobID     string          `json:"jobId"`
	AgentType string          `json:"agentType"`
	UserQuery string          `json:"userQuery"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// AgentJobResult 是节点对 AgentJob 的应答。
type AgentJobResult struct {
	Envelope
	JobID     string      `json:"jobId"`
	Success   bool        `json:"success"`
	Response  string      `json:"response"`
	ToolsUsed []string    `json:"toolsUsed,omitempty"`
	Metrics   *JobMetrics `json:"metrics,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ErrorFrame 在双向传递协议级错误；fatal 表示连接随后会被关闭。
type ErrorFrame struct {
	Envelope
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}
