package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/monitor"
	"AgentMesh-Chain/internal/node"
	"AgentMesh-Chain/internal/protocol"
	"AgentMesh-Chain/pkg/logger"
)

const (
	defaultDispatchTimeout = 30 * time.Second
	defaultAgentJobTimeout = 60 * time.Second
)

// ScriptSource 为派发帧提供智能体脚本。
type ScriptSource interface {
	ScriptFor(agentID string) (string, bool)
}

// DispatchResult 汇总一次派发的最终结果。
type DispatchResult struct {
	Success bool                  `json:"success"`
	JobID   string                `json:"jobId"`
	RunID   string                `json:"runId"`
	Status  protocol.ResultStatus `json:"status"`
	Output  json.RawMessage       `json:"output,omitempty"`
	Logs    []string              `json:"logs"`
	Error   string                `json:"error,omitempty"`
	Metrics protocol.JobMetrics   `json:"metrics"`
}

type outcome struct {
	result *DispatchResult
	err    error
}

// pendingEntry 是一次在途尝试的单消费者会合点。
// 结果帧与超时定时器竞争移除权，先移除者发布唯一结果。
type pendingEntry struct {
	jobID   string
	agentID string
	nodeID  string
	ch      chan outcome
	timer   *time.Timer
}

type agentPendingEntry struct {
	nodeID string
	ch     chan *protocol.AgentJobResult
	timer  *time.Timer
}

// Dispatcher 负责把任务派发到空闲节点，并按 runId 关联应答。
type Dispatcher struct {
	registry *node.Registry
	contexts ContextStore
	scripts  ScriptSource
	mon      *monitor.Monitor
	log      *slog.Logger

	defaultTimeout  time.Duration
	agentJobTimeout time.Duration

	mu           sync.Mutex
	pending      map[string]*pendingEntry
	agentPending map[string]*agentPendingEntry
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithContextStore 配置智能体记忆存储。
func WithContextStore(store ContextStore) DispatcherOption {
	return func(d *Dispatcher) {
		d.contexts = store
	}
}

// WithScriptSource 配置脚本来源。
func WithScriptSource(source ScriptSource) DispatcherOption {
	return func(d *Dispatcher) {
		d.scripts = source
	}
}

// WithMonitor 配置监控器。
func WithMonitor(mon *monitor.Monitor) DispatcherOption {
	return func(d *Dispatcher) {
		d.mon = mon
	}
}

// WithDefaultTimeout 设置未显式指定时限时的默认派发超时。
func WithDefaultTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.defaultTimeout = timeout
		}
	}
}

// WithAgentJobTimeout 设置 AGENT_JOB 派发的等待上限。
func WithAgentJobTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.agentJobTimeout = timeout
		}
	}
}

// NewDispatcher 构造派发器。
func NewDispatcher(registry *node.Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:        registry,
		contexts:        NewMemoryContextStore(),
		log:             logger.Named("dispatch"),
		defaultTimeout:  defaultDispatchTimeout,
		agentJobTimeout: defaultAgentJobTimeout,
		pending:         make(map[string]*pendingEntry),
		agentPending:    make(map[string]*agentPendingEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch 将输入派发给一个空闲节点并等待结果。
// 没有空闲节点时返回 NO_IDLE_NODE；本方法不做重试。
func (d *Dispatcher) Dispatch(ctx context.Context, input json.RawMessage, agentID string, timeout time.Duration) (*DispatchResult, error) {
	record, ok := d.pickIdleNode(agentID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNoIdleNode, "No idle nodes available")
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	job := NewJob(input, agentID, timeout)
	return d.attemptOn(ctx, record, job)
}

// DispatchTool 将一次工具调用派发给具备 tool:<name> 能力的空闲节点。
func (d *Dispatcher) DispatchTool(ctx context.Context, tool string, params map[string]any, timeout time.Duration) (*DispatchResult, error) {
	capability := "tool:" + tool
	record, ok := d.pickIdleNodeWithCapability(capability)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNoIdleNode, "No idle nodes available",
			xerrors.WithMetadata("capability", capability))
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	job := NewJob(nil, "", timeout)
	job.RequiredCapabilities = []string{capability}

	frame := &protocol.JobAssign{
		Envelope:  protocol.NewEnvelope(protocol.TypeJobAssign),
		JobID:     job.JobID,
		RunID:     job.RunID,
		Input:     job.Input,
		TimeoutMs: job.TimeoutMs,
		ToolCall:  &protocol.ToolCall{Tool: tool, Params: params},
	}
	return d.sendAndAwait(ctx, record.ID, job, frame, timeout)
}

// attemptOn 在指定节点上执行一次在途尝试。
func (d *Dispatcher) attemptOn(ctx context.Context, record node.Record, job *Job) (*DispatchResult, error) {
	frame := &protocol.JobAssign{
		Envelope:  protocol.NewEnvelope(protocol.TypeJobAssign),
		JobID:     job.JobID,
		RunID:     job.RunID,
		AgentID:   job.AgentID,
		Input:     job.Input,
		TimeoutMs: job.TimeoutMs,
	}
	if d.scripts != nil && job.AgentID != "" {
		if script, ok := d.scripts.ScriptFor(job.AgentID); ok {
			frame.Script = script
		}
	}
	if d.contexts != nil && job.AgentID != "" {
		if memory, err := d.contexts.Load(ctx, job.AgentID); err != nil {
			d.log.Warn("读取智能体上下文失败", slog.Any("error", err), slog.String("agent_id", job.AgentID))
		} else if len(memory) > 0 {
			frame.Context = memory
		}
	}
	return d.sendAndAwait(ctx, record.ID, job, frame, job.Timeout())
}

// sendAndAwait 注册在途表项、下发帧并等待唯一结果。
func (d *Dispatcher) sendAndAwait(ctx context.Context, nodeID string, job *Job, frame *protocol.JobAssign, timeout time.Duration) (*DispatchResult, error) {
	runID := job.RunID
	entry := &pendingEntry{
		jobID:   job.JobID,
		agentID: job.AgentID,
		nodeID:  nodeID,
		ch:      make(chan outcome, 1),
	}

	d.mu.Lock()
	d.pending[runID] = entry
	d.mu.Unlock()

	entry.timer = time.AfterFunc(timeout, func() {
		d.resolveTimeout(runID)
	})

	sender, ok := d.registry.ChannelOf(nodeID)
	if !ok {
		d.removePending(runID)
		return nil, xerrors.New(xerrors.CodeNoIdleNode, "node channel unavailable")
	}
	if err := sender.Send(frame); err != nil {
		d.removePending(runID)
		return nil, xerrors.Wrap(xerrors.CodeJobFailed, err, "下发任务帧失败")
	}

	select {
	case out := <-entry.ch:
		return out.result, out.err
	case <-ctx.Done():
		d.removePending(runID)
		return nil, ctx.Err()
	}
}

// HandleResult 处理节点回传的 JOB_RESULT。
// 迟到的应答（在途表已无对应 runId）被记录后丢弃。
func (d *Dispatcher) HandleResult(nodeID string, frame *protocol.JobResult) {
	entry, ok := d.takePending(frame.RunID)
	if !ok {
		d.log.Debug("丢弃迟到的任务结果",
			slog.String("run_id", frame.RunID),
			slog.String("job_id", frame.JobID),
			slog.String("node_id", nodeID),
		)
		return
	}
	entry.timer.Stop()

	if d.contexts != nil && entry.agentID != "" && len(frame.Memory) > 0 {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.contexts.Save(saveCtx, entry.agentID, frame.Memory); err != nil {
			d.log.Warn("保存智能体上下文失败", slog.Any("error", err), slog.String("agent_id", entry.agentID))
		}
		cancel()
	}

	result := &DispatchResult{
		Success: frame.Status == protocol.ResultSuccess,
		JobID:   frame.JobID,
		RunID:   frame.RunID,
		Status:  frame.Status,
		Output:  frame.Output,
		Logs:    frame.Logs,
		Metrics: frame.Metrics,
	}
	if frame.Error != nil {
		result.Error = frame.Error.Message
	}

	if d.mon != nil {
		if result.Success {
			d.mon.JobCompleted(nodeID)
		} else {
			d.mon.JobFailed(nodeID)
		}
	}
	entry.ch <- outcome{result: result}
}

// resolveTimeout 在派发时限到期时发布超时结果。
// 与结果帧的竞争由在途表的原子移除裁决，输者成为空操作。
func (d *Dispatcher) resolveTimeout(runID string) {
	entry, ok := d.takePending(runID)
	if !ok {
		return
	}
	if d.mon != nil {
		d.mon.JobFailed(entry.nodeID)
	}
	entry.ch <- outcome{err: xerrors.New(xerrors.CodeJobTimeout, "Job timed out",
		xerrors.WithMetadata("run_id", runID))}
}

// DispatchAgentJob 将一次完整的智能体问答派发给节点并等待应答。
func (d *Dispatcher) DispatchAgentJob(ctx context.Context, agentType, userQuery string) (*protocol.AgentJobResult, error) {
	record, ok := d.pickIdleNode(agentType)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNoIdleNode, "No idle nodes available")
	}
	sender, ok := d.registry.ChannelOf(record.ID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNoIdleNode, "node channel unavailable")
	}

	jobID := uuid.NewString()
	entry := &agentPendingEntry{
		nodeID: record.ID,
		ch:     make(chan *protocol.AgentJobResult, 1),
	}

	d.mu.Lock()
	d.agentPending[jobID] = entry
	d.mu.Unlock()

	entry.timer = time.AfterFunc(d.agentJobTimeout, func() {
		d.mu.Lock()
		_, ok := d.agentPending[jobID]
		delete(d.agentPending, jobID)
		d.mu.Unlock()
		if ok {
			entry.ch <- nil
		}
	})

	frame := &protocol.AgentJob{
		Envelope:  protocol.NewEnvelope(protocol.TypeAgentJob),
		JobID:     jobID,
		AgentType: agentType,
		UserQuery: userQuery,
	}
	if err := sender.Send(frame); err != nil {
		d.mu.Lock()
		delete(d.agentPending, jobID)
		d.mu.Unlock()
		entry.timer.Stop()
		return nil, xerrors.Wrap(xerrors.CodeJobFailed, err, "下发智能体任务失败")
	}

	select {
	case result := <-entry.ch:
		if result == nil {
			return nil, xerrors.New(xerrors.CodeJobTimeout, "Agent job timed out")
		}
		return result, nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.agentPending, jobID)
		d.mu.Unlock()
		entry.timer.Stop()
		return nil, ctx.Err()
	}
}

// HandleAgentResult 处理节点回传的 AGENT_JOB_RESULT。
func (d *Dispatcher) HandleAgentResult(nodeID string, frame *protocol.AgentJobResult) {
	d.mu.Lock()
	entry, ok := d.agentPending[frame.JobID]
	delete(d.agentPending, frame.JobID)
	d.mu.Unlock()

	if !ok {
		d.log.Debug("丢弃迟到的智能体任务结果",
			slog.String("job_id", frame.JobID),
			slog.String("node_id", nodeID),
		)
		return
	}
	entry.timer.Stop()
	if d.mon != nil {
		if frame.Success {
			d.mon.JobCompleted(nodeID)
		} else {
			d.mon.JobFailed(nodeID)
		}
	}
	entry.ch <- frame
}

// PendingCount 返回在途表规模，供状态接口展示。
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) + len(d.agentPending)
}

func (d *Dispatcher) takePending(runID string) (*pendingEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.pending[runID]
	if ok {
		delete(d.pending, runID)
	}
	return entry, ok
}

func (d *Dispatcher) removePending(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, runID)
}

func (d *Dispatcher) pickIdleNode(agentID string) (node.Record, bool) {
	if agentID != "" {
		if record, ok := d.registry.IdleNodeForAgent(agentID); ok {
			return record, true
		}
	}
	idle := d.registry.IdleNodes()
	if len(idle) == 0 {
		return node.Record{}, false
	}
	return idle[0], true
}

func (d *Dispatcher) pickIdleNodeWithCapability(capability string) (node.Record, bool) {
	for _, record := range d.registry.IdleNodes() {
		if record.HasCapability(capability) {
			return record, true
		}
	}
	return node.Record{}, false
}
