package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"AgentMesh-Chain/internal/protocol"
	"AgentMesh-Chain/pkg/logger"
)

const (
	defaultHeartbeat = 10 * time.Second
	defaultReconnect = 5 * time.Second
	authAckDeadline  = 15 * time.Second
)

// Config 描述工作节点的运行参数。
type Config struct {
	ServerURL         string
	NodeID            string
	Secret            string
	Capabilities      []string
	AgentTypes        []string
	Wallet            string
	Version           string
	Interpreter       string
	WorkDir           string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
}

// AgentRunner 在节点侧执行一次完整的智能体问答。
type AgentRunner interface {
	RunAgent(ctx context.Context, agentType, userQuery string, jobContext json.RawMessage) (string, []string, error)
}

// Worker 是工作节点运行时：向控制面发起连接、认证、
// 维持心跳，并在本地沙箱中执行派发来的任务。
type Worker struct {
	cfg     Config
	sandbox *Sandbox
	agents  AgentRunner
	log     *slog.Logger

	writeMu    sync.Mutex
	conn       *websocket.Conn
	activeJobs atomic.Int32
}

// Option 定义可选配置。
type Option func(*Worker)

// WithAgentRunner 配置节点侧的智能体执行器。
func WithAgentRunner(runner AgentRunner) Option {
	return func(w *Worker) {
		w.agents = runner
	}
}

// New 构造工作节点。
func New(cfg Config, opts ...Option) (*Worker, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("未配置控制面地址")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("未配置节点 ID")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnect
	}

	w := &Worker{
		cfg:     cfg,
		sandbox: NewSandbox(cfg.Interpreter, ResolveWorkDir(cfg.WorkDir)),
		log:     logger.Named("worker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Run 维持与控制面的连接，断开后按配置的间隔重连，
// 直到上下文取消。
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.connectAndServe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("连接中断，准备重连",
				slog.Any("error", err),
				slog.Duration("delay", w.cfg.ReconnectDelay),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.ReconnectDelay):
		}
	}
}

// connectAndServe 完成一次连接的全生命周期：认证、心跳、收帧。
func (w *Worker) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("连接控制面失败: %w", err)
	}
	defer conn.Close()

	w.writeMu.Lock()
	w.conn = conn
	w.writeMu.Unlock()

	interval, err := w.authenticate(conn)
	if err != nil {
		return err
	}
	w.log.Info("节点已接入控制面",
		slog.String("node_id", w.cfg.NodeID),
		slog.Duration("heartbeat", interval),
	)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeatLoop(serveCtx, interval)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取控制面帧失败: %w", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			w.log.Warn("收到无法解析的帧", slog.Any("error", err))
			continue
		}

		switch f := frame.(type) {
		case *protocol.JobAssign:
			go w.handleJob(serveCtx, f)
		case *protocol.AgentJob:
			go w.handleAgentJob(serveCtx, f)
		case *protocol.HeartbeatAck:
			// 心跳确认无需处理。
		case *protocol.ErrorFrame:
			w.log.Warn("控制面上报错误",
				slog.String("code", f.Code),
				slog.String("message", f.Message),
				slog.Bool("fatal", f.Fatal),
			)
			if f.Fatal {
				return fmt.Errorf("控制面致命错误: %s", f.Code)
			}
		default:
			w.log.Debug("忽略未预期的帧", slog.String("type", string(frame.Header().Type)))
		}
	}
}

// authenticate 发送 AUTH 并等待控制面的确认。
func (w *Worker) authenticate(conn *websocket.Conn) (time.Duration, error) {
	auth := &protocol.Auth{
		Envelope:     protocol.NewEnvelope(protocol.TypeAuth),
		NodeID:       w.cfg.NodeID,
		Capabilities: w.cfg.Capabilities,
		AgentTypes:   w.cfg.AgentTypes,
		Wallet:       w.cfg.Wallet,
		Specs: protocol.NodeSpecs{
			OS:             runtime.GOOS,
			Arch:           runtime.GOARCH,
			CPUCores:       runtime.NumCPU(),
			TotalMemoryGB:  totalMemoryGB(),
			RuntimeVersion: runtime.Version(),
		},
		Secret:  w.cfg.Secret,
		Version: w.cfg.Version,
	}
	if err := w.send(auth); err != nil {
		return 0, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(authAckDeadline))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("等待认证确认失败: %w", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return 0, fmt.Errorf("解析认证确认失败: %w", err)
	}
	ack, ok := frame.(*protocol.AuthAck)
	if !ok {
		if errFrame, isErr := frame.(*protocol.ErrorFrame); isErr {
			return 0, fmt.Errorf("认证被拒绝: %s", errFrame.Message)
		}
		return 0, fmt.Errorf("未预期的认证应答: %s", frame.Header().Type)
	}
	if !ack.Success {
		return 0, fmt.Errorf("认证被拒绝: %s", ack.Message)
	}

	interval := w.cfg.HeartbeatInterval
	if ack.HeartbeatIntervalMs > 0 {
		interval = time.Duration(ack.HeartbeatIntervalMs) * time.Millisecond
	}
	return interval, nil
}

// heartbeatLoop 周期性上报节点状态。
func (w *Worker) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := protocol.WorkerIdle
			if w.activeJobs.Load() > 0 {
				status = protocol.WorkerBusy
			}
			heartbeat := &protocol.Heartbeat{
				Envelope:    protocol.NewEnvelope(protocol.TypeHeartbeat),
				Status:      status,
				CPUUsage:    cpuEstimate(),
				MemoryUsage: memoryUsagePercent(),
				ActiveJobs:  int(w.activeJobs.Load()),
			}
			if err := w.send(heartbeat); err != nil {
				w.log.Warn("心跳发送失败", slog.Any("error", err))
				return
			}
		}
	}
}

// handleJob 执行一次 JOB_ASSIGN 并回传结果。
func (w *Worker) handleJob(ctx context.Context, assign *protocol.JobAssign) {
	w.activeJobs.Add(1)
	defer w.activeJobs.Add(-1)

	started := time.Now()
	if assign.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(assign.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result := &protocol.JobResult{
		Envelope: protocol.Reply(protocol.TypeJobResult, assign.Header()),
		JobID:    assign.JobID,
		RunID:    assign.RunID,
		Logs:     []string{},
	}

	var (
		sandboxResult *SandboxResult
		err           error
	)
	switch {
	case assign.ToolCall != nil:
		sandboxResult, err = w.executeTool(ctx, assign.ToolCall)
	case assign.Script != "":
		sandboxResult, err = w.sandbox.Run(ctx, assign.Script, assign.Input, assign.Context)
	default:
		err = fmt.Errorf("任务既没有脚本也没有工具调用")
	}

	finished := time.Now()
	result.Metrics = protocol.JobMetrics{
		StartTime:  started.UnixMilli(),
		EndTime:    finished.UnixMilli(),
		DurationMs: finished.Sub(started).Milliseconds(),
	}
	if sandboxResult != nil {
		result.Output = sandboxResult.Output
		result.Memory = sandboxResult.Memory
		if sandboxResult.Logs != nil {
			result.Logs = sandboxResult.Logs
		}
	}
	switch {
	case err == nil:
		result.Status = protocol.ResultSuccess
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = protocol.ResultTimeout
		result.Error = &protocol.JobError{Code: "TIMEOUT", Message: "job deadline exceeded"}
	default:
		result.Status = protocol.ResultError
		result.Error = &protocol.JobError{Code: "EXECUTION_FAILED", Message: err.Error()}
	}

	if sendErr := w.send(result); sendErr != nil {
		w.log.Warn("回传任务结果失败",
			slog.Any("error", sendErr),
			slog.String("job_id", assign.JobID),
		)
	}
}

// handleAgentJob 执行一次完整的智能体问答。
func (w *Worker) handleAgentJob(ctx context.Context, job *protocol.AgentJob) {
	w.activeJobs.Add(1)
	defer w.activeJobs.Add(-1)

	started := time.Now()
	result := &protocol.AgentJobResult{
		Envelope: protocol.Reply(protocol.TypeAgentJobResult, job.Header()),
		JobID:    job.JobID,
	}

	if w.agents == nil {
		result.Error = "agent runtime not configured"
	} else if response, toolsUsed, err := w.agents.RunAgent(ctx, job.AgentType, job.UserQuery, job.Context); err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		result.Response = response
		result.ToolsUsed = toolsUsed
	}

	finished := time.Now()
	result.Metrics = &protocol.JobMetrics{
		StartTime:  started.UnixMilli(),
		EndTime:    finished.UnixMilli(),
		DurationMs: finished.Sub(started).Milliseconds(),
	}
	if err := w.send(result); err != nil {
		w.log.Warn("回传智能体结果失败", slog.Any("error", err), slog.String("job_id", job.JobID))
	}
}

// executeTool 执行节点内置工具。
func (w *Worker) executeTool(ctx context.Context, call *protocol.ToolCall) (*SandboxResult, error) {
	fn, ok := builtinTools[call.Tool]
	if !ok {
		return nil, fmt.Errorf("节点不支持工具: %s", call.Tool)
	}
	output, err := fn(ctx, call.Params)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("序列化工具输出失败: %w", err)
	}
	return &SandboxResult{Output: encoded}, nil
}

// send 串行化对连接的写入。
func (w *Worker) send(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn == nil {
		return errors.New("连接尚未建立")
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func memoryUsagePercent() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.Sys == 0 {
		return 0
	}
	return float64(stats.HeapAlloc) / float64(stats.Sys) * 100
}

func totalMemoryGB() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.Sys) / (1 << 30)
}

func cpuEstimate() float64 {
	// 没有特权接口时用 goroutine 负载做粗略估计。
	return float64(runtime.NumGoroutine()) / float64(runtime.NumCPU()*100) * 100
}
