package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/monitor"
	"AgentMesh-Chain/internal/node"
	"AgentMesh-Chain/internal/protocol"
)

// channelSender 把下发的帧送入 channel，供测试侧模拟节点行为。
type channelSender struct {
	mu     sync.Mutex
	frames chan protocol.Frame
	closed bool
}

func newChannelSender() *channelSender {
	return &channelSender{frames: make(chan protocol.Frame, 16)}
}

func (s *channelSender) Send(frame protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("channel closed")
	}
	s.frames <- frame
	return nil
}

func (s *channelSender) Close(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newTestRegistry(t *testing.T, sender node.Sender) *node.Registry {
	t.Helper()
	registry := node.NewRegistry()
	registry.Register("n1", sender, node.RegisterInfo{
		Capabilities: []string{"python-3.11", "tool:webSearch"},
		AgentTypes:   []string{"coder"},
	})
	return registry
}

func TestDispatchDeliversResult(t *testing.T) {
	sender := newChannelSender()
	registry := newTestRegistry(t, sender)
	mon := monitor.New()
	d := NewDispatcher(registry, WithMonitor(mon))

	go func() {
		frame := <-sender.frames
		assign := frame.(*protocol.JobAssign)
		d.HandleResult("n1", &protocol.JobResult{
			Envelope: protocol.Reply(protocol.TypeJobResult, assign.Header()),
			JobID:    assign.JobID,
			RunID:    assign.RunID,
			Status:   protocol.ResultSuccess,
			Output:   json.RawMessage(`"ok"`),
			Logs:     []string{"ran"},
			Metrics:  protocol.JobMetrics{StartTime: 1, EndTime: 2, DurationMs: 1},
		})
	}()

	result, err := d.Dispatch(context.Background(), json.RawMessage(`{"x":1}`), "coder", time.Second)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !result.Success || string(result.Output) != `"ok"` {
		t.Fatalf("unexpected result: %+v", result)
	}
	if counters := mon.Counters()["n1"]; counters.Completed != 1 {
		t.Fatalf("completed counter not bumped: %+v", counters)
	}
}

func TestDispatchTimesOut(t *testing.T) {
	sender := newChannelSender()
	registry := newTestRegistry(t, sender)
	d := NewDispatcher(registry)

	started := time.Now()
	_, err := d.Dispatch(context.Background(), nil, "", 60*time.Millisecond)
	if xerrors.CodeOf(err) != xerrors.CodeJobTimeout {
		t.Fatalf("expected JOB_TIMEOUT, got %v", err)
	}
	if elapsed := time.Since(started); elapsed < 50*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("timeout fired at unexpected time: %v", elapsed)
	}
}

func TestLateResultIsDiscarded(t *testing.T) {
	sender := newChannelSender()
	registry := newTestRegistry(t, sender)
	mon := monitor.New()
	d := NewDispatcher(registry, WithMonitor(mon))

	_, err := d.Dispatch(context.Background(), nil, "", 30*time.Millisecond)
	if xerrors.CodeOf(err) != xerrors.CodeJobTimeout {
		t.Fatalf("expected timeout first, got %v", err)
	}

	frame := (<-sender.frames).(*protocol.JobAssign)
	// 截止时间已经裁决过结果，迟到的应答必须被丢弃。
	d.HandleResult("n1", &protocol.JobResult{
		Envelope: protocol.Reply(protocol.TypeJobResult, frame.Header()),
		JobID:    frame.JobID,
		RunID:    frame.RunID,
		Status:   protocol.ResultSuccess,
	})
	if counters := mon.Counters()["n1"]; counters.Completed != 0 {
		t.Fatalf("late result should not count as completion: %+v", counters)
	}
}

func TestDispatchNoIdleNode(t *testing.T) {
	registry := node.NewRegistry()
	d := NewDispatcher(registry)

	_, err := d.Dispatch(context.Background(), nil, "", time.Second)
	if xerrors.CodeOf(err) != xerrors.CodeNoIdleNode {
		t.Fatalf("expected NO_IDLE_NODE, got %v", err)
	}
}

func TestDispatchToolRequiresCapability(t *testing.T) {
	sender := newChannelSender()
	registry := newTestRegistry(t, sender)
	d := NewDispatcher(registry)

	if _, err := d.DispatchTool(context.Background(), "imageGen", nil, 50*time.Millisecond); xerrors.CodeOf(err) != xerrors.CodeNoIdleNode {
		t.Fatalf("expected NO_IDLE_NODE for missing capability, got %v", err)
	}

	go func() {
		frame := (<-sender.frames).(*protocol.JobAssign)
		if frame.ToolCall == nil || frame.ToolCall.Tool != "webSearch" {
			panic("tool call missing from assignment")
		}
		d.HandleResult("n1", &protocol.JobResult{
			Envelope: protocol.Reply(protocol.TypeJobResult, frame.Header()),
			JobID:    frame.JobID,
			RunID:    frame.RunID,
			Status:   protocol.ResultSuccess,
			Output:   json.RawMessage(`["hit"]`),
		})
	}()

	result, err := d.DispatchTool(context.Background(), "webSearch", map[string]any{"q": "go"}, time.Second)
	if err != nil || !result.Success {
		t.Fatalf("tool dispatch failed: %v %+v", err, result)
	}
}

func TestRunnerDeadLettersAfterMaxRetries(t *testing.T) {
	sender := newChannelSender()
	registry := newTestRegistry(t, sender)
	queue := NewQueue()
	d := NewDispatcher(registry)
	runner := NewRunner(queue, d, registry)

	// 节点从不应答：三次超时后任务进入死信。
	_, err := runner.Execute(context.Background(), nil, "", 30*time.Millisecond)
	if xerrors.CodeOf(err) != xerrors.CodeDeadLetter {
		t.Fatalf("expected DEAD_LETTER, got %v", err)
	}

	letters := queue.DeadLetters()
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
	if letters[0].RetryCount != 3 || letters[0].LastError != "Exceeded max retries (3)" {
		t.Fatalf("unexpected dead letter: %+v", letters[0])
	}
}

func TestRunnerNoIdleNodes(t *testing.T) {
	registry := node.NewRegistry()
	queue := NewQueue()
	runner := NewRunner(queue, NewDispatcher(registry), registry)

	_, err := runner.Execute(context.Background(), nil, "", time.Second)
	if xerrors.CodeOf(err) != xerrors.CodeNoIdleNode {
		t.Fatalf("expected NO_IDLE_NODE, got %v", err)
	}
	if stats := queue.Stats(); stats.Pending != 0 {
		t.Fatalf("abandoned job still pending: %+v", stats)
	}
}

func TestContextMemoryPersistedAndReplayed(t *testing.T) {
	sender := newChannelSender()
	registry := newTestRegistry(t, sender)
	store := NewMemoryContextStore()
	d := NewDispatcher(registry, WithContextStore(store))

	go func() {
		frame := (<-sender.frames).(*protocol.JobAssign)
		d.HandleResult("n1", &protocol.JobResult{
			Envelope: protocol.Reply(protocol.TypeJobResult, frame.Header()),
			JobID:    frame.JobID,
			RunID:    frame.RunID,
			Status:   protocol.ResultSuccess,
			Memory:   json.RawMessage(`{"seen":1}`),
		})
	}()
	if _, err := d.Dispatch(context.Background(), nil, "coder", time.Second); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	// 第二次派发应携带上一次返回的记忆。
	done := make(chan json.RawMessage, 1)
	go func() {
		frame := (<-sender.frames).(*protocol.JobAssign)
		done <- frame.Context
		d.HandleResult("n1", &protocol.JobResult{
			Envelope: protocol.Reply(protocol.TypeJobResult, frame.Header()),
			JobID:    frame.JobID,
			RunID:    frame.RunID,
			Status:   protocol.ResultSuccess,
		})
	}()
	if _, err := d.Dispatch(context.Background(), nil, "coder", time.Second); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if memory := <-done; string(memory) != `{"seen":1}` {
		t.Fatalf("context memory not replayed: %s", memory)
	}
}
