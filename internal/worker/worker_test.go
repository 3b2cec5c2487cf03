package worker

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AgentMesh-Chain/internal/dispatch"
	"AgentMesh-Chain/internal/mesh"
	"AgentMesh-Chain/internal/monitor"
	"AgentMesh-Chain/internal/node"
)

func TestSandboxRunStructuredOutput(t *testing.T) {
	sandbox := NewSandbox("sh", t.TempDir())
	script := `echo '{"output": {"answer": 42}, "memory": {"seen": true}}'
echo "progress line" >&2`

	result, err := sandbox.Run(context.Background(), script, json.RawMessage(`{"q":1}`), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(result.Output) != `{"answer": 42}` {
		t.Fatalf("unexpected output: %s", result.Output)
	}
	if string(result.Memory) != `{"seen": true}` {
		t.Fatalf("unexpected memory: %s", result.Memory)
	}
	if len(result.Logs) != 1 || result.Logs[0] != "progress line" {
		t.Fatalf("unexpected logs: %v", result.Logs)
	}
}

func TestSandboxRunPlainOutput(t *testing.T) {
	sandbox := NewSandbox("sh", t.TempDir())
	result, err := sandbox.Run(context.Background(), `echo hello`, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(result.Output) != `"hello"` {
		t.Fatalf("plain output should be JSON encoded: %s", result.Output)
	}
}

func TestSandboxRunFailure(t *testing.T) {
	sandbox := NewSandbox("sh", t.TempDir())
	if _, err := sandbox.Run(context.Background(), `exit 3`, nil, nil); err == nil {
		t.Fatalf("expected failure")
	}
}

// TestWorkerEndToEnd 打通节点接入、认证与任务派发的完整链路。
func TestWorkerEndToEnd(t *testing.T) {
	registry := node.NewRegistry()
	mon := monitor.New()
	dispatcher := dispatch.NewDispatcher(registry,
		dispatch.WithMonitor(mon),
		dispatch.WithScriptSource(staticScripts{"echo-agent": `echo '{"output": "done"}'`}),
	)
	// 心跳间隔拉长到测试窗口之外，节点指标保持注册时的空闲态。
	server := mesh.NewServer(mesh.Config{NodeSecret: "s3cret", HeartbeatInterval: 50 * time.Second},
		registry, dispatcher, mon)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	w, err := New(Config{
		ServerURL:    wsURL,
		NodeID:       "it-node",
		Secret:       "s3cret",
		Capabilities: append([]string{"sh"}, ToolCapabilities()...),
		Interpreter:  "sh",
		WorkDir:      t.TempDir(),
		Version:      "test",
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	// 等待节点完成认证注册。
	deadline := time.Now().Add(3 * time.Second)
	for registry.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	result, err := dispatcher.DispatchTool(ctx, "currentTime", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("dispatch tool: %v", err)
	}
	if !result.Success || len(result.Output) == 0 {
		t.Fatalf("unexpected tool result: %+v", result)
	}

	// 通过脚本派发验证沙箱链路与 runId 关联。
	scriptResult, err := dispatcher.Dispatch(ctx, json.RawMessage(`{"goal":"echo"}`), "echo-agent", 2*time.Second)
	if err != nil {
		t.Fatalf("dispatch script: %v", err)
	}
	if !scriptResult.Success || string(scriptResult.Output) != `"done"` {
		t.Fatalf("unexpected script result: %+v", scriptResult)
	}
	if counters := mon.Counters()["it-node"]; counters.Completed != 2 {
		t.Fatalf("expected 2 completed jobs, got %+v", counters)
	}
}

type staticScripts map[string]string

func (s staticScripts) ScriptFor(agentID string) (string, bool) {
	script, ok := s[agentID]
	return script, ok
}
