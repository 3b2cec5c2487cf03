package mesh

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"AgentMesh-Chain/internal/monitor"
	"AgentMesh-Chain/internal/node"
	"AgentMesh-Chain/internal/protocol"
)

type nopRouter struct{}

func (nopRouter) HandleResult(string, *protocol.JobResult)           {}
func (nopRouter) HandleAgentResult(string, *protocol.AgentJobResult) {}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server, *node.Registry) {
	t.Helper()
	registry := node.NewRegistry()
	server := NewServer(cfg, registry, nopRouter{}, monitor.New())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts, registry
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return frame
}

func TestAuthSuccessAndHeartbeat(t *testing.T) {
	_, ts, registry := newTestServer(t, Config{NodeSecret: "s3cret", HeartbeatInterval: 7 * time.Second})
	conn := dial(t, ts)

	auth := &protocol.Auth{
		Envelope:     protocol.NewEnvelope(protocol.TypeAuth),
		NodeID:       "node-1",
		Capabilities: []string{"python-3.11"},
		Secret:       "s3cret",
		Version:      "1.0.0",
	}
	sendFrame(t, conn, auth)

	ack, ok := readFrame(t, conn).(*protocol.AuthAck)
	if !ok || !ack.Success {
		t.Fatalf("expected successful auth ack, got %+v", ack)
	}
	if ack.TraceID != auth.TraceID {
		t.Fatalf("auth ack must echo trace id")
	}
	if ack.HeartbeatIntervalMs != 7000 {
		t.Fatalf("unexpected heartbeat interval: %d", ack.HeartbeatIntervalMs)
	}

	hb := &protocol.Heartbeat{
		Envelope:   protocol.NewEnvelope(protocol.TypeHeartbeat),
		Status:     protocol.WorkerIdle,
		CPUUsage:   10,
		ActiveJobs: 0,
	}
	sendFrame(t, conn, hb)

	hbAck, ok := readFrame(t, conn).(*protocol.HeartbeatAck)
	if !ok || !hbAck.Received {
		t.Fatalf("expected heartbeat ack, got %+v", hbAck)
	}
	if hbAck.TraceID != hb.TraceID {
		t.Fatalf("heartbeat ack must echo trace id")
	}

	record, found := registry.Get("node-1")
	if !found || record.Status != node.StatusOnline || record.Metrics.CPUPercent != 10 {
		t.Fatalf("registry not updated: %+v", record)
	}
}

func TestAuthDenied(t *testing.T) {
	_, ts, registry := newTestServer(t, Config{NodeSecret: "s3cret"})
	conn := dial(t, ts)

	sendFrame(t, conn, &protocol.Auth{
		Envelope: protocol.NewEnvelope(protocol.TypeAuth),
		NodeID:   "node-1",
		Secret:   "wrong",
	})

	ack, ok := readFrame(t, conn).(*protocol.AuthAck)
	if !ok || ack.Success {
		t.Fatalf("expected denial, got %+v", ack)
	}
	if ack.Message != "Invalid credentials" {
		t.Fatalf("unexpected denial message: %s", ack.Message)
	}
	if registry.Count() != 0 {
		t.Fatalf("denied node must not be registered")
	}
}

func TestAuthDeadline(t *testing.T) {
	_, ts, _ := newTestServer(t, Config{NodeSecret: "s3cret", AuthDeadline: 50 * time.Millisecond})
	conn := dial(t, ts)

	// 不发送任何帧，等待认证超时。
	errFrame, ok := readFrame(t, conn).(*protocol.ErrorFrame)
	if !ok {
		t.Fatalf("expected error frame")
	}
	if errFrame.Code != "AUTH_TIMEOUT" || !errFrame.Fatal {
		t.Fatalf("unexpected error frame: %+v", errFrame)
	}
}

func TestMalformedFrameIsNonFatal(t *testing.T) {
	_, ts, _ := newTestServer(t, Config{NodeSecret: "s3cret"})
	conn := dial(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	errFrame, ok := readFrame(t, conn).(*protocol.ErrorFrame)
	if !ok || errFrame.Fatal {
		t.Fatalf("expected non-fatal error frame, got %+v", errFrame)
	}

	// 连接仍然可用，继续完成认证。
	sendFrame(t, conn, &protocol.Auth{
		Envelope: protocol.NewEnvelope(protocol.TypeAuth),
		NodeID:   "node-1",
		Secret:   "s3cret",
	})
	if ack, ok := readFrame(t, conn).(*protocol.AuthAck); !ok || !ack.Success {
		t.Fatalf("auth after malformed frame failed: %+v", ack)
	}
}

func TestReRegisterReplacesChannel(t *testing.T) {
	_, ts, registry := newTestServer(t, Config{NodeSecret: "s3cret"})

	first := dial(t, ts)
	sendFrame(t, first, &protocol.Auth{
		Envelope: protocol.NewEnvelope(protocol.TypeAuth),
		NodeID:   "node-1",
		Secret:   "s3cret",
	})
	if ack, ok := readFrame(t, first).(*protocol.AuthAck); !ok || !ack.Success {
		t.Fatalf("first auth failed: %+v", ack)
	}

	second := dial(t, ts)
	sendFrame(t, second, &protocol.Auth{
		Envelope: protocol.NewEnvelope(protocol.TypeAuth),
		NodeID:   "node-1",
		Secret:   "s3cret",
	})
	if ack, ok := readFrame(t, second).(*protocol.AuthAck); !ok || !ack.Success {
		t.Fatalf("second auth failed: %+v", ack)
	}

	// 注册表中仍然只有一个 node-1。
	if registry.Count() != 1 {
		t.Fatalf("expected single registration, got %d", registry.Count())
	}
}
