package node

import (
	"testing"
	"time"

	"AgentMesh-Chain/internal/protocol"
)

type fakeSender struct {
	closed bool
	reason string
}

func (f *fakeSender) Send(protocol.Frame) error { return nil }

func (f *fakeSender) Close(reason string) error {
	f.closed = true
	f.reason = reason
	return nil
}

func TestRegisterReplacesExistingChannel(t *testing.T) {
	registry := NewRegistry()
	first := &fakeSender{}
	second := &fakeSender{}

	if replaced := registry.Register("n1", first, RegisterInfo{Version: "1.0"}); replaced != nil {
		t.Fatalf("unexpected replaced channel on first register")
	}
	replaced := registry.Register("n1", second, RegisterInfo{Version: "1.1"})
	if replaced != first {
		t.Fatalf("expected first channel to be replaced")
	}

	ch, ok := registry.ChannelOf("n1")
	if !ok || ch != second {
		t.Fatalf("expected second channel bound to n1")
	}
	if id, ok := registry.FindByChannel(first); ok {
		t.Fatalf("stale channel still resolves to %s", id)
	}
	if registry.Count() != 1 {
		t.Fatalf("expected exactly one record, got %d", registry.Count())
	}
}

func TestUpdateHeartbeatUnknownNode(t *testing.T) {
	registry := NewRegistry()
	if registry.UpdateHeartbeat("ghost", Metrics{}) {
		t.Fatalf("heartbeat for unknown node should return false")
	}
}

func TestIdleNodeSelection(t *testing.T) {
	registry := NewRegistry()
	registry.Register("busy", &fakeSender{}, RegisterInfo{AgentTypes: []string{"coder"}})
	registry.Register("idle-b", &fakeSender{}, RegisterInfo{AgentTypes: []string{"coder"}})
	registry.Register("idle-a", &fakeSender{}, RegisterInfo{Capabilities: []string{"tool:webSearch"}})

	if !registry.UpdateHeartbeat("busy", Metrics{ActiveJobs: 2}) {
		t.Fatalf("heartbeat update failed")
	}

	idle := registry.IdleNodes()
	if len(idle) != 2 || idle[0].ID != "idle-a" || idle[1].ID != "idle-b" {
		t.Fatalf("unexpected idle nodes: %+v", idle)
	}

	record, ok := registry.IdleNodeForAgent("coder")
	if !ok || record.ID != "idle-b" {
		t.Fatalf("expected idle-b for agent coder, got %+v", record)
	}

	withCap := registry.NodesWithCapability("tool:webSearch")
	if len(withCap) != 1 || withCap[0].ID != "idle-a" {
		t.Fatalf("unexpected capability match: %+v", withCap)
	}
}

func TestSweepStaleMarksThenEvicts(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{}
	registry.Register("n1", sender, RegisterInfo{})

	// 心跳静默不足阈值时不做任何事。
	if evicted := registry.SweepStale(time.Hour, time.Hour); len(evicted) != 0 {
		t.Fatalf("unexpected eviction: %+v", evicted)
	}

	if evicted := registry.SweepStale(0, time.Hour); len(evicted) != 0 {
		t.Fatalf("stale marking should not evict yet")
	}
	record, ok := registry.Get("n1")
	if !ok || record.Status != StatusStale {
		t.Fatalf("expected STALE status, got %+v", record)
	}

	evicted := registry.SweepStale(0, 0)
	if len(evicted) != 1 || evicted[0].NodeID != "n1" || evicted[0].Sender != sender {
		t.Fatalf("unexpected eviction result: %+v", evicted)
	}
	if _, ok := registry.Get("n1"); ok {
		t.Fatalf("node should be gone after eviction")
	}
}

func TestHeartbeatRevivesStaleNode(t *testing.T) {
	registry := NewRegistry()
	registry.Register("n1", &fakeSender{}, RegisterInfo{})
	registry.SweepStale(0, time.Hour)

	if !registry.UpdateHeartbeat("n1", Metrics{CPUPercent: 5}) {
		t.Fatalf("heartbeat update failed")
	}
	record, _ := registry.Get("n1")
	if record.Status != StatusOnline {
		t.Fatalf("expected node back ONLINE, got %s", record.Status)
	}
}
