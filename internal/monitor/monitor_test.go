package monitor

import (
	"fmt"
	"testing"
)

func TestLogRingEvictsOldestFirst(t *testing.T) {
	m := NewWithCapacity(3)
	for i := 0; i < 5; i++ {
		m.Log("info", "test", fmt.Sprintf("msg-%d", i), "", "")
	}

	logs := m.Logs()
	if len(logs) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(logs))
	}
	for i, entry := range logs {
		want := fmt.Sprintf("msg-%d", i+2)
		if entry.Message != want {
			t.Fatalf("entry %d: want %s, got %s", i, want, entry.Message)
		}
	}
}

func TestConnectionHistory(t *testing.T) {
	m := New()
	m.RecordConnected("n1")
	m.RecordDisconnected("n1", "peer closed")

	history := m.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 events, got %d", len(history))
	}
	if history[0].Event != EventConnected || history[1].Event != EventDisconnected {
		t.Fatalf("unexpected event order: %+v", history)
	}
	if history[1].Reason != "peer closed" {
		t.Fatalf("missing disconnect reason")
	}
}

func TestNodeCounters(t *testing.T) {
	m := New()
	m.JobCompleted("n1")
	m.JobCompleted("n1")
	m.JobFailed("n1")
	m.JobFailed("")

	counters := m.Counters()
	if c := counters["n1"]; c.Completed != 2 || c.Failed != 1 {
		t.Fatalf("unexpected counters: %+v", c)
	}
	if _, ok := counters[""]; ok {
		t.Fatalf("empty node id should not be counted")
	}
}
