package catalogue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStockCatalogue(t *testing.T) {
	c := Stock()
	if got := len(c.List()); got != 15 {
		t.Fatalf("expected 15 stock agents, got %d", got)
	}
	if _, ok := c.Get("general-assistant"); !ok {
		t.Fatalf("fallback agent missing")
	}
	for _, name := range []string{"currentTime", "calculate", "extractKeywords"} {
		if _, ok := c.LocalTool(name); !ok {
			t.Fatalf("local tool %s missing", name)
		}
	}
}

func TestMatchKeywords(t *testing.T) {
	c := Stock()
	matched := c.MatchKeywords("Plan a cheap trip to Tokyo")
	want := map[string]bool{"travel-planner": true, "budget-planner": true}
	for _, id := range matched {
		delete(want, id)
	}
	if len(want) != 0 {
		t.Fatalf("expected travel-planner and budget-planner, got %v", matched)
	}

	if matched := c.MatchKeywords("zzzz qqqq"); len(matched) != 0 {
		t.Fatalf("unexpected match: %v", matched)
	}
}

func TestCalculateTool(t *testing.T) {
	fn, _ := Stock().LocalTool("calculate")

	cases := map[string]float64{
		"1+2*3":     7,
		"10/4":      2.5,
		"100-20-30": 50,
		"2*3+4*5":   26,
	}
	for expression, want := range cases {
		got, err := fn(context.Background(), map[string]any{"expression": expression})
		if err != nil {
			t.Fatalf("%s: %v", expression, err)
		}
		if got.(float64) != want {
			t.Fatalf("%s: want %v, got %v", expression, want, got)
		}
	}

	for _, bad := range []string{"", "1++2", "1/0", "a+b"} {
		if _, err := fn(context.Background(), map[string]any{"expression": bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestLoadOverlay(t *testing.T) {
	c := Stock()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	content := `agents:
  - id: sommelier
    name: Sommelier
    description: Wine pairing advice.
    system_prompt: You are a sommelier.
    keywords: [wine, pairing]
  - id: coder
    name: Coder Override
    description: Replaced coder.
    system_prompt: override
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	if err := c.LoadOverlay(path); err != nil {
		t.Fatalf("load overlay: %v", err)
	}

	if got := len(c.List()); got != 16 {
		t.Fatalf("expected 16 agents after overlay, got %d", got)
	}
	if def, _ := c.Get("coder"); def.Name != "Coder Override" {
		t.Fatalf("overlay should replace existing definition, got %+v", def)
	}
}
