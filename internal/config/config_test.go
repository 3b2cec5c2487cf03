package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Mesh.Port != 8081 {
		t.Fatalf("unexpected ports: %+v", cfg.Server)
	}
	if cfg.Mesh.AuthDeadlineSeconds != 10 || cfg.Mesh.StaleAfterSeconds != 30 || cfg.Mesh.EvictAfterSeconds != 15 {
		t.Fatalf("unexpected mesh defaults: %+v", cfg.Mesh)
	}
	if cfg.Payments.QueryPriceUSDC != 0.10 || cfg.Payments.OrchestratorShare != 0.5 {
		t.Fatalf("unexpected payment defaults: %+v", cfg.Payments)
	}
	if cfg.Dispatch.MaxRetries != 3 || cfg.Dispatch.AgentJobTimeoutMs != 60000 {
		t.Fatalf("unexpected dispatch defaults: %+v", cfg.Dispatch)
	}
	if cfg.Catalogue.FallbackAgent != "general-assistant" {
		t.Fatalf("unexpected fallback agent: %s", cfg.Catalogue.FallbackAgent)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CONTROL_PLANE_HOST", "cp.internal")
	t.Setenv("CONTROL_PLANE_PORT", "9001")
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("NODE_SECRET", "env-secret")
	t.Setenv("X402_ENABLED", "true")
	t.Setenv("QUERY_PRICE_USDC", "0.25")
	t.Setenv("PLATFORM_WALLET", "0xPlatform")
	t.Setenv("ONCHAIN_DISTRIBUTION", "on")
	t.Setenv("DATA_DIR", "/tmp/agentmesh-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mesh.Addr() != "cp.internal:9001" {
		t.Fatalf("unexpected mesh addr: %s", cfg.Mesh.Addr())
	}
	if cfg.Server.Port != 9000 || cfg.Mesh.NodeSecret != "env-secret" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.Payments.Enabled || cfg.Payments.QueryPriceUSDC != 0.25 || !cfg.Payments.OnChain {
		t.Fatalf("payment overrides not applied: %+v", cfg.Payments)
	}
	if cfg.Runtime.DataDir != "/tmp/agentmesh-test" {
		t.Fatalf("data dir override not applied: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"server": {"port": 7070},
		"mesh": {"node_secret": "file-secret"},
		"runtime": {"data_dir": "state"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Mesh.NodeSecret != "file-secret" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	want := filepath.Join(filepath.Dir(path), "state")
	if cfg.Runtime.DataDir != want {
		t.Fatalf("relative data dir not resolved: %s", cfg.Runtime.DataDir)
	}
}

func TestValidateRequiresPlatformWallet(t *testing.T) {
	t.Setenv("X402_ENABLED", "1")

	if _, err := Load(""); err == nil {
		t.Fatalf("payments without platform wallet should be rejected")
	}
}
