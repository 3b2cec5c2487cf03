package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"AgentMesh-Chain/internal/catalogue"
	"AgentMesh-Chain/internal/dispatch"
	"AgentMesh-Chain/internal/ledger"
	"AgentMesh-Chain/internal/monitor"
	"AgentMesh-Chain/internal/node"
	"AgentMesh-Chain/internal/orchestrator"
	"AgentMesh-Chain/internal/settle"
	"AgentMesh-Chain/internal/store"
)

type stubIntent struct {
	agents []string
}

func (s *stubIntent) SelectAgents(context.Context, string, []catalogue.Definition) (orchestrator.IntentResult, error) {
	return orchestrator.IntentResult{Agents: s.agents, Reasoning: "stub"}, nil
}

type stubTools struct {
	fail bool
}

func (s *stubTools) PlanCalls(context.Context, catalogue.Definition, string) ([]orchestrator.PlannedCall, error) {
	return nil, nil
}

func (s *stubTools) Summarize(_ context.Context, def catalogue.Definition, _ string, _ []orchestrator.ToolResult) (string, error) {
	if s.fail {
		return "", errors.New("planner down")
	}
	return def.ID + " summary", nil
}

func (s *stubTools) Aggregate(_ context.Context, _ string, summaries []orchestrator.AgentSummary) (string, error) {
	return fmt.Sprintf("merged %d", len(summaries)), nil
}

type testEnv struct {
	server  *httptest.Server
	ledger  *ledger.Ledger
	dist    *settle.Distributor
	backend *settle.InternalBackend
}

func newTestEnv(t *testing.T, agents []string, toolsFail bool) *testEnv {
	t.Helper()

	registry := node.NewRegistry()
	queue := dispatch.NewQueue()
	dispatcher := dispatch.NewDispatcher(registry)
	runner := dispatch.NewRunner(queue, dispatcher, registry)
	cat := catalogue.Stock()

	backend := settle.NewInternalBackend()
	ledgerStore, err := ledger.New(t.TempDir(), "0xPlatform", ledger.WithBackend(backend))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	dist := settle.NewDistributor(backend, "0xPlatform",
		settle.WithWalletResolver(cat), settle.WithTransferGap(0))

	orch := orchestrator.New(cat, &stubIntent{agents: agents}, &stubTools{fail: toolsFail})

	server := NewServer(":0", Deps{
		Registry:     registry,
		Queue:        queue,
		Dispatcher:   dispatcher,
		Runner:       runner,
		Orchestrator: orch,
		Ledger:       ledgerStore,
		Distributor:  dist,
		Catalogue:    cat,
		AgentStore:   store.NewMemoryStore(),
		Monitor:      monitor.New(),
		Payments:     PaymentPolicy{Enabled: true, QueryPrice: 0.10},
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, ledger: ledgerStore, dist: dist, backend: backend}
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestChatHappyPathChargesAndDistributes(t *testing.T) {
	env := newTestEnv(t, []string{"travel-planner", "budget-planner"}, false)
	env.ledger.Credit("0xUser", 1.00, "")

	resp, body := postJSON(t, env.server.URL+"/api/chat",
		map[string]string{"message": "Plan a cheap trip to Tokyo"},
		map[string]string{"X-Wallet-Address": "0xUser"})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d %v", resp.StatusCode, body)
	}
	if body["charged"] != true || body["success"] != true {
		t.Fatalf("expected charged success response: %v", body)
	}
	if got := env.ledger.GetBalance("0xUser").Balance; got != 0.90 {
		t.Fatalf("balance after charge: %v", got)
	}

	distributions := env.dist.Distributions()
	if len(distributions) != 1 {
		t.Fatalf("expected one distribution, got %d", len(distributions))
	}
	dist := distributions[0]
	if dist.OrchestratorAmount != 0.05 || len(dist.AgentPayments) != 2 {
		t.Fatalf("unexpected distribution: %+v", dist)
	}
	for _, payment := range dist.AgentPayments {
		if payment.Amount != 0.025 {
			t.Fatalf("unexpected agent payment: %+v", payment)
		}
	}
}

func TestChatInsufficientBalance(t *testing.T) {
	env := newTestEnv(t, []string{"travel-planner"}, false)
	env.ledger.Credit("0xUser", 0.05, "")

	resp, body := postJSON(t, env.server.URL+"/api/chat",
		map[string]string{"message": "hello"},
		map[string]string{"X-Wallet-Address": "0xUser"})

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if body["required"].(float64) != 0.10 || body["currentBalance"].(float64) != 0.05 {
		t.Fatalf("unexpected 402 payload: %v", body)
	}
	if got := env.ledger.GetBalance("0xUser").Balance; got != 0.05 {
		t.Fatalf("balance must be unchanged: %v", got)
	}
}

func TestChatAllAgentsErrorNotCharged(t *testing.T) {
	env := newTestEnv(t, []string{"coder", "writer"}, true)
	env.ledger.Credit("0xUser", 1.00, "")

	resp, body := postJSON(t, env.server.URL+"/api/chat",
		map[string]string{"message": "hello"},
		map[string]string{"X-Wallet-Address": "0xUser"})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if body["success"] != false || body["charged"] != false {
		t.Fatalf("all-error query must be uncharged and unsuccessful: %v", body)
	}
	if got := env.ledger.GetBalance("0xUser").Balance; got != 1.00 {
		t.Fatalf("failed query must not charge: %v", got)
	}
	if len(env.dist.Distributions()) != 0 {
		t.Fatalf("no distribution may be recorded for failed query")
	}
}

func TestRunWithoutNodesReturns503(t *testing.T) {
	env := newTestEnv(t, nil, false)

	resp, body := postJSON(t, env.server.URL+"/api/run",
		map[string]any{"input": map[string]string{"goal": "x"}}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %v", resp.StatusCode, body)
	}
	if body["success"] != false {
		t.Fatalf("unexpected payload: %v", body)
	}
}

func TestDepositAndReplay(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.backend.SeedDeposit("0xabc", settle.DepositInfo{
		From: "0xUser", To: "0xPlatform", Amount: 1.00, Confirmed: true,
	})

	resp, body := postJSON(t, env.server.URL+"/api/deposit",
		map[string]string{"txHash": "0xabc", "wallet": "0xUser"}, nil)
	if resp.StatusCode != http.StatusOK || body["deposited"].(float64) != 1.00 {
		t.Fatalf("deposit failed: %d %v", resp.StatusCode, body)
	}

	resp, body = postJSON(t, env.server.URL+"/api/deposit",
		map[string]string{"txHash": "0xabc", "wallet": "0xUser"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("replay should be rejected: %d %v", resp.StatusCode, body)
	}
	if got := env.ledger.GetBalance("0xUser").Balance; got != 1.00 {
		t.Fatalf("replay changed balance: %v", got)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.ledger.Credit("0xUser", 0.55, "")

	resp, body := getJSON(t, env.server.URL+"/api/balance?wallet=0xUser")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if body["balance"].(float64) != 0.55 || body["queriesRemaining"].(float64) != 5 {
		t.Fatalf("unexpected balance payload: %v", body)
	}
}

func TestAgentCRUD(t *testing.T) {
	env := newTestEnv(t, nil, false)

	resp, _ := postJSON(t, env.server.URL+"/api/agents", map[string]any{
		"id":           "sommelier",
		"name":         "Sommelier",
		"description":  "Wine advice",
		"systemPrompt": "You are a sommelier.",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent: %d", resp.StatusCode)
	}

	resp, body := getJSON(t, env.server.URL+"/api/agents/sommelier")
	if resp.StatusCode != http.StatusOK || body["id"] != "sommelier" {
		t.Fatalf("get agent: %d %v", resp.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/api/agents/sommelier", nil)
	deleteResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	deleteResp.Body.Close()
	if deleteResp.StatusCode != http.StatusOK {
		t.Fatalf("delete agent: %d", deleteResp.StatusCode)
	}

	resp, _ = getJSON(t, env.server.URL+"/api/agents/sommelier")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t, nil, false)

	if resp, body := getJSON(t, env.server.URL+"/health"); resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
	if resp, body := getJSON(t, env.server.URL+"/api/status"); resp.StatusCode != http.StatusOK || body["agents"].(float64) != 15 {
		t.Fatalf("status: %d %v", resp.StatusCode, body)
	}
}
