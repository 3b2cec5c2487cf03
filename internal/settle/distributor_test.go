package settle

import (
	"context"
	"errors"
	"testing"
)

type staticResolver map[string]string

func (r staticResolver) WalletFor(agentID string) string { return r[agentID] }

func TestDistributeSplitsShares(t *testing.T) {
	backend := NewInternalBackend()
	d := NewDistributor(backend, "0xPlatform",
		WithWalletResolver(staticResolver{
			"travel-planner": "0xTravel",
			"budget-planner": "0xBudget",
		}),
		WithTransferGap(0),
	)

	dist := d.Distribute(context.Background(), 0.10,
		[]string{"travel-planner", "budget-planner"}, "0xUser", "0xtx")

	if dist.OrchestratorAmount != 0.05 {
		t.Fatalf("unexpected orchestrator amount: %v", dist.OrchestratorAmount)
	}
	if len(dist.AgentPayments) != 2 {
		t.Fatalf("expected 2 agent payments, got %d", len(dist.AgentPayments))
	}
	for _, payment := range dist.AgentPayments {
		if payment.Amount != 0.025 || !payment.Success {
			t.Fatalf("unexpected payment: %+v", payment)
		}
	}
	if got := backend.WalletBalance("0xTravel"); got != 0.025 {
		t.Fatalf("agent wallet not credited: %v", got)
	}

	// 账本应包含用户支付、平台分成与两笔智能体分成。
	if len(dist.Transactions) != 4 {
		t.Fatalf("expected 4 component transactions, got %d", len(dist.Transactions))
	}
	if len(d.Distributions()) != 1 || len(d.Transactions()) != 4 {
		t.Fatalf("ledger snapshots inconsistent")
	}
}

func TestDistributeNoAgents(t *testing.T) {
	d := NewDistributor(NewInternalBackend(), "0xPlatform", WithTransferGap(0))
	dist := d.Distribute(context.Background(), 0.10, nil, "0xUser", "")
	if len(dist.AgentPayments) != 0 {
		t.Fatalf("unexpected agent payments: %+v", dist.AgentPayments)
	}
	if dist.OrchestratorAmount != 0.05 {
		t.Fatalf("unexpected orchestrator amount: %v", dist.OrchestratorAmount)
	}
}

type flakyBackend struct {
	*InternalBackend
	failFor string
}

func (b *flakyBackend) Transfer(ctx context.Context, address string, amount float64) (string, error) {
	if address == b.failFor {
		return "", errors.New("nonce too low")
	}
	return b.InternalBackend.Transfer(ctx, address, amount)
}

func TestDistributePartialFailureDoesNotRollBack(t *testing.T) {
	backend := &flakyBackend{InternalBackend: NewInternalBackend(), failFor: "agent:b"}
	d := NewDistributor(backend, "0xPlatform", WithOnChain(true), WithTransferGap(0))

	dist := d.Distribute(context.Background(), 1.00, []string{"a", "b", "c"}, "0xUser", "")

	if !dist.AgentPayments[0].Success || dist.AgentPayments[1].Success || !dist.AgentPayments[2].Success {
		t.Fatalf("unexpected payment outcomes: %+v", dist.AgentPayments)
	}
	if dist.AgentPayments[1].Error == "" {
		t.Fatalf("failure should carry the error message")
	}
	// 前后两笔成功的转账都保留。
	if backend.WalletBalance("agent:a") == 0 || backend.WalletBalance("agent:c") == 0 {
		t.Fatalf("successful transfers must not be rolled back")
	}
}
