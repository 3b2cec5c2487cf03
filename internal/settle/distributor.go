package settle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/observability/alerting"
	"AgentMesh-Chain/pkg/logger"
)

const (
	defaultOrchestratorShare = 0.5
	defaultTransferGap       = 200 * time.Millisecond
)

// TxKind 区分账本中的交易类别。
type TxKind string

const (
	TxUserPayment       TxKind = "user-payment"
	TxOrchestratorShare TxKind = "orchestrator-share"
	TxAgentShare        TxKind = "agent-share"
)

// Transaction 是分账账本中的一条组成交易。
type Transaction struct {
	ID           string    `json:"id"`
	Kind         TxKind    `json:"kind"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Amount       float64   `json:"amount"`
	ExternalTxID string    `json:"externalTxId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AgentPayment 记录对单个智能体的分账结果。
type AgentPayment struct {
	AgentID      string  `json:"agentId"`
	Address      string  `json:"address"`
	Amount       float64 `json:"amount"`
	ExternalTxID string  `json:"externalTxId,omitempty"`
	Success      bool    `json:"success"`
	Error        string  `json:"error,omitempty"`
}

// Distribution 汇总一次查询成功后的全部分账。
type Distribution struct {
	ID                 string         `json:"id"`
	TotalAmount        float64        `json:"totalAmount"`
	OrchestratorAmount float64        `json:"orchestratorAmount"`
	AgentPayments      []AgentPayment `json:"agentPayments"`
	Transactions       []Transaction  `json:"transactions"`
	OnChain            bool           `json:"onChain"`
	Timestamp          time.Time      `json:"timestamp"`
}

// WalletResolver 将智能体 ID 解析为收款地址。
type WalletResolver interface {
	WalletFor(agentID string) string
}

// Distributor 在查询成功扣费后把费用拆分给平台与参与的智能体。
// 单个智能体的转账失败只被记录，既不回滚此前的转账也不退款。
type Distributor struct {
	mu            sync.Mutex
	distributions []Distribution
	transactions  []Transaction

	backend           Backend
	resolver          WalletResolver
	alerter           alerting.Dispatcher
	platformWallet    string
	orchestratorShare float64
	agentShare        float64
	onChain           bool
	transferGap       time.Duration
	log               *slog.Logger
}

// DistributorOption 定义可选配置。
type DistributorOption func(*Distributor)

// WithShares 设置平台与智能体的分成比例。
func WithShares(orchestrator, agent float64) DistributorOption {
	return func(d *Distributor) {
		if orchestrator > 0 {
			d.orchestratorShare = orchestrator
		}
		if agent > 0 {
			d.agentShare = agent
		}
	}
}

// WithOnChain 启用链上分发模式。
func WithOnChain(onChain bool) DistributorOption {
	return func(d *Distributor) {
		d.onChain = onChain
	}
}

// WithWalletResolver 配置智能体收款地址的解析来源。
func WithWalletResolver(resolver WalletResolver) DistributorOption {
	return func(d *Distributor) {
		d.resolver = resolver
	}
}

// WithAlerter 配置告警派发器。
func WithAlerter(alerter alerting.Dispatcher) DistributorOption {
	return func(d *Distributor) {
		d.alerter = alerter
	}
}

// WithTransferGap 设置链上转账之间的间隔（nonce 卫生）。
func WithTransferGap(gap time.Duration) DistributorOption {
	return func(d *Distributor) {
		if gap >= 0 {
			d.transferGap = gap
		}
	}
}

// NewDistributor 构造分账器。
func NewDistributor(backend Backend, platformWallet string, opts ...DistributorOption) *Distributor {
	d := &Distributor{
		backend:           backend,
		platformWallet:    platformWallet,
		orchestratorShare: defaultOrchestratorShare,
		transferGap:       defaultTransferGap,
		log:               logger.Named("settle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.agentShare <= 0 {
		d.agentShare = 1 - d.orchestratorShare
	}
	return d
}

// Distribute 执行一次分账并返回完整记录。
// 仅应在对应查询成功且扣费返回 true 之后调用。
func (d *Distributor) Distribute(ctx context.Context, total float64, agentIDs []string, userWallet, userTxID string) Distribution {
	now := time.Now()
	orchestratorAmount := total * d.orchestratorShare
	perAgent := 0.0
	if len(agentIDs) > 0 {
		perAgent = total * d.agentShare / float64(len(agentIDs))
	}

	dist := Distribution{
		ID:                 uuid.NewString(),
		TotalAmount:        total,
		OrchestratorAmount: orchestratorAmount,
		OnChain:            d.onChain,
		Timestamp:          now,
	}
	dist.Transactions = append(dist.Transactions,
		Transaction{
			ID:           uuid.NewString(),
			Kind:         TxUserPayment,
			From:         userWallet,
			To:           d.platformWallet,
			Amount:       total,
			ExternalTxID: userTxID,
			Timestamp:    now,
		},
		Transaction{
			ID:        uuid.NewString(),
			Kind:      TxOrchestratorShare,
			From:      d.platformWallet,
			To:        d.platformWallet,
			Amount:    orchestratorAmount,
			Timestamp: now,
		},
	)

	for i, agentID := range agentIDs {
		payment := AgentPayment{
			AgentID: agentID,
			Address: d.walletFor(agentID),
			Amount:  perAgent,
		}
		if d.onChain && i > 0 {
			// 串行转账之间留出间隔，避免 nonce 冲突。
			select {
			case <-ctx.Done():
			case <-time.After(d.transferGap):
			}
		}
		txID, err := d.backend.Transfer(ctx, payment.Address, perAgent)
		if err != nil {
			payment.Error = err.Error()
			d.log.Error("智能体分账转账失败",
				slog.Any("error", err),
				slog.String("agent_id", agentID),
				slog.Float64("amount", perAgent),
			)
			d.alertFailure(ctx, agentID, err)
		} else {
			payment.Success = true
			payment.ExternalTxID = txID
		}
		dist.AgentPayments = append(dist.AgentPayments, payment)
		dist.Transactions = append(dist.Transactions, Transaction{
			ID:           uuid.NewString(),
			Kind:         TxAgentShare,
			From:         d.platformWallet,
			To:           payment.Address,
			Amount:       perAgent,
			ExternalTxID: payment.ExternalTxID,
			Timestamp:    time.Now(),
		})
	}

	d.mu.Lock()
	d.distributions = append(d.distributions, dist)
	d.transactions = append(d.transactions, dist.Transactions...)
	d.mu.Unlock()

	logger.Audit().Info("分账完成",
		slog.String("distribution_id", dist.ID),
		slog.Float64("total", total),
		slog.Int("agents", len(agentIDs)),
		slog.Bool("on_chain", d.onChain),
	)
	return dist
}

// Distributions 返回全部分账记录的快照。
func (d *Distributor) Distributions() []Distribution {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Distribution(nil), d.distributions...)
}

// Transactions 返回账本全部交易的快照。
func (d *Distributor) Transactions() []Transaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Transaction(nil), d.transactions...)
}

func (d *Distributor) walletFor(agentID string) string {
	if d.resolver != nil {
		if address := d.resolver.WalletFor(agentID); address != "" {
			return address
		}
	}
	return "agent:" + agentID
}

func (d *Distributor) alertFailure(ctx context.Context, agentID string, cause error) {
	if d.alerter == nil {
		return
	}
	event := alerting.NewEvent(xerrors.CodeOnChainFailure, cause)
	event.Metadata = map[string]string{"agent_id": agentID}
	if err := d.alerter.Notify(ctx, event); err != nil {
		d.log.Warn("告警通知失败", slog.Any("error", err))
	}
}
