package settle

import (
	"context"
	"strings"
	"sync"
)

// DepositInfo 描述一笔链上入金交易的核验结果。
type DepositInfo struct {
	From      string
	To        string
	Amount    float64
	Confirmed bool
}

// Backend 是链上结算的外部能力：入金核验与出金转账。
type Backend interface {
	VerifyDeposit(ctx context.Context, txID string) (DepositInfo, error)
	Transfer(ctx context.Context, address string, amount float64) (string, error)
}

// InternalBackend 在进程内记账模拟结算，用于未启用链上分发的部署与测试。
type InternalBackend struct {
	mu       sync.Mutex
	deposits map[string]DepositInfo
	wallets  map[string]float64
	sequence int
}

// NewInternalBackend 创建进程内结算后端。
func NewInternalBackend() *InternalBackend {
	return &InternalBackend{
		deposits: make(map[string]DepositInfo),
		wallets:  make(map[string]float64),
	}
}

// SeedDeposit 预置一笔可被核验的入金交易。
func (b *InternalBackend) SeedDeposit(txID string, info DepositInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deposits[strings.ToLower(txID)] = info
}

// VerifyDeposit 返回预置的入金信息。
func (b *InternalBackend) VerifyDeposit(_ context.Context, txID string) (DepositInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.deposits[strings.ToLower(txID)]
	if !ok {
		return DepositInfo{}, nil
	}
	return info, nil
}

// Transfer 在进程内钱包上累加金额。
func (b *InternalBackend) Transfer(_ context.Context, address string, amount float64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wallets[strings.ToLower(address)] += amount
	b.sequence++
	return internalTxID(b.sequence), nil
}

// WalletBalance 返回进程内钱包余额。
func (b *InternalBackend) WalletBalance(address string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wallets[strings.ToLower(address)]
}

func internalTxID(sequence int) string {
	const digits = "0123456789abcdef"
	id := make([]byte, 0, 16)
	for sequence > 0 {
		id = append([]byte{digits[sequence%16]}, id...)
		sequence /= 16
	}
	return "internal-0x" + string(id)
}

var _ Backend = (*InternalBackend)(nil)
