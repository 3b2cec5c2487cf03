package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/settle"
	"AgentMesh-Chain/pkg/logger"
)

const (
	balancesFile = "balances.json"
	depositsFile = "processed-deposits.json"
)

// Deposit 是入金历史中的一条记录，只追加不修改。
type Deposit struct {
	TxID      string    `json:"txId"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// UserBalance 是单个钱包的预付费账户。
// 不变式：Balance == TotalDeposited - TotalSpent 且永不为负。
type UserBalance struct {
	Wallet         string    `json:"wallet"`
	Balance        float64   `json:"balance"`
	TotalDeposited float64   `json:"totalDeposited"`
	TotalSpent     float64   `json:"totalSpent"`
	DepositHistory []Deposit `json:"depositHistory,omitempty"`
	LastActivity   time.Time `json:"lastActivity"`
}

// Ledger 维护预付费余额与入金幂等集合，变更后落盘。
// 锁内只做内存变更，落盘在锁外完成，磁盘允许短暂落后于内存。
type Ledger struct {
	mu        sync.Mutex
	balances  map[string]*UserBalance
	processed map[string]struct{}

	persistMu      sync.Mutex
	dataDir        string
	platformWallet string
	backend        settle.Backend
	log            *slog.Logger
}

// Option 定义可选配置。
type Option func(*Ledger)

// WithBackend 配置入金核验所用的结算后端。
func WithBackend(backend settle.Backend) Option {
	return func(l *Ledger) {
		l.backend = backend
	}
}

// New 创建余额账本并从数据目录恢复历史状态。
func New(dataDir, platformWallet string, opts ...Option) (*Ledger, error) {
	if dataDir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据目录不能为空")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}

	l := &Ledger{
		balances:       make(map[string]*UserBalance),
		processed:      make(map[string]struct{}),
		dataDir:        dataDir,
		platformWallet: strings.ToLower(platformWallet),
		log:            logger.Named("ledger"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if err := l.restore(); err != nil {
		return nil, err
	}
	return l, nil
}

// GetBalance 返回钱包账户的副本；不存在时返回零值账户。
func (l *Ledger) GetBalance(wallet string) UserBalance {
	key := strings.ToLower(wallet)

	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.balances[key]
	if !ok {
		return UserBalance{Wallet: key}
	}
	return cloneBalance(account)
}

// GetOrCreate 返回钱包账户，必要时创建空账户。
func (l *Ledger) GetOrCreate(wallet string) UserBalance {
	key := strings.ToLower(wallet)

	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneBalance(l.getOrCreateLocked(key))
}

// HasEnough 判断余额是否足以支付指定金额。
func (l *Ledger) HasEnough(wallet string, amount float64) bool {
	return l.GetBalance(wallet).Balance >= amount
}

// Deduct 原子扣费：余额不足返回 false 且不产生任何变更；
// 成功时同步更新累计消费并落盘。
func (l *Ledger) Deduct(wallet string, amount float64) bool {
	if amount <= 0 {
		return false
	}
	key := strings.ToLower(wallet)

	l.mu.Lock()
	account, ok := l.balances[key]
	if !ok || account.Balance < amount {
		l.mu.Unlock()
		return false
	}
	account.Balance -= amount
	account.TotalSpent += amount
	account.LastActivity = time.Now()
	snapshot := l.balancesSnapshotLocked()
	l.mu.Unlock()

	l.persistBalances(snapshot)
	logger.Audit().Info("扣费成功",
		slog.String("wallet", key),
		slog.Float64("amount", amount),
	)
	return true
}

// Credit 向钱包入账并落盘；txID 非空时追加入金历史。
func (l *Ledger) Credit(wallet string, amount float64, txID string) {
	if amount <= 0 {
		return
	}
	key := strings.ToLower(wallet)

	l.mu.Lock()
	account := l.getOrCreateLocked(key)
	account.Balance += amount
	account.TotalDeposited += amount
	account.LastActivity = time.Now()
	if txID != "" {
		account.DepositHistory = append(account.DepositHistory, Deposit{
			TxID:      txID,
			Amount:    amount,
			Timestamp: time.Now(),
		})
	}
	snapshot := l.balancesSnapshotLocked()
	l.mu.Unlock()

	l.persistBalances(snapshot)
}

// VerifyAndCredit 核验链上入金交易并入账。
// 幂等性由已处理交易集合保证：同一 txID 至多入账一次。
func (l *Ledger) VerifyAndCredit(ctx context.Context, txID, expectedFrom string) (float64, error) {
	txKey := strings.ToLower(strings.TrimSpace(txID))
	if txKey == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "txHash 不能为空")
	}
	if l.backend == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "未配置结算后端")
	}

	l.mu.Lock()
	_, seen := l.processed[txKey]
	l.mu.Unlock()
	if seen {
		return 0, xerrors.New(xerrors.CodeDepositAlreadyProcessed, "deposit already processed")
	}

	info, err := l.backend.VerifyDeposit(ctx, txID)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeOnChainFailure, err, "核验入金交易失败")
	}
	if !info.Confirmed {
		return 0, xerrors.New(xerrors.CodeOnChainFailure, "交易尚未确认")
	}
	if info.Amount <= 0 {
		return 0, xerrors.New(xerrors.CodeOnChainFailure, "交易不包含有效的入金金额")
	}
	if l.platformWallet != "" && !strings.EqualFold(info.To, l.platformWallet) {
		return 0, xerrors.New(xerrors.CodeOnChainFailure, "交易收款方不是平台钱包")
	}
	if !strings.EqualFold(info.From, expectedFrom) {
		return 0, xerrors.New(xerrors.CodeDepositSenderMismatch,
			fmt.Sprintf("交易发送方 %s 与申报钱包不符", info.From))
	}

	walletKey := strings.ToLower(expectedFrom)

	l.mu.Lock()
	if _, seen := l.processed[txKey]; seen {
		l.mu.Unlock()
		return 0, xerrors.New(xerrors.CodeDepositAlreadyProcessed, "deposit already processed")
	}
	l.processed[txKey] = struct{}{}
	account := l.getOrCreateLocked(walletKey)
	account.Balance += info.Amount
	account.TotalDeposited += info.Amount
	account.LastActivity = time.Now()
	account.DepositHistory = append(account.DepositHistory, Deposit{
		TxID:      txKey,
		Amount:    info.Amount,
		Timestamp: time.Now(),
	})
	balances := l.balancesSnapshotLocked()
	deposits := l.depositsSnapshotLocked()
	l.mu.Unlock()

	l.persistBalances(balances)
	l.persistDeposits(deposits)

	logger.Audit().Info("入金已入账",
		slog.String("wallet", walletKey),
		slog.String("tx_id", txKey),
		slog.Float64("amount", info.Amount),
	)
	return info.Amount, nil
}

func (l *Ledger) getOrCreateLocked(key string) *UserBalance {
	account, ok := l.balances[key]
	if !ok {
		account = &UserBalance{Wallet: key, LastActivity: time.Now()}
		l.balances[key] = account
	}
	return account
}

func (l *Ledger) balancesSnapshotLocked() []UserBalance {
	snapshot := make([]UserBalance, 0, len(l.balances))
	for _, account := range l.balances {
		snapshot = append(snapshot, cloneBalance(account))
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Wallet < snapshot[j].Wallet })
	return snapshot
}

func (l *Ledger) depositsSnapshotLocked() []string {
	snapshot := make([]string, 0, len(l.processed))
	for txID := range l.processed {
		snapshot = append(snapshot, txID)
	}
	sort.Strings(snapshot)
	return snapshot
}

// restore 从磁盘恢复余额与已处理交易集合。
func (l *Ledger) restore() error {
	var balances []UserBalance
	if err := readJSON(filepath.Join(l.dataDir, balancesFile), &balances); err != nil {
		return err
	}
	for i := range balances {
		account := balances[i]
		l.balances[strings.ToLower(account.Wallet)] = &account
	}

	var deposits []string
	if err := readJSON(filepath.Join(l.dataDir, depositsFile), &deposits); err != nil {
		return err
	}
	for _, txID := range deposits {
		l.processed[strings.ToLower(txID)] = struct{}{}
	}
	return nil
}

func (l *Ledger) persistBalances(snapshot []UserBalance) {
	if err := l.writeFile(balancesFile, snapshot); err != nil {
		l.log.Error("余额落盘失败", slog.Any("error", err))
	}
}

func (l *Ledger) persistDeposits(snapshot []string) {
	if err := l.writeFile(depositsFile, snapshot); err != nil {
		l.log.Error("入金集合落盘失败", slog.Any("error", err))
	}
}

// writeFile 以临时文件加改名的方式落盘，保证崩溃后文件完整。
func (l *Ledger) writeFile(name string, value any) error {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化账本失败")
	}
	target := filepath.Join(l.dataDir, name)
	temp := target + ".tmp"
	if err := os.WriteFile(temp, encoded, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时文件失败")
	}
	if err := os.Rename(temp, target); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换账本文件失败")
	}
	return nil
}

func readJSON(path string, value any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账本文件失败")
	}
	if len(content) == 0 {
		return nil
	}
	if err := json.Unmarshal(content, value); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账本文件失败")
	}
	return nil
}

func cloneBalance(account *UserBalance) UserBalance {
	clone := *account
	clone.DepositHistory = append([]Deposit(nil), account.DepositHistory...)
	return clone
}
