package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentMesh-Chain/internal/settle"
)

// transferTopic 是 ERC-20 Transfer(address,address,uint256) 事件的主题哈希。
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// transferSelector 是 ERC-20 transfer(address,uint256) 的函数选择器。
var transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// Config 描述构造链上结算后端所需的信息。
type Config struct {
	RPCURL        string
	TokenAddress  string
	PrivateKeyHex string
	Confirmations uint64
}

// Backend 通过以太坊兼容链实现入金核验与出金转账。
type Backend struct {
	mu        sync.Mutex
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	token     common.Address
	key       *ecdsa.PrivateKey
	sender    common.Address
	confirms  uint64
	chainID   *big.Int
}

// NewBackend 连接配置的 RPC 节点并返回可用的结算后端。
func NewBackend(ctx context.Context, cfg Config) (*Backend, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置结算 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	backend := &Backend{
		rpcClient: rpcClient,
		eth:       eth,
		token:     common.HexToAddress(cfg.TokenAddress),
		confirms:  cfg.Confirmations,
		chainID:   chainID,
	}
	if backend.confirms == 0 {
		backend.confirms = 1
	}

	if keyHex := strings.TrimSpace(cfg.PrivateKeyHex); keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("解析结算私钥失败: %w", err)
		}
		backend.key = key
		backend.sender = crypto.PubkeyToAddress(key.PublicKey)
	}
	return backend, nil
}

// Close 释放网络连接。
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eth != nil {
		b.eth.Close()
		b.eth = nil
	}
	b.rpcClient = nil
}

// VerifyDeposit 核验一笔入金交易：要求已上链且成功，并解析
// 其代币转账（或原生转账）的发送方、收款方与金额。
func (b *Backend) VerifyDeposit(ctx context.Context, txID string) (settle.DepositInfo, error) {
	if b == nil || b.eth == nil {
		return settle.DepositInfo{}, errors.New("未初始化的结算后端")
	}
	hash := common.HexToHash(txID)

	receipt, err := b.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return settle.DepositInfo{}, fmt.Errorf("查询交易回执失败: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return settle.DepositInfo{Confirmed: false}, nil
	}

	head, err := b.eth.BlockNumber(ctx)
	if err != nil {
		return settle.DepositInfo{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	if receipt.BlockNumber == nil || head < receipt.BlockNumber.Uint64()+b.confirms-1 {
		return settle.DepositInfo{Confirmed: false}, nil
	}

	// 优先解析代币转账事件。
	for _, entry := range receipt.Logs {
		if entry.Address != b.token || len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}
		amount := new(big.Int).SetBytes(entry.Data)
		return settle.DepositInfo{
			From:      common.BytesToAddress(entry.Topics[1].Bytes()).Hex(),
			To:        common.BytesToAddress(entry.Topics[2].Bytes()).Hex(),
			Amount:    tokenToFloat(amount),
			Confirmed: true,
		}, nil
	}

	// 回退到原生转账。
	tx, _, err := b.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return settle.DepositInfo{}, fmt.Errorf("查询交易失败: %w", err)
	}
	if tx.To() == nil || tx.Value().Sign() <= 0 {
		return settle.DepositInfo{}, errors.New("交易不包含价值转移")
	}
	from, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return settle.DepositInfo{}, fmt.Errorf("恢复交易发送方失败: %w", err)
	}
	return settle.DepositInfo{
		From:      from.Hex(),
		To:        tx.To().Hex(),
		Amount:    weiToFloat(tx.Value()),
		Confirmed: true,
	}, nil
}

// Transfer 向指定地址发起一笔代币转账并返回交易哈希。
func (b *Backend) Transfer(ctx context.Context, address string, amount float64) (string, error) {
	if b == nil || b.eth == nil {
		return "", errors.New("未初始化的结算后端")
	}
	if b.key == nil {
		return "", errors.New("未配置结算私钥，无法发起转账")
	}
	if amount <= 0 {
		return "", fmt.Errorf("无效的转账金额: %v", amount)
	}

	// 串行化转账，保证 nonce 单调。
	b.mu.Lock()
	defer b.mu.Unlock()

	nonce, err := b.eth.PendingNonceAt(ctx, b.sender)
	if err != nil {
		return "", fmt.Errorf("查询 nonce 失败: %w", err)
	}
	gasPrice, err := b.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	data := packTransfer(common.HexToAddress(address), floatToToken(amount))
	tx := types.NewTransaction(nonce, b.token, big.NewInt(0), 100_000, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.chainID), b.key)
	if err != nil {
		return "", fmt.Errorf("签名交易失败: %w", err)
	}
	if err := b.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("广播交易失败: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func packTransfer(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

func tokenToFloat(units *big.Int) float64 {
	value, _ := new(big.Float).Quo(
		new(big.Float).SetInt(units),
		big.NewFloat(1e6),
	).Float64()
	return value
}

func floatToToken(amount float64) *big.Int {
	scaled, _ := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e6)).Int(nil)
	return scaled
}

func weiToFloat(wei *big.Int) float64 {
	value, _ := new(big.Float).Quo(
		new(big.Float).SetInt(wei),
		big.NewFloat(1e18),
	).Float64()
	return value
}

var _ settle.Backend = (*Backend)(nil)
