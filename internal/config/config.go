package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config 描述了控制面在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Mesh         MeshConfig         `json:"mesh"`
	Payments     PaymentsConfig     `json:"payments"`
	Settlement   SettlementConfig   `json:"settlement"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Catalogue    CatalogueConfig    `json:"catalogue"`
	AgentStore   AgentStoreConfig   `json:"agent_store"`
	ContextStore ContextStoreConfig `json:"context_store"`
	DeadLetter   DeadLetterConfig   `json:"dead_letter"`
	Planner      PlannerConfig      `json:"planner"`
	Logging      LoggingConfig      `json:"logging"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 HTTP API 服务的监听参数。
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr 拼接 HTTP 监听地址。
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MeshConfig 描述工作节点接入面的参数。
type MeshConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	NodeSecret          string `json:"node_secret"`
	AuthDeadlineSeconds int    `json:"auth_deadline_seconds"`
	HeartbeatIntervalMs int    `json:"heartbeat_interval_ms"`
	StaleAfterSeconds   int    `json:"stale_after_seconds"`
	EvictAfterSeconds   int    `json:"evict_after_seconds"`
}

// Addr 拼接节点接入监听地址。
func (c MeshConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PaymentsConfig 控制预付费计费行为。
type PaymentsConfig struct {
	Enabled           bool    `json:"enabled"`
	Network           string  `json:"network"`
	QueryPriceUSDC    float64 `json:"query_price_usdc"`
	PlatformWallet    string  `json:"platform_wallet"`
	OrchestratorShare float64 `json:"orchestrator_share"`
	AgentShare        float64 `json:"agent_share"`
	OnChain           bool    `json:"onchain_distribution"`
}

// SettlementConfig 描述链上结算后端的接入方式。
type SettlementConfig struct {
	BackendURL    string `json:"backend_url"`
	RPCURL        string `json:"rpc_url"`
	TokenAddress  string `json:"token_address"`
	PrivateKeyEnv string `json:"private_key_env"`
	Confirmations uint64 `json:"confirmations"`
}

// DispatchConfig 控制任务派发的超时参数。MaxRetries 只在此处读取并补默认值，
// 不会传给任务队列：队列的重试上限固定为 3（见 dispatch 包的 defaultMaxRetries）。
type DispatchConfig struct {
	DefaultTimeoutMs  int `json:"default_timeout_ms"`
	AgentJobTimeoutMs int `json:"agent_job_timeout_ms"`
	MaxRetries        int `json:"max_retries"`
}

// CatalogueConfig 控制智能体目录的装载。
type CatalogueConfig struct {
	OverlayPath   string `json:"overlay_path"`
	FallbackAgent string `json:"fallback_agent"`
}

// AgentStoreConfig 描述用户自定义智能体的存储后端。
type AgentStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ContextStoreConfig 描述智能体记忆的存储后端。
type ContextStoreConfig struct {
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DeadLetterConfig 描述死信任务的外部投递目标。
type DeadLetterConfig struct {
	Driver string `json:"driver"`
	URL    string `json:"url"`
	Queue  string `json:"queue"`
}

// PlannerConfig 描述意图分析与工具规划所用的大模型接入方式。
type PlannerConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// LoggingConfig 控制日志输出行为。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 解析指定路径的 JSON 配置文件，并叠加环境变量覆盖。
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("打开配置文件失败: %w", err)
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := json.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	cfg.applyEnvironment()
	baseDir := "."
	if path != "" {
		baseDir = filepath.Dir(path)
	}
	cfg.applyDefaults(baseDir)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment 叠加部署环境提供的覆盖项。
func (c *Config) applyEnvironment() {
	if v := os.Getenv("CONTROL_PLANE_HOST"); v != "" {
		c.Mesh.Host = v
	}
	if v, ok := envInt("CONTROL_PLANE_PORT"); ok {
		c.Mesh.Port = v
	}
	if v, ok := envInt("HTTP_PORT"); ok {
		c.Server.Port = v
	}
	if v := os.Getenv("NODE_SECRET"); v != "" {
		c.Mesh.NodeSecret = v
	}
	if v, ok := envBool("X402_ENABLED"); ok {
		c.Payments.Enabled = v
	}
	if v := os.Getenv("X402_NETWORK"); v != "" {
		c.Payments.Network = v
	}
	if v, ok := envFloat("QUERY_PRICE_USDC"); ok {
		c.Payments.QueryPriceUSDC = v
	}
	if v := os.Getenv("PLATFORM_WALLET"); v != "" {
		c.Payments.PlatformWallet = v
	}
	if v := os.Getenv("SETTLEMENT_BACKEND_URL"); v != "" {
		c.Settlement.BackendURL = v
	}
	if v := os.Getenv("SETTLEMENT_RPC_URL"); v != "" {
		c.Settlement.RPCURL = v
	}
	if v, ok := envBool("ONCHAIN_DISTRIBUTION"); ok {
		c.Payments.OnChain = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.Runtime.DataDir = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Mesh.Port == 0 {
		c.Mesh.Port = 8081
	}
	if c.Mesh.AuthDeadlineSeconds <= 0 {
		c.Mesh.AuthDeadlineSeconds = 10
	}
	if c.Mesh.HeartbeatIntervalMs <= 0 {
		c.Mesh.HeartbeatIntervalMs = 10000
	}
	if c.Mesh.StaleAfterSeconds <= 0 {
		c.Mesh.StaleAfterSeconds = 30
	}
	if c.Mesh.EvictAfterSeconds <= 0 {
		c.Mesh.EvictAfterSeconds = 15
	}

	if c.Payments.QueryPriceUSDC <= 0 {
		c.Payments.QueryPriceUSDC = 0.10
	}
	if c.Payments.OrchestratorShare <= 0 {
		c.Payments.OrchestratorShare = 0.5
	}
	if c.Payments.AgentShare <= 0 {
		c.Payments.AgentShare = 1 - c.Payments.OrchestratorShare
	}
	if c.Payments.Network == "" {
		c.Payments.Network = "base-sepolia"
	}

	if c.Settlement.Confirmations == 0 {
		c.Settlement.Confirmations = 1
	}

	if c.Dispatch.DefaultTimeoutMs <= 0 {
		c.Dispatch.DefaultTimeoutMs = 30000
	}
	if c.Dispatch.AgentJobTimeoutMs <= 0 {
		c.Dispatch.AgentJobTimeoutMs = 60000
	}
	if c.Dispatch.MaxRetries <= 0 {
		c.Dispatch.MaxRetries = 3
	}

	if c.Catalogue.FallbackAgent == "" {
		c.Catalogue.FallbackAgent = "general-assistant"
	}

	if c.AgentStore.Driver == "" {
		c.AgentStore.Driver = "memory"
	}
	if c.ContextStore.Driver == "" {
		c.ContextStore.Driver = "memory"
	}
	if c.DeadLetter.Driver == "" {
		c.DeadLetter.Driver = "none"
	}

	if c.Planner.TimeoutSeconds <= 0 {
		c.Planner.TimeoutSeconds = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// validate 检查关键参数的一致性。
func (c *Config) validate() error {
	if c.Payments.Enabled && strings.TrimSpace(c.Payments.PlatformWallet) == "" {
		return errors.New("启用计费时必须配置 platform_wallet")
	}
	if c.Payments.OrchestratorShare+c.Payments.AgentShare > 1.0001 {
		return fmt.Errorf("分成比例之和不能超过 1: orchestrator=%v agent=%v",
			c.Payments.OrchestratorShare, c.Payments.AgentShare)
	}
	return nil
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func envBool(key string) (bool, bool) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
