package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"AgentMesh-Chain/internal/api"
	"AgentMesh-Chain/internal/catalogue"
	"AgentMesh-Chain/internal/config"
	"AgentMesh-Chain/internal/dispatch"
	"AgentMesh-Chain/internal/ledger"
	"AgentMesh-Chain/internal/mesh"
	"AgentMesh-Chain/internal/monitor"
	"AgentMesh-Chain/internal/node"
	"AgentMesh-Chain/internal/observability/alerting"
	"AgentMesh-Chain/internal/orchestrator"
	"AgentMesh-Chain/internal/orchestrator/llmplanner"
	"AgentMesh-Chain/internal/settle"
	"AgentMesh-Chain/internal/settle/ethereum"
	"AgentMesh-Chain/internal/store"
	"AgentMesh-Chain/pkg/logger"
)

// main 是控制面守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.L().Error("agentmeshd 运行失败", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("AGENTMESH_CONFIG"))
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 智能体目录：内置条目加可选的 YAML 覆盖。
	cat := catalogue.Stock()
	if err := cat.LoadOverlay(cfg.Catalogue.OverlayPath); err != nil {
		return err
	}

	agentStore, err := buildAgentStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer agentStore.Close()

	contextStore, err := buildContextStore(cfg)
	if err != nil {
		return err
	}
	defer contextStore.Close()

	alerter := alerting.NewFanout(alerting.LogNotifier{})
	mon := monitor.New()
	registry := node.NewRegistry()

	queueOpts := []dispatch.QueueOption{dispatch.WithQueueAlerter(alerter)}
	if cfg.DeadLetter.Driver == "amqp" {
		sink, err := dispatch.NewAMQPDeadLetterSink(dispatch.AMQPDeadLetterConfig{
			URL:   cfg.DeadLetter.URL,
			Queue: cfg.DeadLetter.Queue,
		})
		if err != nil {
			return err
		}
		defer sink.Close()
		queueOpts = append(queueOpts, dispatch.WithDeadLetterSink(sink))
	}
	queue := dispatch.NewQueue(queueOpts...)

	dispatcher := dispatch.NewDispatcher(registry,
		dispatch.WithContextStore(contextStore),
		dispatch.WithScriptSource(cat),
		dispatch.WithMonitor(mon),
		dispatch.WithDefaultTimeout(time.Duration(cfg.Dispatch.DefaultTimeoutMs)*time.Millisecond),
		dispatch.WithAgentJobTimeout(time.Duration(cfg.Dispatch.AgentJobTimeoutMs)*time.Millisecond),
	)
	runner := dispatch.NewRunner(queue, dispatcher, registry)

	// 结算后端：配置了 RPC 时走链上，否则进程内记账。
	var backend settle.Backend
	if cfg.Settlement.RPCURL != "" {
		ethBackend, err := ethereum.NewBackend(ctx, ethereum.Config{
			RPCURL:        cfg.Settlement.RPCURL,
			TokenAddress:  cfg.Settlement.TokenAddress,
			PrivateKeyHex: os.Getenv(cfg.Settlement.PrivateKeyEnv),
			Confirmations: cfg.Settlement.Confirmations,
		})
		if err != nil {
			return err
		}
		defer ethBackend.Close()
		backend = ethBackend
	} else {
		backend = settle.NewInternalBackend()
	}

	balances, err := ledger.New(cfg.Runtime.DataDir, cfg.Payments.PlatformWallet,
		ledger.WithBackend(backend))
	if err != nil {
		return err
	}

	distributor := settle.NewDistributor(backend, cfg.Payments.PlatformWallet,
		settle.WithShares(cfg.Payments.OrchestratorShare, cfg.Payments.AgentShare),
		settle.WithOnChain(cfg.Payments.OnChain),
		settle.WithWalletResolver(cat),
		settle.WithAlerter(alerter),
	)

	orchestratorOpts := []orchestrator.Option{
		orchestrator.WithToolDispatcher(dispatcher),
		orchestrator.WithFallbackAgent(cfg.Catalogue.FallbackAgent),
	}
	var intent orchestrator.IntentPlanner
	var tools orchestrator.ToolPlanner
	if planner := buildPlanner(cfg); planner != nil {
		intent = planner
		tools = planner
	}
	orch := orchestrator.New(cat, intent, tools, orchestratorOpts...)

	meshServer := mesh.NewServer(mesh.Config{
		NodeSecret:        cfg.Mesh.NodeSecret,
		AuthDeadline:      time.Duration(cfg.Mesh.AuthDeadlineSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Mesh.HeartbeatIntervalMs) * time.Millisecond,
		StaleAfter:        time.Duration(cfg.Mesh.StaleAfterSeconds) * time.Second,
		EvictAfter:        time.Duration(cfg.Mesh.EvictAfterSeconds) * time.Second,
	}, registry, dispatcher, mon)

	go meshServer.Run(ctx)
	go queue.Run(ctx)
	go serveMesh(ctx, cfg.Mesh.Addr(), meshServer)

	apiServer := api.NewServer(cfg.Server.Addr(), api.Deps{
		Registry:     registry,
		Queue:        queue,
		Dispatcher:   dispatcher,
		Runner:       runner,
		Orchestrator: orch,
		Ledger:       balances,
		Distributor:  distributor,
		Catalogue:    cat,
		AgentStore:   agentStore,
		Monitor:      mon,
		Payments: api.PaymentPolicy{
			Enabled:    cfg.Payments.Enabled,
			QueryPrice: cfg.Payments.QueryPriceUSDC,
		},
	})

	logger.L().Info("控制面已启动",
		slog.String("http", cfg.Server.Addr()),
		slog.String("mesh", cfg.Mesh.Addr()),
		slog.Bool("payments", cfg.Payments.Enabled),
	)
	return apiServer.Start(ctx)
}

// serveMesh 在独立端口上承载节点接入面。
func serveMesh(ctx context.Context, addr string, server *mesh.Server) {
	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())

	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.L().Error("节点接入面退出", slog.Any("error", err))
	}
}

func buildAgentStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.AgentStore.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "mysql":
		return store.NewMySQLStore(ctx, store.MySQLConfig{DSN: cfg.AgentStore.DSN})
	default:
		return nil, errors.New("未知的智能体存储驱动: " + cfg.AgentStore.Driver)
	}
}

func buildContextStore(cfg *config.Config) (dispatch.ContextStore, error) {
	switch cfg.ContextStore.Driver {
	case "", "memory":
		return dispatch.NewMemoryContextStore(), nil
	case "redis":
		return dispatch.NewRedisContextStore(dispatch.RedisContextStoreConfig{
			Address:  cfg.ContextStore.Address,
			Password: cfg.ContextStore.Password,
			DB:       cfg.ContextStore.DB,
		})
	default:
		return nil, errors.New("未知的上下文存储驱动: " + cfg.ContextStore.Driver)
	}
}

// buildPlanner 构造大模型规划器；未配置 API Key 时返回 nil，
// 编排器将退回关键词匹配与拼接聚合。
func buildPlanner(cfg *config.Config) *llmplanner.Client {
	apiKey := strings.TrimSpace(cfg.Planner.APIKey)
	if apiKey == "" && cfg.Planner.APIKeyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(cfg.Planner.APIKeyEnv))
	}
	if apiKey == "" {
		logger.L().Warn("未配置规划器 API Key，使用关键词匹配")
		return nil
	}
	client, err := llmplanner.NewClient(llmplanner.Config{
		APIKey:  apiKey,
		BaseURL: cfg.Planner.BaseURL,
		Model:   cfg.Planner.Model,
		Timeout: time.Duration(cfg.Planner.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		logger.L().Warn("构造规划器失败，使用关键词匹配", slog.Any("error", err))
		return nil
	}
	return client
}
