package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"AgentMesh-Chain/internal/worker"
	"AgentMesh-Chain/pkg/logger"
)

// main 是工作节点守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.L().Error("meshnoded 运行失败", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	host := envOr("CONTROL_PLANE_HOST", "localhost")
	port := envOr("CONTROL_PLANE_PORT", "8081")

	nodeID := os.Getenv("NODE_ID")
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("无法确定节点 ID: %w", err)
		}
		nodeID = hostname
	}

	capabilities := worker.ToolCapabilities()
	if extra := os.Getenv("NODE_CAPABILITIES"); extra != "" {
		for _, capability := range strings.Split(extra, ",") {
			if capability = strings.TrimSpace(capability); capability != "" {
				capabilities = append(capabilities, capability)
			}
		}
	}

	var agentTypes []string
	if raw := os.Getenv("NODE_AGENT_TYPES"); raw != "" {
		for _, agentType := range strings.Split(raw, ",") {
			if agentType = strings.TrimSpace(agentType); agentType != "" {
				agentTypes = append(agentTypes, agentType)
			}
		}
	}

	w, err := worker.New(worker.Config{
		ServerURL:    fmt.Sprintf("ws://%s:%s/", host, port),
		NodeID:       nodeID,
		Secret:       os.Getenv("NODE_SECRET"),
		Capabilities: capabilities,
		AgentTypes:   agentTypes,
		Wallet:       os.Getenv("NODE_WALLET"),
		Version:      envOr("NODE_VERSION", "dev"),
		Interpreter:  envOr("NODE_INTERPRETER", "python3"),
		WorkDir:      os.Getenv("NODE_WORK_DIR"),
	})
	if err != nil {
		return err
	}

	logger.L().Info("工作节点启动",
		slog.String("node_id", nodeID),
		slog.String("control_plane", host+":"+port),
	)
	return w.Run(ctx)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
