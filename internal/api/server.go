package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"AgentMesh-Chain/internal/catalogue"
	"AgentMesh-Chain/internal/dispatch"
	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/ledger"
	"AgentMesh-Chain/internal/monitor"
	"AgentMesh-Chain/internal/node"
	"AgentMesh-Chain/internal/observability/metrics"
	"AgentMesh-Chain/internal/orchestrator"
	"AgentMesh-Chain/internal/settle"
	"AgentMesh-Chain/internal/store"
	"AgentMesh-Chain/pkg/logger"
)

const (
	headerWallet    = "X-Wallet-Address"
	headerPaymentTx = "X-Payment-Tx"
)

// PaymentPolicy 控制查询计费行为。
type PaymentPolicy struct {
	Enabled    bool
	QueryPrice float64
}

// Deps 汇集 HTTP 层依赖的全部组件，由组合根构造。
type Deps struct {
	Registry     *node.Registry
	Queue        *dispatch.Queue
	Dispatcher   *dispatch.Dispatcher
	Runner       *dispatch.Runner
	Orchestrator *orchestrator.Orchestrator
	Ledger       *ledger.Ledger
	Distributor  *settle.Distributor
	Catalogue    *catalogue.Catalogue
	AgentStore   store.Store
	Monitor      *monitor.Monitor
	Payments     PaymentPolicy
}

// Server 暴露查询、入金、余额与观测接口。
type Server struct {
	addr string
	deps Deps
	log  *slog.Logger

	feedbackMu sync.Mutex
	feedback   []feedbackEntry
}

type feedbackEntry struct {
	Wallet    string    `json:"wallet,omitempty"`
	Message   string    `json:"message"`
	Rating    int       `json:"rating,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps, log: logger.Named("api")}
}

// Handler 组装全部路由与中间件。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/run", s.handleRun)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/deposit", s.handleDeposit)
	mux.HandleFunc("GET /api/balance", s.handleBalance)
	mux.HandleFunc("POST /api/feedback", s.handleFeedback)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("GET /api/payments", s.handlePayments)
	mux.HandleFunc("GET /api/transactions", s.handleTransactions)
	mux.HandleFunc("GET /api/monitor", s.handleMonitor)
	mux.HandleFunc("GET /api/monitor/nodes", s.handleMonitorNodes)
	mux.HandleFunc("GET /api/monitor/logs", s.handleMonitorLogs)
	mux.HandleFunc("GET /api/monitor/history", s.handleMonitorHistory)
	mux.Handle("GET /metrics", metrics.Handler())

	return withCORS(withRecovery(withMetrics(mux)))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withCORS 放开跨域访问，允许钱包相关自定义头。
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+headerWallet+", "+headerPaymentTx)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRecovery 把处理器中的 panic 转换为 500 应答。
// 账本变更只发生在编排成功之后，panic 不会触碰账本。
func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.L().Error("处理器 panic",
					slog.Any("panic", recovered),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"error": "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withMetrics 记录每个请求的计数与时延。
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(r.URL.Path, r.Method, recorder.status, time.Since(started))
	})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func statusForError(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNoIdleNode, xerrors.CodeDeadLetter, xerrors.CodeCapabilityMismatch:
		return http.StatusServiceUnavailable
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}
