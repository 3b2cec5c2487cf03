package api

import (
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"AgentMesh-Chain/internal/catalogue"
	"AgentMesh-Chain/internal/store"
	"AgentMesh-Chain/pkg/logger"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	online := s.deps.Registry.OnlineNodes()
	idle := s.deps.Registry.IdleNodes()
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": map[string]any{
			"total":  s.deps.Registry.Count(),
			"online": len(online),
			"idle":   len(idle),
		},
		"dispatcher": map[string]any{
			"pending": s.deps.Dispatcher.PendingCount(),
		},
		"queue":  s.deps.Queue.Stats(),
		"agents": len(s.deps.Catalogue.IDs()),
		"payments": map[string]any{
			"enabled":    s.deps.Payments.Enabled,
			"queryPrice": s.deps.Payments.QueryPrice,
		},
	})
}

type runRequest struct {
	Input   json.RawMessage `json:"input"`
	AgentID string          `json:"agentId,omitempty"`
	Timeout int64           `json:"timeout,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}

	timeout := time.Duration(req.Timeout) * time.Millisecond
	result, err := s.deps.Runner.Execute(r.Context(), req.Input, req.AgentID, timeout)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message 不能为空")
		return
	}
	wallet := strings.TrimSpace(r.Header.Get(headerWallet))
	price := s.deps.Payments.QueryPrice

	// 计费前只做余额预检，不做扣费：失败的查询不得收费。
	if s.deps.Payments.Enabled {
		if wallet == "" {
			writeError(w, http.StatusBadRequest, "缺少 "+headerWallet+" 请求头")
			return
		}
		if !s.deps.Ledger.HasEnough(wallet, price) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":          "insufficient balance",
				"required":       price,
				"currentBalance": s.deps.Ledger.GetBalance(wallet).Balance,
			})
			return
		}
	}

	resp := s.deps.Orchestrator.Execute(r.Context(), req.Message)

	payload := map[string]any{
		"success":      resp.Success,
		"message":      resp.Message,
		"agentsUsed":   resp.AgentsUsed,
		"queryHash":    resp.QueryHash,
		"agentResults": resp.AgentResults,
		"charged":      false,
	}

	// 至少一个智能体产出非错误结论时才扣费并分账。
	if resp.Success && s.deps.Payments.Enabled {
		if s.deps.Ledger.Deduct(wallet, price) {
			payload["charged"] = true
			participants := make([]string, 0, len(resp.AgentResults))
			for _, result := range resp.AgentResults {
				if !result.Failed() {
					participants = append(participants, result.Agent)
				}
			}
			dist := s.deps.Distributor.Distribute(r.Context(), price, participants,
				wallet, strings.TrimSpace(r.Header.Get(headerPaymentTx)))
			payload["payment"] = dist
		} else {
			// 预检和扣费之间余额被并发消耗：按未收费返回结果。
			s.log.Warn("扣费失败，按未收费返回", slog.String("wallet", wallet))
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

type depositRequest struct {
	TxHash string `json:"txHash"`
	Wallet string `json:"wallet"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.TxHash) == "" || strings.TrimSpace(req.Wallet) == "" {
		writeError(w, http.StatusBadRequest, "txHash 与 wallet 均不能为空")
		return
	}

	amount, err := s.deps.Ledger.VerifyAndCredit(r.Context(), req.TxHash, req.Wallet)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"deposited":  amount,
		"newBalance": s.deps.Ledger.GetBalance(req.Wallet).Balance,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "缺少 wallet 参数")
		return
	}
	account := s.deps.Ledger.GetBalance(wallet)
	price := s.deps.Payments.QueryPrice

	remaining := 0
	if price > 0 {
		remaining = int(math.Floor(account.Balance / price))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":           account.Wallet,
		"balance":          account.Balance,
		"totalDeposited":   account.TotalDeposited,
		"totalSpent":       account.TotalSpent,
		"queryPrice":       price,
		"queriesRemaining": remaining,
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var entry feedbackEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil || strings.TrimSpace(entry.Message) == "" {
		writeError(w, http.StatusBadRequest, "message 不能为空")
		return
	}
	entry.Timestamp = time.Now()

	s.feedbackMu.Lock()
	s.feedback = append(s.feedback, entry)
	if len(s.feedback) > 200 {
		s.feedback = s.feedback[len(s.feedback)-200:]
	}
	s.feedbackMu.Unlock()

	logger.Audit().Info("收到用户反馈",
		slog.String("wallet", entry.Wallet),
		slog.Int("rating", entry.Rating),
	)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.AgentStore.List(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stock":  s.deps.Catalogue.List(),
		"custom": records,
	})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var def catalogue.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	record, err := s.deps.AgentStore.Create(r.Context(), def)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	// 新建的智能体立即可被编排器选中。
	s.deps.Catalogue.Register(def)
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	record, err := s.deps.AgentStore.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var def catalogue.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	def.ID = r.PathValue("id")
	record, err := s.deps.AgentStore.Update(r.Context(), def)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.deps.Catalogue.Register(def)
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.AgentStore.Delete(r.Context(), id); err != nil {
		if stdErrors.Is(err, store.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.deps.Catalogue.Remove(id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePayments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"payments": s.deps.Distributor.Distributions(),
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": s.deps.Distributor.Transactions(),
	})
}

func (s *Server) handleMonitor(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":    s.deps.Registry.Count(),
		"online":   len(s.deps.Registry.OnlineNodes()),
		"queue":    s.deps.Queue.Stats(),
		"counters": s.deps.Monitor.Counters(),
	})
}

func (s *Server) handleMonitorNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.deps.Registry.All()})
}

func (s *Server) handleMonitorLogs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.deps.Monitor.Logs()})
}

func (s *Server) handleMonitorHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"history": s.deps.Monitor.History()})
}
