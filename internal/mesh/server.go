package mesh

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"AgentMesh-Chain/internal/monitor"
	"AgentMesh-Chain/internal/node"
	"AgentMesh-Chain/internal/protocol"
	"AgentMesh-Chain/pkg/logger"
)

const (
	defaultAuthDeadline      = 10 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultStaleAfter        = 30 * time.Second
	defaultEvictAfter        = 15 * time.Second
	sweepEvery               = 5 * time.Second
)

// ResultRouter 接收由节点回传的任务结果帧。
type ResultRouter interface {
	HandleResult(nodeID string, frame *protocol.JobResult)
	HandleAgentResult(nodeID string, frame *protocol.AgentJobResult)
}

// Config 描述监督器的运行参数。
type Config struct {
	NodeSecret        string
	AuthDeadline      time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	EvictAfter        time.Duration
}

func (c *Config) applyDefaults() {
	if c.AuthDeadline <= 0 {
		c.AuthDeadline = defaultAuthDeadline
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = defaultEvictAfter
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server 是节点接入面的连接监督器：驱动认证、心跳与结果路由，
// 并周期性摘除心跳超时的节点。
type Server struct {
	cfg      Config
	registry *node.Registry
	router   ResultRouter
	mon      *monitor.Monitor
	log      *slog.Logger
}

// NewServer 构造监督器。
func NewServer(cfg Config, registry *node.Registry, router ResultRouter, mon *monitor.Monitor) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		registry: registry,
		router:   router,
		mon:      mon,
		log:      logger.Named("mesh"),
	}
}

// Handler 返回用于升级节点连接的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("WebSocket 升级失败", slog.Any("error", err))
			return
		}
		go s.serveConn(conn)
	})
}

// Run 周期性执行过期扫描，直到上下文取消。
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, evicted := range s.registry.SweepStale(s.cfg.StaleAfter, s.cfg.EvictAfter) {
				s.log.Warn("摘除心跳超时的节点", slog.String("node_id", evicted.NodeID))
				s.mon.RecordDisconnected(evicted.NodeID, "heartbeat timeout")
				if evicted.Sender != nil {
					_ = evicted.Sender.Close("STALE")
				}
			}
		}
	}
}

// serveConn 驱动单条连接的接收循环与状态机。
func (s *Server) serveConn(conn *websocket.Conn) {
	sender := newWSSender(conn)
	sess := &session{state: stateAwaitingAuth, sender: sender}

	sess.authTimer = time.AfterFunc(s.cfg.AuthDeadline, func() {
		state, _ := sess.snapshot()
		if state != stateAwaitingAuth {
			return
		}
		s.log.Warn("认证超时，关闭连接")
		_ = sender.Send(&protocol.ErrorFrame{
			Envelope: protocol.NewEnvelope(protocol.TypeError),
			Code:     "AUTH_TIMEOUT",
			Message:  "authentication deadline exceeded",
			Fatal:    true,
		})
		sess.close()
		_ = sender.Close("AUTH_TIMEOUT")
	})

	defer func() {
		sess.close()
		_ = sender.Close("connection closed")
		// 按通道反查归属：若本连接已被重复注册替换，注册表项
		// 属于新通道，这里不得误删。
		if nodeID, ok := s.registry.FindByChannel(sender); ok {
			s.registry.Unregister(nodeID)
			s.mon.RecordDisconnected(nodeID, "peer closed")
			s.log.Info("节点断开", slog.String("node_id", nodeID))
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("读取节点帧失败", slog.Any("error", err))
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			// 协议级错误不致断连：回非致命 ERROR，继续收帧。
			_ = sender.Send(&protocol.ErrorFrame{
				Envelope: protocol.NewEnvelope(protocol.TypeError),
				Code:     "INVALID_MESSAGE",
				Message:  err.Error(),
				Fatal:    false,
			})
			continue
		}

		if !s.handleFrame(sess, sender, frame) {
			return
		}
	}
}

// handleFrame 处理一帧；返回 false 时连接终止。
func (s *Server) handleFrame(sess *session, sender *wsSender, frame protocol.Frame) bool {
	state, nodeID := sess.snapshot()
	if state == stateClosed {
		return false
	}

	switch f := frame.(type) {
	case *protocol.Auth:
		if state != stateAwaitingAuth {
			// 重复认证帧视为协议错误，但不致断连。
			_ = sender.Send(&protocol.ErrorFrame{
				Envelope: protocol.NewEnvelope(protocol.TypeError),
				Code:     "INVALID_MESSAGE",
				Message:  "already authenticated",
				Fatal:    false,
			})
			return true
		}
		return s.handleAuth(sess, sender, f)

	case *protocol.Heartbeat:
		if state != stateReady || !s.registry.UpdateHeartbeat(nodeID, node.Metrics{
			CPUPercent:    f.CPUUsage,
			MemoryPercent: f.MemoryUsage,
			ActiveJobs:    f.ActiveJobs,
		}) {
			_ = sender.Send(&protocol.ErrorFrame{
				Envelope: protocol.Reply(protocol.TypeError, f.Header()),
				Code:     "NOT_REGISTERED",
				Message:  "node is not registered",
				Fatal:    true,
			})
			sess.close()
			_ = sender.Close("NOT_REGISTERED")
			return false
		}
		_ = sender.Send(&protocol.HeartbeatAck{
			Envelope: protocol.Reply(protocol.TypeHeartbeatAck, f.Header()),
			Received: true,
		})
		return true

	case *protocol.JobResult:
		if state == stateReady && s.router != nil {
			s.router.HandleResult(nodeID, f)
		}
		return true

	case *protocol.AgentJobResult:
		if state == stateReady && s.router != nil {
			s.router.HandleAgentResult(nodeID, f)
		}
		return true

	case *protocol.ErrorFrame:
		s.log.Warn("节点上报错误",
			slog.String("node_id", nodeID),
			slog.String("code", f.Code),
			slog.String("message", f.Message),
			slog.Bool("fatal", f.Fatal),
		)
		return !f.Fatal

	default:
		_ = sender.Send(&protocol.ErrorFrame{
			Envelope: protocol.NewEnvelope(protocol.TypeError),
			Code:     "INVALID_MESSAGE",
			Message:  "unexpected frame type",
			Fatal:    false,
		})
		return true
	}
}

// handleAuth 校验认证帧并登记节点。
func (s *Server) handleAuth(sess *session, sender *wsSender, frame *protocol.Auth) bool {
	if subtle.ConstantTimeCompare([]byte(frame.Secret), []byte(s.cfg.NodeSecret)) != 1 {
		_ = sender.Send(&protocol.AuthAck{
			Envelope: protocol.Reply(protocol.TypeAuthAck, frame.Header()),
			Success:  false,
			Message:  "Invalid credentials",
		})
		sess.close()
		_ = sender.Close("AUTH_DENIED")
		return false
	}
	if frame.NodeID == "" {
		_ = sender.Send(&protocol.AuthAck{
			Envelope: protocol.Reply(protocol.TypeAuthAck, frame.Header()),
			Success:  false,
			Message:  "nodeId is required",
		})
		sess.close()
		_ = sender.Close("AUTH_DENIED")
		return false
	}

	replaced := s.registry.Register(frame.NodeID, sender, node.RegisterInfo{
		Capabilities: frame.Capabilities,
		AgentTypes:   frame.AgentTypes,
		Wallet:       frame.Wallet,
		Version:      frame.Version,
	})
	if replaced != nil {
		s.log.Warn("节点重复注册，替换旧通道", slog.String("node_id", frame.NodeID))
		_ = replaced.Close(node.CloseReasonReplaced)
	}

	sess.setReady(frame.NodeID)
	s.mon.RecordConnected(frame.NodeID)
	s.log.Info("节点认证通过",
		slog.String("node_id", frame.NodeID),
		slog.String("version", frame.Version),
		slog.Int("capabilities", len(frame.Capabilities)),
	)

	_ = sender.Send(&protocol.AuthAck{
		Envelope:            protocol.Reply(protocol.TypeAuthAck, frame.Header()),
		Success:             true,
		HeartbeatIntervalMs: s.cfg.HeartbeatInterval.Milliseconds(),
	})
	return true
}
