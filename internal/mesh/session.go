package mesh

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"AgentMesh-Chain/internal/protocol"
	"AgentMesh-Chain/pkg/logger"
)

// sessionState 表示一条连接在监督器状态机中的位置。
type sessionState int

const (
	stateAwaitingAuth sessionState = iota
	stateReady
	stateClosed
)

const writeDeadline = 10 * time.Second

// wsSender 封装单条 WebSocket 连接的串行写路径。
// 写入已关闭的通道会被丢弃并记录告警，不会向上传播。
type wsSender struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	log    *slog.Logger
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn, log: logger.Named("mesh")}
}

// Send 编码并写出一帧；同一连接上的写操作彼此串行。
func (s *wsSender) Send(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.log.Warn("丢弃写往已关闭通道的帧",
			slog.String("type", string(frame.Header().Type)))
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close 发送关闭帧并断开底层连接；重复关闭是空操作。
func (s *wsSender) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return s.conn.Close()
}

// session 跟踪一条节点连接的认证状态。
type session struct {
	mu        sync.Mutex
	state     sessionState
	nodeID    string
	sender    *wsSender
	authTimer *time.Timer
}

func (s *session) setReady(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateReady
	s.nodeID = nodeID
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateClosed
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
}

func (s *session) snapshot() (sessionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.nodeID
}
