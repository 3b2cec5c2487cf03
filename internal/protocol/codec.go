package protocol

import (
	"encoding/json"
	"fmt"

	xerrors "AgentMesh-Chain/internal/errors"
)

// Encode 将协议帧序列化为 UTF-8 JSON。
func Encode(frame Frame) ([]byte, error) {
	if frame == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "协议帧不能为空")
	}
	header := frame.Header()
	if header.Type == "" || header.TraceID == "" || header.Timestamp == 0 {
		return nil, xerrors.New(xerrors.CodeMalformedFrame, "帧头字段不完整")
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedFrame, err, "序列化协议帧失败")
	}
	return encoded, nil
}

// Decode 将 JSON 数据还原为具体的协议帧。
// 输入不是合法 JSON、缺少帧头字段或类别未知时返回 MALFORMED_FRAME。
func Decode(data []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedFrame, err, "解析帧头失败")
	}
	if env.Type == "" || env.TraceID == "" || env.Timestamp == 0 {
		return nil, xerrors.New(xerrors.CodeMalformedFrame, "帧头缺少 type/traceId/timestamp")
	}

	frame, err := emptyFrame(env.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedFrame, err, fmt.Sprintf("解析 %s 帧失败", env.Type))
	}
	return frame, nil
}

func emptyFrame(t Type) (Frame, error) {
	switch t {
	case TypeAuth:
		return &Auth{}, nil
	case TypeAuthAck:
		return &AuthAck{}, nil
	case TypeHeartbeat:
		return &Heartbeat{}, nil
	case TypeHeartbeatAck:
		return &HeartbeatAck{}, nil
	case TypeJobAssign:
		return &JobAssign{}, nil
	case TypeJobResult:
		return &JobResult{}, nil
	case TypeAgentJob:
		return &AgentJob{}, nil
	case TypeAgentJobResult:
		return &AgentJobResult{}, nil
	case TypeError:
		return &ErrorFrame{}, nil
	default:
		return nil, xerrors.New(xerrors.CodeMalformedFrame, fmt.Sprintf("未知的帧类别: %s", t))
	}
}
