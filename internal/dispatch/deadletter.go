package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDeadLetterConfig 描述死信队列的 RabbitMQ 连接参数。
type AMQPDeadLetterConfig struct {
	URL   string
	Queue string
}

// AMQPDeadLetterSink 将死信任务发布到 RabbitMQ，供离线消费。
type AMQPDeadLetterSink struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPDeadLetterSink 创建 RabbitMQ 死信投递器。
func NewAMQPDeadLetterSink(cfg AMQPDeadLetterConfig) (*AMQPDeadLetterSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentmesh.deadletter"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &AMQPDeadLetterSink{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 将死信任务序列化后投递。
func (s *AMQPDeadLetterSink) Publish(ctx context.Context, job *Job) error {
	if s == nil || s.ch == nil {
		return errors.New("死信队列未初始化")
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("序列化死信任务失败: %w", err)
	}
	return s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (s *AMQPDeadLetterSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

var _ DeadLetterSink = (*AMQPDeadLetterSink)(nil)
