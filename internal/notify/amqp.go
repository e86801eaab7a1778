package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig 描述结果事件的发布目标。
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// publisher 是 amqp.Channel 中 AMQPSink 用到的部分。
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink 把结果事件发布到 RabbitMQ exchange。
type AMQPSink struct {
	conn       *amqp.Connection
	exchange   string
	routingKey string

	mu sync.Mutex
	ch publisher
}

// NewAMQPSink 连接 RabbitMQ 并声明 topic exchange。
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "strongnet.events"
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
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	return newAMQPSink(conn, ch, exchange, cfg.RoutingKey), nil
}

func newAMQPSink(conn *amqp.Connection, ch publisher, exchange, routingKey string) *AMQPSink {
	if routingKey == "" {
		routingKey = "dispatch.succeeded"
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}
}

func (s *AMQPSink) Name() string { return "amqp" }

// Send 发布与 webhook 相同的消息体，周期 ID 作为 MessageId。
func (s *AMQPSink) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return errors.New("RabbitMQ 渠道已关闭")
	}
	return s.ch.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.CycleID,
		Timestamp:    event.OccurredAt,
		Type:         event.Payload.Intent,
		Headers:      amqp.Table{"endpoint": event.Endpoint},
		Body:         body,
	})
}

// Close 关闭 channel 与连接。
func (s *AMQPSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
