// Package trigger lets external producers (the agent front-end, operators,
// other services) request an on-demand cycle through a message queue. A single
// consumer turns each request into one cycle under the same wallet lock as the
// timer and the HTTP trigger.
package trigger

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	xerrors "StrongNet-Agent/internal/errors"

	"github.com/google/uuid"
)

// Request 是一次“立即执行一个周期”的请求。
type Request struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewRequest 生成带唯一 ID 的请求。
func NewRequest(source string) Request {
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	return Request{ID: uuid.NewString(), Source: source, RequestedAt: time.Now().UTC()}
}

// Handler 处理一条请求。返回错误表示请求未被执行，队列可以重新投递。
type Handler func(ctx context.Context, req Request) error

// Producer 投递请求。
type Producer interface {
	Publish(ctx context.Context, req Request) error
	Close() error
}

// Consumer 以单个工作协程消费请求，直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

func encode(req Request) ([]byte, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化触发请求失败")
	}
	return payload, nil
}

// decode 兼容纯文本消息：非 JSON 内容被当作请求 ID。
func decode(raw []byte) Request {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" {
		return Request{ID: strings.TrimSpace(string(raw)), Source: "raw", RequestedAt: time.Now().UTC()}
	}
	return req
}
