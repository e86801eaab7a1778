package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WebhookSink 以 JSON POST 投递通知，最多一次。
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink 创建 webhook 渠道。client 为空时使用 http.DefaultClient，超时由 Notifier 的 ctx 控制。
func NewWebhookSink(url string, client *http.Client) (*WebhookSink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook 地址不能为空")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSink{url: url, client: client}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

// Send 发送 {intent, score, trx_hash, recipient_address}。
func (s *WebhookSink) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造通知请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if event.CycleID != "" {
		req.Header.Set("X-Request-ID", event.CycleID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("请求 webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}
