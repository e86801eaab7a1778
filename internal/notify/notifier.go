// Package notify announces successful transfers to external listeners. Every
// delivery runs on its own goroutine with its own deadline; results are logged
// and counted but never reach the cycle that produced the outcome.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"StrongNet-Agent/internal/dispatch"
	xerrors "StrongNet-Agent/internal/errors"
	"StrongNet-Agent/internal/observability/metrics"
	"StrongNet-Agent/pkg/logger"
)

// Payload 是推送给监听方的消息体。
type Payload struct {
	Intent           string `json:"intent"`
	Score            string `json:"score"`
	TrxHash          string `json:"trx_hash"`
	RecipientAddress string `json:"recipient_address"`
}

// Event 是一次待投递的通知。
type Event struct {
	CycleID  string
	Endpoint string
	Payload  Payload
	// OccurredAt 为派发完成时间。
	OccurredAt time.Time
}

// Sink 是一个通知渠道。
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// Option 配置 Notifier。
type Option func(*Notifier)

// WithLogger 注入日志。
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.log = l
		}
	}
}

// WithTimeout 设置单次投递的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithResultHook 在每次投递完成后回调，主要用于测试与审计。
func WithResultHook(fn func(sink string, event Event, err error)) Option {
	return func(n *Notifier) {
		n.hook = fn
	}
}

// Notifier 把成功结果异步广播给所有渠道。
type Notifier struct {
	intent  string
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
	hook    func(sink string, event Event, err error)

	wg sync.WaitGroup
}

// New 创建 Notifier。没有渠道时 Notify 为空操作。
func New(intent string, sinks []Sink, opts ...Option) *Notifier {
	if strings.TrimSpace(intent) == "" {
		intent = "transfer"
	}
	active := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	n := &Notifier{
		intent:  intent,
		sinks:   active,
		timeout: 10 * time.Second,
		log:     logger.Named("notify"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Sinks 返回已启用渠道的名称。
func (n *Notifier) Sinks() []string {
	names := make([]string, 0, len(n.sinks))
	for _, s := range n.sinks {
		names = append(names, s.Name())
	}
	return names
}

// EventFor 把派发结果转换为通知事件。
func (n *Notifier) EventFor(cycleID string, outcome dispatch.Outcome) Event {
	return Event{
		CycleID:  cycleID,
		Endpoint: outcome.Endpoint,
		Payload: Payload{
			Intent:           n.intent,
			Score:            outcome.Amount.String(),
			TrxHash:          outcome.TxHash,
			RecipientAddress: outcome.Recipient.Hex(),
		},
		OccurredAt: time.Now().UTC(),
	}
}

// Notify 启动投递后立即返回，返回值表示是否有投递被启动。非成功结果不会被投递。
func (n *Notifier) Notify(cycleID string, outcome dispatch.Outcome) bool {
	if n == nil || len(n.sinks) == 0 || !outcome.Succeeded() {
		return false
	}
	event := n.EventFor(cycleID, outcome)
	for _, sink := range n.sinks {
		n.wg.Add(1)
		go n.deliver(sink, event)
	}
	return true
}

func (n *Notifier) deliver(sink Sink, event Event) {
	defer n.wg.Done()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeNotifyFailure, "通知渠道发生异常",
				xerrors.WithMetadata("panic", fmt.Sprint(r)))
		}
		n.observe(sink.Name(), event, err)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if sendErr := sink.Send(ctx, event); sendErr != nil {
		err = xerrors.Wrap(xerrors.CodeNotifyFailure, sendErr, "投递通知失败",
			xerrors.WithMetadata("sink", sink.Name()))
	}
}

func (n *Notifier) observe(sink string, event Event, err error) {
	metrics.ObserveNotification(sink, err)
	if err != nil {
		n.log.Warn("通知投递失败",
			slog.String("sink", sink),
			slog.String("cycle_id", event.CycleID),
			slog.String("tx_hash", event.Payload.TrxHash),
			slog.Any("error", err))
	} else {
		n.log.Info("通知已投递",
			slog.String("sink", sink),
			slog.String("cycle_id", event.CycleID),
			slog.String("tx_hash", event.Payload.TrxHash))
	}
	if n.hook != nil {
		n.hook(sink, event, err)
	}
}

// Wait 等待所有在途投递结束或 ctx 到期，用于优雅退出。
func (n *Notifier) Wait(ctx context.Context) error {
	if n == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
