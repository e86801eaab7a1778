package trigger

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"StrongNet-Agent/internal/config"
	"StrongNet-Agent/internal/cycle"
	xerrors "StrongNet-Agent/internal/errors"
	"StrongNet-Agent/pkg/logger"
)

// CycleRunner 是 Processor 依赖的周期能力。
type CycleRunner interface {
	RunCycle(ctx context.Context, trigger cycle.Trigger) (cycle.Report, error)
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithRequestTimeout 限制单个请求等待周期锁和执行周期的总时长。
func WithRequestTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxAge 丢弃排队时间超过 d 的请求。
func WithMaxAge(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.maxAge = d
	}
}

// Processor 从队列消费触发请求，每条请求执行一个周期。
type Processor struct {
	runner   CycleRunner
	consumer Consumer
	timeout  time.Duration
	maxAge   time.Duration
	log      *slog.Logger
}

// NewProcessor 构造 Processor。
func NewProcessor(runner CycleRunner, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:   runner,
		consumer: consumer,
		timeout:  5 * time.Minute,
		log:      logger.Named("trigger"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run 阻塞消费直到 ctx 结束。
func (p *Processor) Run(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "触发队列未配置")
	}
	p.log.Info("触发队列消费者已启动")
	return p.consumer.Consume(ctx, p.handle)
}

func (p *Processor) handle(ctx context.Context, req Request) error {
	log := p.log.With(slog.String("request_id", req.ID), slog.String("source", req.Source))
	if p.maxAge > 0 && !req.RequestedAt.IsZero() && time.Since(req.RequestedAt) > p.maxAge {
		log.Warn("触发请求已过期，丢弃", slog.Time("requested_at", req.RequestedAt))
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	report, err := p.runner.RunCycle(runCtx, cycle.TriggerQueue)
	if err != nil {
		log.Warn("触发请求未执行，将重新投递", slog.Any("error", err))
		return err
	}
	log.Info("触发请求已执行",
		slog.String("cycle_id", report.CycleID),
		slog.String("status", string(report.Outcome.Status)),
		slog.String("tx_hash", report.Outcome.TxHash))
	return nil
}

// Open 根据配置创建触发队列。driver 为空时返回 nil。
func Open(ctx context.Context, cfg config.TriggerConfig) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryQueue(0), nil
	case "redis":
		q, err := NewRedisQueue(ctx, RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "初始化 Redis 触发队列失败")
		}
		return q, nil
	case "rabbitmq":
		q, err := NewRabbitMQQueue(RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "初始化 RabbitMQ 触发队列失败")
		}
		return q, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的触发队列类型: "+cfg.Driver)
	}
}
