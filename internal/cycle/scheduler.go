package cycle

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"StrongNet-Agent/pkg/logger"
)

// Runner 是 Scheduler 依赖的 Engine 能力。
type Runner interface {
	TryRunCycle(ctx context.Context, trigger Trigger) (Report, error)
}

// Scheduler 在启动时以及每个固定间隔触发一次周期。上一周期未结束时本次触发被跳过。
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runOnStart bool
	log        *slog.Logger
}

// NewScheduler 创建定时触发器。
func NewScheduler(runner Runner, interval time.Duration, runOnStart bool) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		runner:     runner,
		interval:   interval,
		runOnStart: runOnStart,
		log:        logger.Named("scheduler"),
	}
}

// Run 阻塞直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("定时调度已启动", slog.Duration("interval", s.interval), slog.Bool("run_on_start", s.runOnStart))
	if s.runOnStart {
		s.fire(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("定时调度已停止")
			return ctx.Err()
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.TryRunCycle(ctx, TriggerTimer); err != nil {
		if stdErrors.Is(err, ErrCycleBusy) {
			s.log.Info("上一周期仍在进行，跳过本次定时触发")
			return
		}
		s.log.Warn("定时周期未能启动", slog.Any("error", err))
	}
}
