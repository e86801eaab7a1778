// Package cycle runs the select → dispatch → notify unit of work under the
// wallet lock and drives it from a fixed-interval timer. Every trigger source
// goes through the same Engine, so two cycles never dispatch concurrently for
// one wallet.
package cycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"StrongNet-Agent/internal/dispatch"
	xerrors "StrongNet-Agent/internal/errors"
	"StrongNet-Agent/internal/lock"
	"StrongNet-Agent/internal/observability/metrics"
	"StrongNet-Agent/internal/selector"
	"StrongNet-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Trigger 标识周期的发起方。
type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
	TriggerQueue  Trigger = "queue"
)

// State 是周期状态机的当前状态。
type State string

const (
	StateIdle        State = "idle"
	StateSelecting   State = "selecting"
	StateDispatching State = "dispatching"
	StateNotifying   State = "notifying"
)

// RecipientSelector 选择收款地址，永不失败。
type RecipientSelector interface {
	Select(ctx context.Context) selector.Choice
}

// Dispatcher 执行一次转账。
type Dispatcher interface {
	Dispatch(ctx context.Context, amount dispatch.Amount, recipient string) dispatch.Outcome
}

// Notifier 异步投递成功结果。
type Notifier interface {
	Notify(cycleID string, outcome dispatch.Outcome) bool
}

// Report 是一次周期的完整结果。
type Report struct {
	CycleID         string           `json:"cycle_id"`
	Trigger         Trigger          `json:"trigger"`
	Recipient       common.Address   `json:"recipient"`
	RecipientSource selector.Source  `json:"recipient_source"`
	Outcome         dispatch.Outcome `json:"outcome"`
	Notified        bool             `json:"notified"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
}

// ErrCycleBusy 表示另一个周期正持有钱包锁。
var ErrCycleBusy = xerrors.New(xerrors.CodeCycleBusy, "另一个周期正在进行")

// Option 配置 Engine。
type Option func(*Engine)

// WithLogger 注入日志。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithAuditLogger 注入审计日志。
func WithAuditLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.audit = l
		}
	}
}

// WithStateHook 在每次状态迁移时回调。
func WithStateHook(fn func(cycleID string, state State)) Option {
	return func(e *Engine) {
		e.onState = fn
	}
}

// Engine 编排单个周期。
type Engine struct {
	selector   RecipientSelector
	dispatcher Dispatcher
	notifier   Notifier
	locker     lock.Locker
	amount     dispatch.Amount

	log     *slog.Logger
	audit   *slog.Logger
	onState func(cycleID string, state State)

	mu    sync.RWMutex
	state State
	last  *Report
}

// New 构造 Engine。locker 为空时使用进程内锁。
func New(sel RecipientSelector, disp Dispatcher, notifier Notifier, locker lock.Locker, amount dispatch.Amount, opts ...Option) (*Engine, error) {
	if sel == nil || disp == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "周期引擎需要选择器与派发器")
	}
	if !amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须大于 0")
	}
	if locker == nil {
		locker = lock.NewMemory()
	}
	e := &Engine{
		selector:   sel,
		dispatcher: disp,
		notifier:   notifier,
		locker:     locker,
		amount:     amount,
		log:        logger.Named("cycle"),
		audit:      logger.Audit(),
		state:      StateIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// RunCycle 等待钱包锁后执行一次周期。ctx 到期前未拿到锁时返回 CodeCycleBusy。
func (e *Engine) RunCycle(ctx context.Context, trigger Trigger) (Report, error) {
	release, err := e.locker.Acquire(ctx)
	if err != nil {
		metrics.ObserveCycleSkipped(string(trigger))
		return Report{}, err
	}
	defer release()
	return e.run(ctx, trigger), nil
}

// TryRunCycle 在锁空闲时执行周期，否则立即返回 ErrCycleBusy。
func (e *Engine) TryRunCycle(ctx context.Context, trigger Trigger) (Report, error) {
	release, ok, err := e.locker.TryAcquire(ctx)
	if err != nil {
		metrics.ObserveCycleSkipped(string(trigger))
		return Report{}, err
	}
	if !ok {
		metrics.ObserveCycleSkipped(string(trigger))
		return Report{}, ErrCycleBusy
	}
	defer release()
	return e.run(ctx, trigger), nil
}

// State 返回当前状态。
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastReport 返回最近一次完成的周期。
func (e *Engine) LastReport() (Report, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return Report{}, false
	}
	return *e.last, true
}

func (e *Engine) transition(cycleID string, state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	if e.onState != nil {
		e.onState(cycleID, state)
	}
}

// run 必须在持有钱包锁时调用。
func (e *Engine) run(ctx context.Context, trigger Trigger) Report {
	report := Report{
		CycleID:   uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	log := e.log.With(slog.String("cycle_id", report.CycleID), slog.String("trigger", string(trigger)))

	metrics.SetCycleInFlight(true)
	defer metrics.SetCycleInFlight(false)
	defer e.transition(report.CycleID, StateIdle)

	e.transition(report.CycleID, StateSelecting)
	choice := e.selector.Select(ctx)
	report.Recipient = choice.Address
	report.RecipientSource = choice.Source
	log.Info("已选择收款地址", slog.String("recipient", choice.Address.Hex()), slog.String("source", string(choice.Source)))

	e.transition(report.CycleID, StateDispatching)
	report.Outcome = e.dispatcher.Dispatch(ctx, e.amount, choice.Address.Hex())

	if report.Outcome.Succeeded() && e.notifier != nil {
		e.transition(report.CycleID, StateNotifying)
		report.Notified = e.notifier.Notify(report.CycleID, report.Outcome)
	}

	report.FinishedAt = time.Now().UTC()
	duration := report.FinishedAt.Sub(report.StartedAt)
	metrics.ObserveCycle(string(trigger), string(report.Outcome.Status), duration)

	attrs := []any{
		slog.String("status", string(report.Outcome.Status)),
		slog.String("recipient", report.Recipient.Hex()),
		slog.String("tx_hash", report.Outcome.TxHash),
		slog.String("endpoint", report.Outcome.Endpoint),
		slog.Int("attempts", report.Outcome.Attempts),
		slog.Duration("duration", duration),
	}
	if report.Outcome.Succeeded() {
		log.Info("周期完成", attrs...)
	} else {
		log.Warn("周期未成功", append(attrs, slog.String("code", string(report.Outcome.Code)), slog.String("message", report.Outcome.Message))...)
	}
	e.audit.Info("dispatch_cycle", append(attrs,
		slog.String("cycle_id", report.CycleID),
		slog.String("trigger", string(trigger)),
		slog.String("amount", report.Outcome.Amount.String()),
		slog.Bool("notified", report.Notified))...)

	e.mu.Lock()
	stored := report
	e.last = &stored
	e.mu.Unlock()
	return report
}
