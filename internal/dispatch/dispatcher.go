// Package dispatch signs and submits a value transfer through an ordered pool
// of endpoints. Each attempt asks its own endpoint for the pending nonce right
// before signing; a failing endpoint is skipped for this call only. Every
// result, including total failure, is returned as an Outcome.
//
// Failover can produce a second transfer when an endpoint accepted a
// submission but the reply was lost. Before signing anew, the next endpoint is
// asked whether any previously signed transaction is already known; this
// narrows the window but cannot close it.
package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"StrongNet-Agent/internal/config"
	xerrors "StrongNet-Agent/internal/errors"
	"StrongNet-Agent/internal/observability/metrics"
	"StrongNet-Agent/internal/web3"
	"StrongNet-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer 是钱包身份在派发中的最小视图。
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Policy 决定何时认为一次提交成功，对所有派发统一生效。
type Policy string

const (
	PolicyBroadcast Policy = config.ConfirmationBroadcast
	PolicyReceipt   Policy = config.ConfirmationReceipt
)

// Config 描述 Dispatcher 的行为。
type Config struct {
	Policy         Policy
	CallTimeout    time.Duration
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
	GasLimit       uint64
	// ChainID 为空时向每个端点查询。
	ChainID               *big.Int
	ProbePriorSubmissions bool
}

// Option 配置 Dispatcher。
type Option func(*Dispatcher)

// WithLogger 注入日志。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// Dispatcher 顺序遍历端点池完成一次转账。
type Dispatcher struct {
	signer    Signer
	endpoints web3.EndpointSource
	cfg       Config
	log       *slog.Logger
}

// New 构造 Dispatcher。确认策略必须显式配置。
func New(signer Signer, endpoints web3.EndpointSource, cfg Config, opts ...Option) (*Dispatcher, error) {
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "派发器需要钱包签名者")
	}
	if endpoints == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "派发器需要端点池")
	}
	switch cfg.Policy {
	case PolicyBroadcast:
	case PolicyReceipt:
		if cfg.ConfirmTimeout <= 0 {
			cfg.ConfirmTimeout = 2 * time.Minute
		}
		if cfg.ConfirmPoll <= 0 {
			cfg.ConfirmPoll = 2 * time.Second
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的确认策略 %q", cfg.Policy))
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 21000
	}
	if cfg.ChainID != nil {
		cfg.ChainID = new(big.Int).Set(cfg.ChainID)
	}

	d := &Dispatcher{
		signer:    signer,
		endpoints: endpoints,
		cfg:       cfg,
		log:       logger.Named("dispatch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Policy 返回生效的确认策略。
func (d *Dispatcher) Policy() Policy {
	return d.cfg.Policy
}

// Dispatch 把 amount 转给 recipient。自转账在任何网络调用之前被拦截。
func (d *Dispatcher) Dispatch(ctx context.Context, amount Amount, recipient string) Outcome {
	outcome := Outcome{Amount: amount}

	raw := strings.TrimSpace(recipient)
	valid := common.IsHexAddress(raw)
	if valid {
		outcome.Recipient = common.HexToAddress(raw)
		if outcome.Recipient == d.signer.Address() {
			outcome.fail(StatusBlockedSelfTarget, xerrors.CodeSelfTarget, "拒绝向钱包自身转账")
			d.log.Warn("拦截自转账", slog.String("recipient", raw))
			return outcome
		}
	}
	if !valid {
		outcome.fail(StatusInvalid, xerrors.CodeInvalidArgument, fmt.Sprintf("收款地址非法: %q", recipient))
		return outcome
	}
	if !amount.IsPositive() {
		outcome.fail(StatusInvalid, xerrors.CodeInvalidArgument, "转账金额必须大于 0")
		return outcome
	}

	endpoints := d.endpoints.Endpoints()
	if len(endpoints) == 0 {
		outcome.fail(StatusExhausted, xerrors.CodeEndpointsExhausted, "端点池为空")
		return outcome
	}

	// 签名后提交结果不明的交易，按提交顺序供后续端点逐一探测。
	var unresolved []*types.Transaction

	for i, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			d.cancel(&outcome, err, unresolved)
			return outcome
		}

		outcome.Attempts = i + 1
		started := time.Now()
		res := d.attempt(ctx, ep, outcome.Recipient, amount, unresolved)

		if res.err == nil {
			metrics.ObserveEndpointAttempt(ep.Name(), res.result(), time.Since(started))
			outcome.TxHash = res.tx.Hash().Hex()
			outcome.Endpoint = ep.Name()
			outcome.Recovered = res.recovered
			if !res.recovered {
				nonce := res.tx.Nonce()
				outcome.Nonce = &nonce
			}
			d.log.Info("交易已提交",
				slog.String("endpoint", ep.Name()),
				slog.String("tx_hash", outcome.TxHash),
				slog.String("recipient", outcome.Recipient.Hex()),
				slog.Int("attempt", outcome.Attempts),
				slog.Bool("recovered", res.recovered))
			d.confirm(ctx, ep, &outcome)
			return outcome
		}

		metrics.ObserveEndpointAttempt(ep.Name(), res.stage+"_failed", time.Since(started))
		attemptErr := AttemptError{Endpoint: ep.Name(), Stage: res.stage, Error: res.err.Error()}
		if res.ambiguous != nil {
			unresolved = append(unresolved, res.ambiguous)
			attemptErr.TxHash = res.ambiguous.Hash().Hex()
		}
		outcome.Errors = append(outcome.Errors, attemptErr)
		d.log.Warn("端点尝试失败，切换到下一个端点",
			slog.String("endpoint", ep.Name()),
			slog.String("stage", res.stage),
			slog.Int("attempt", outcome.Attempts),
			slog.Any("error", res.err))

		if err := ctx.Err(); err != nil {
			d.cancel(&outcome, err, unresolved)
			return outcome
		}
	}

	outcome.fail(StatusExhausted, xerrors.CodeEndpointsExhausted,
		fmt.Sprintf("全部 %d 个端点均不可用", outcome.Attempts))
	d.log.Error("派发失败：端点已耗尽",
		slog.Int("attempts", outcome.Attempts),
		slog.String("recipient", outcome.Recipient.Hex()))
	return outcome
}

// cancel 结束派发。已签名但结果不明的交易可能已上链，哈希写入 Message。
func (d *Dispatcher) cancel(outcome *Outcome, err error, unresolved []*types.Transaction) {
	message := fmt.Sprintf("派发被取消: %v", err)
	if len(unresolved) > 0 {
		hashes := make([]string, 0, len(unresolved))
		for _, tx := range unresolved {
			hashes = append(hashes, tx.Hash().Hex())
		}
		message += "; 提交结果不明的交易: " + strings.Join(hashes, ", ")
	}
	outcome.fail(StatusCanceled, xerrors.CodeCanceled, message)
	d.log.Warn("派发被取消，停止尝试后续端点",
		slog.Int("attempts", outcome.Attempts),
		slog.Int("unresolved", len(unresolved)))
}

type attemptResult struct {
	tx        *types.Transaction
	recovered bool
	stage     string
	err       error
	ambiguous *types.Transaction
}

func (r attemptResult) result() string {
	if r.recovered {
		return "recovered"
	}
	return "submitted"
}

func failed(stage string, err error) attemptResult {
	return attemptResult{stage: stage, err: err}
}

// attempt 在单个端点上执行 查询 nonce → 签名 → 提交。
func (d *Dispatcher) attempt(ctx context.Context, ep web3.Endpoint, to common.Address, amount Amount, unresolved []*types.Transaction) attemptResult {
	if d.cfg.ProbePriorSubmissions {
		for _, prior := range unresolved {
			known, err := d.probe(ctx, ep, prior.Hash())
			switch {
			case err != nil:
				d.log.Warn("探测前次提交失败",
					slog.String("endpoint", ep.Name()),
					slog.String("tx_hash", prior.Hash().Hex()),
					slog.Any("error", err))
			case known:
				return attemptResult{tx: prior, recovered: true}
			}
		}
	}

	callCtx, cancel := d.callContext(ctx)
	nonce, err := ep.PendingNonceAt(callCtx, d.signer.Address())
	cancel()
	if err != nil {
		return failed("nonce", err)
	}

	chainID := d.cfg.ChainID
	if chainID == nil {
		callCtx, cancel = d.callContext(ctx)
		chainID, err = ep.ChainID(callCtx)
		cancel()
		if err != nil {
			return failed("chain_id", err)
		}
	}

	callCtx, cancel = d.callContext(ctx)
	fees, err := ep.SuggestFees(callCtx)
	cancel()
	if err != nil {
		return failed("fees", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: fees.TipCap,
		GasFeeCap: fees.FeeCap,
		Gas:       d.cfg.GasLimit,
		To:        &to,
		Value:     amount.Wei(),
	})
	signed, err := d.signer.SignTx(tx, chainID)
	if err != nil {
		return failed("sign", err)
	}

	callCtx, cancel = d.callContext(ctx)
	err = ep.SendTransaction(callCtx, signed)
	cancel()
	if err != nil {
		res := failed("submit", err)
		res.ambiguous = signed
		return res
	}
	return attemptResult{tx: signed}
}

func (d *Dispatcher) probe(ctx context.Context, ep web3.Endpoint, hash common.Hash) (bool, error) {
	callCtx, cancel := d.callContext(ctx)
	defer cancel()
	return ep.TransactionKnown(callCtx, hash)
}

func (d *Dispatcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.cfg.CallTimeout)
}

// isTimeout 区分超时与其他失败，便于日志。
func isTimeout(err error) bool {
	return stdErrors.Is(err, context.DeadlineExceeded)
}
