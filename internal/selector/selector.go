// Package selector picks the recipient of the next transfer: a random
// allow-list entry with probability p, otherwise a random sender from the
// latest block, otherwise the safe-harbor address. The wallet's own address is
// filtered out of every candidate set before drawing, and selection never fails.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "StrongNet-Agent/internal/errors"
	"StrongNet-Agent/internal/observability/metrics"
	"StrongNet-Agent/internal/web3"
	"StrongNet-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Source 标识候选地址的来源。
type Source string

const (
	SourceAllowList  Source = "allow_list"
	SourceDiscovery  Source = "discovery"
	SourceSafeHarbor Source = "safe_harbor"
)

// Choice 是一次选择的结果。
type Choice struct {
	Address common.Address `json:"address"`
	Source  Source         `json:"source"`
}

// Config 描述选择器的静态输入。
type Config struct {
	AllowList   []string
	SafeHarbor  string
	Probability float64
	// CallTimeout 约束每次区块读取。
	CallTimeout time.Duration
}

// Option 配置 Selector。
type Option func(*Selector)

// WithRandom 注入随机源。
func WithRandom(r Random) Option {
	return func(s *Selector) {
		if r != nil {
			s.rnd = r
		}
	}
}

// WithLogger 注入日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) {
		if l != nil {
			s.log = l
		}
	}
}

// Selector 负责收款地址选择。
type Selector struct {
	self        common.Address
	allowList   []common.Address
	safeHarbor  common.Address
	probability float64
	callTimeout time.Duration
	endpoints   web3.EndpointSource
	rnd         Random
	log         *slog.Logger
}

// New 构造选择器。安全地址缺失、非法或等于钱包自身时返回错误。
func New(self common.Address, endpoints web3.EndpointSource, cfg Config, opts ...Option) (*Selector, error) {
	harbor := strings.TrimSpace(cfg.SafeHarbor)
	if !common.IsHexAddress(harbor) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("安全地址非法: %q", cfg.SafeHarbor))
	}
	safeHarbor := common.HexToAddress(harbor)
	if safeHarbor == self {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "安全地址不能是钱包自身地址")
	}

	allow := make([]common.Address, 0, len(cfg.AllowList))
	for _, raw := range cfg.AllowList {
		raw = strings.TrimSpace(raw)
		if !common.IsHexAddress(raw) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("白名单地址非法: %q", raw))
		}
		allow = append(allow, common.HexToAddress(raw))
	}

	p := cfg.Probability
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	s := &Selector{
		self:        self,
		allowList:   allow,
		safeHarbor:  safeHarbor,
		probability: p,
		callTimeout: cfg.CallTimeout,
		endpoints:   endpoints,
		rnd:         NewRandom(0),
		log:         logger.Named("selector"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Select 返回下一笔转账的收款地址，永不失败。
func (s *Selector) Select(ctx context.Context) (choice Choice) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("选择收款地址时发生异常，回退到安全地址", slog.Any("panic", r))
			choice = s.harbor()
		}
		metrics.ObserveSelection(string(choice.Source))
	}()

	if eligible := s.eligibleAllowList(); len(eligible) > 0 && s.rnd.Float64() < s.probability {
		return Choice{Address: eligible[s.rnd.Intn(len(eligible))], Source: SourceAllowList}
	}

	if addr, ok := s.discover(ctx); ok {
		return Choice{Address: addr, Source: SourceDiscovery}
	}
	return s.harbor()
}

func (s *Selector) harbor() Choice {
	return Choice{Address: s.safeHarbor, Source: SourceSafeHarbor}
}

// eligibleAllowList 在每次选择时过滤掉钱包自身。
func (s *Selector) eligibleAllowList() []common.Address {
	out := make([]common.Address, 0, len(s.allowList))
	for _, addr := range s.allowList {
		if addr != s.self {
			out = append(out, addr)
		}
	}
	return out
}

// discover 按顺序读取端点的最新区块，第一个可读区块决定结果。
func (s *Selector) discover(ctx context.Context) (common.Address, bool) {
	if s.endpoints == nil {
		return common.Address{}, false
	}
	for _, ep := range s.endpoints.Endpoints() {
		if ctx.Err() != nil {
			return common.Address{}, false
		}
		senders, err := s.latestSenders(ctx, ep)
		if err != nil {
			s.log.Warn("读取最新区块失败", slog.String("endpoint", ep.Name()), slog.Any("error", err))
			continue
		}

		candidates := make([]common.Address, 0, len(senders))
		for _, sender := range senders {
			if sender != s.self && sender != (common.Address{}) {
				candidates = append(candidates, sender)
			}
		}
		if len(candidates) == 0 {
			s.log.Debug("最新区块没有可用的发送方", slog.String("endpoint", ep.Name()), slog.Int("senders", len(senders)))
			return common.Address{}, false
		}
		return candidates[s.rnd.Intn(len(candidates))], true
	}
	return common.Address{}, false
}

func (s *Selector) latestSenders(ctx context.Context, ep web3.Endpoint) ([]common.Address, error) {
	callCtx := ctx
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	return ep.LatestBlockSenders(callCtx)
}
