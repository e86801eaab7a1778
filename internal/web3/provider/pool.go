package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"StrongNet-Agent/internal/config"
	"StrongNet-Agent/internal/web3"
	"StrongNet-Agent/internal/web3/ethereum"
)

// Pool is the ordered set of interchangeable endpoints for one chain. It
// holds no health state: a failing endpoint is only skipped by the caller
// for the attempt at hand.
type Pool struct {
	chain     string
	chainID   *big.Int
	endpoints []web3.Endpoint
}

// NewPool resolves the configured chain and dials every endpoint in order.
func NewPool(ctx context.Context, cfg config.Web3Config) (*Pool, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	chainName, def, err := pickChain(defs, cfg)
	if err != nil {
		return nil, err
	}

	chainType := strings.ToLower(strings.TrimSpace(def.Type))
	if chainType != "" && chainType != "evm" {
		return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", chainName, def.Type)
	}

	var chainID *big.Int
	switch {
	case cfg.ChainID > 0:
		chainID = big.NewInt(cfg.ChainID)
	case def.ChainID > 0:
		chainID = big.NewInt(def.ChainID)
	}

	ordered := def.OrderedEndpoints()
	if len(ordered) == 0 {
		return nil, fmt.Errorf("链 %s 未配置任何 RPC 端点", chainName)
	}

	endpoints := make([]web3.Endpoint, 0, len(ordered))
	for _, ep := range ordered {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:    ep.Name,
			RPCURL:  ep.RPCURL,
			ChainID: chainID,
		})
		if err != nil {
			for _, opened := range endpoints {
				opened.Close()
			}
			return nil, fmt.Errorf("初始化端点 %s 失败: %w", ep.Name, err)
		}
		endpoints = append(endpoints, client)
	}

	return &Pool{chain: chainName, chainID: chainID, endpoints: endpoints}, nil
}

// NewPoolFromEndpoints builds a pool over already constructed endpoints.
func NewPoolFromEndpoints(chain string, endpoints ...web3.Endpoint) *Pool {
	list := make([]web3.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep != nil {
			list = append(list, ep)
		}
	}
	return &Pool{chain: chain, endpoints: list}
}

func pickChain(defs web3.ChainDefinitions, cfg config.Web3Config) (string, web3.ChainDefinition, error) {
	if len(defs.Chains) == 0 {
		if len(cfg.RPCURLs) == 0 {
			return "", web3.ChainDefinition{}, errors.New("未配置任何链的 RPC 端点")
		}
		name := cfg.DefaultChain
		if name == "" {
			name = "default"
		}
		def := web3.ChainDefinition{ChainID: cfg.ChainID}
		for i, url := range cfg.RPCURLs {
			def.Endpoints = append(def.Endpoints, web3.EndpointDefinition{
				Name:   fmt.Sprintf("rpc-%d", i+1),
				RPCURL: url,
			})
		}
		return name, def, nil
	}

	name := cfg.DefaultChain
	if name == "" {
		names := make([]string, 0, len(defs.Chains))
		for n := range defs.Chains {
			names = append(names, n)
		}
		sort.Strings(names)
		name = names[0]
	}
	def, ok := defs.Chains[name]
	if !ok {
		return "", web3.ChainDefinition{}, fmt.Errorf("默认链 %s 未在配置中找到", name)
	}
	return name, def, nil
}

// Endpoints returns the endpoints in fixed failover order. The slice is a
// copy; callers may not reorder the pool.
func (p *Pool) Endpoints() []web3.Endpoint {
	if p == nil {
		return nil
	}
	out := make([]web3.Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// Len reports the pool size.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.endpoints)
}

// Chain returns the configured chain name.
func (p *Pool) Chain() string {
	if p == nil {
		return ""
	}
	return p.chain
}

// ChainID returns the configured chain id, or nil when it is discovered per
// endpoint.
func (p *Pool) ChainID() *big.Int {
	if p == nil || p.chainID == nil {
		return nil
	}
	return new(big.Int).Set(p.chainID)
}

// Names lists endpoint names in order.
func (p *Pool) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		names = append(names, ep.Name())
	}
	return names
}

// Close releases all endpoints.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	for _, ep := range p.endpoints {
		ep.Close()
	}
	p.endpoints = nil
}
