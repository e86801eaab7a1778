package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"StrongNet-Agent/internal/config"
	"StrongNet-Agent/internal/web3/web3test"
)

func TestNewPoolFromRPCURLs(t *testing.T) {
	pool, err := NewPool(context.Background(), config.Web3Config{
		DefaultChain: "local",
		RPCURLs:      []string{"http://127.0.0.1:8545", "http://127.0.0.1:9545"},
		ChainID:      1337,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	if pool.Len() != 2 {
		t.Fatalf("expected 2 endpoints, got %d", pool.Len())
	}
	if pool.Chain() != "local" {
		t.Fatalf("unexpected chain %q", pool.Chain())
	}
	if pool.ChainID().Int64() != 1337 {
		t.Fatalf("unexpected chain id %s", pool.ChainID())
	}
	names := pool.Names()
	if names[0] != "rpc-1" || names[1] != "rpc-2" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestNewPoolFromChainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	content := `chains:
  zeta:
    chain_id: 7
    rpc_url: http://127.0.0.1:1
  alpha:
    type: evm
    chain_id: 97
    endpoints:
      - name: primary
        rpc_url: http://127.0.0.1:2
      - name: backup
        rpc_url: http://127.0.0.1:3
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chain config: %v", err)
	}

	pool, err := NewPool(context.Background(), config.Web3Config{ChainConfig: path})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	// 未指定默认链时按名称排序选择第一条。
	if pool.Chain() != "alpha" {
		t.Fatalf("unexpected chain %q", pool.Chain())
	}
	if got := pool.Names(); len(got) != 2 || got[0] != "primary" || got[1] != "backup" {
		t.Fatalf("unexpected names %v", got)
	}
	if pool.ChainID().Int64() != 97 {
		t.Fatalf("unexpected chain id %s", pool.ChainID())
	}
}

func TestNewPoolErrors(t *testing.T) {
	if _, err := NewPool(context.Background(), config.Web3Config{}); err == nil {
		t.Fatal("expected error without endpoints")
	}

	path := filepath.Join(t.TempDir(), "chain.yaml")
	content := `chains:
  solana:
    type: svm
    rpc_url: http://127.0.0.1:1
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chain config: %v", err)
	}
	if _, err := NewPool(context.Background(), config.Web3Config{ChainConfig: path}); err == nil {
		t.Fatal("expected error for non-evm chain")
	}
	if _, err := NewPool(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "missing"}); err == nil {
		t.Fatal("expected error for unknown default chain")
	}
}

func TestEndpointsReturnsCopy(t *testing.T) {
	a, b := web3test.Healthy("a"), web3test.Healthy("b")
	pool := NewPoolFromEndpoints("test", a, nil, b)
	if pool.Len() != 2 {
		t.Fatalf("nil endpoints must be skipped, got %d", pool.Len())
	}

	list := pool.Endpoints()
	list[0], list[1] = list[1], list[0]
	if pool.Endpoints()[0].Name() != "a" {
		t.Fatal("pool order must not change through the returned slice")
	}
	if pool.ChainID() != nil {
		t.Fatal("expected nil chain id for ad-hoc pool")
	}
}
