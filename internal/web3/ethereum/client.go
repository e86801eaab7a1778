package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"StrongNet-Agent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct a client for one EVM endpoint.
type Config struct {
	Name    string
	RPCURL  string
	ChainID *big.Int
}

// backend mirrors the subset of ethclient methods the dispatch engine relies
// on. Both *ethclient.Client and the simulated backend client satisfy it.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*coretypes.Block, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.Endpoint for a single EVM compatible RPC endpoint.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   backend

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint. For HTTP endpoints dialing
// does not open a connection, so an unreachable endpoint only surfaces on the
// first call.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点 %s 失败: %w", rpcURL, err)
	}
	eth := ethclient.NewClient(rpcClient)

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = rpcURL
	}

	client := &Client{
		name:      name,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
	}
	if cfg.ChainID != nil {
		client.chainID = new(big.Int).Set(cfg.ChainID)
	}
	return client, nil
}

// NewSimulatedClient wraps an in-process backend (for example the
// go-ethereum simulated chain) for testing purposes.
func NewSimulatedClient(name string, b backend) *Client {
	return &Client{name: name, backend: b}
}

// Name returns the endpoint label used in logs and outcomes.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	c.backend = nil
}

func (c *Client) chain() (backend, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, fmt.Errorf("endpoint %s 已关闭", c.name)
	}
	return c.backend, nil
}

// ChainID returns the chain id reported by the endpoint. The first successful
// answer is remembered for the lifetime of the client.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	b, err := c.chain()
	if err != nil {
		return nil, err
	}
	id, err := b.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// PendingNonceAt asks this endpoint for the next valid nonce of the account.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b, err := c.chain()
	if err != nil {
		return 0, err
	}
	nonce, err := b.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// SuggestFees returns the node's default tip and a fee cap of twice the
// latest base fee plus the tip.
func (c *Client) SuggestFees(ctx context.Context) (web3.Fees, error) {
	b, err := c.chain()
	if err != nil {
		return web3.Fees{}, err
	}
	tip, err := b.SuggestGasTipCap(ctx)
	if err != nil {
		return web3.Fees{}, fmt.Errorf("获取小费建议失败: %w", err)
	}
	head, err := b.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.Fees{}, fmt.Errorf("获取最新区块头失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}
	return web3.Fees{TipCap: tip, FeeCap: feeCap}, nil
}

// SendTransaction submits a signed transaction to this endpoint only.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if tx == nil {
		return errors.New("交易不能为空")
	}
	b, err := c.chain()
	if err != nil {
		return err
	}
	if err := b.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("发送交易失败: %w", err)
	}
	return nil
}

// TransactionKnown reports whether the endpoint knows the transaction hash.
func (c *Client) TransactionKnown(ctx context.Context, hash common.Hash) (bool, error) {
	b, err := c.chain()
	if err != nil {
		return false, err
	}
	_, _, err = b.TransactionByHash(ctx, hash)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gethcore.NotFound) {
		return false, nil
	}
	return false, fmt.Errorf("查询交易 %s 失败: %w", hash.Hex(), err)
}

// TransactionReceipt returns gethcore.NotFound (wrapped) while the
// transaction is still pending.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	b, err := c.chain()
	if err != nil {
		return nil, err
	}
	receipt, err := b.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}
	return receipt, nil
}

// rpcBlock keeps only what sender discovery needs. Reading "from" straight
// from the node avoids decoding chain specific transaction types that
// go-ethereum does not know about (for example OP stack deposits).
type rpcBlock struct {
	Transactions []struct {
		From common.Address `json:"from"`
	} `json:"transactions"`
}

// LatestBlockSenders returns the sender of every transaction in the latest
// block.
func (c *Client) LatestBlockSenders(ctx context.Context) ([]common.Address, error) {
	c.mu.Lock()
	rpcClient := c.rpcClient
	c.mu.Unlock()

	if rpcClient != nil {
		var block *rpcBlock
		if err := rpcClient.CallContext(ctx, &block, "eth_getBlockByNumber", "latest", true); err != nil {
			return nil, fmt.Errorf("获取最新区块失败: %w", err)
		}
		if block == nil {
			return nil, nil
		}
		senders := make([]common.Address, 0, len(block.Transactions))
		for _, tx := range block.Transactions {
			senders = append(senders, tx.From)
		}
		return senders, nil
	}

	b, err := c.chain()
	if err != nil {
		return nil, err
	}
	block, err := b.BlockByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块失败: %w", err)
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	signer := coretypes.LatestSignerForChainID(chainID)
	senders := make([]common.Address, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		from, err := coretypes.Sender(signer, tx)
		if err != nil {
			continue
		}
		senders = append(senders, from)
	}
	return senders, nil
}
