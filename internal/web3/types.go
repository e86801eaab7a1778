package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Fees is the default EIP-1559 fee pair suggested by an endpoint.
type Fees struct {
	TipCap *big.Int
	FeeCap *big.Int
}

// Endpoint is one independently reachable, independently failable access
// point for a single chain. Implementations carry no health state between
// calls; every call is judged on its own.
type Endpoint interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (Fees, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// TransactionKnown reports whether the endpoint has seen the transaction,
	// either pending or mined.
	TransactionKnown(ctx context.Context, hash common.Hash) (bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	// LatestBlockSenders returns the sender of every transaction in the most
	// recent block, in block order. Duplicates are preserved.
	LatestBlockSenders(ctx context.Context) ([]common.Address, error)
	Close()
}

// EndpointSource hands out the endpoint pool in its fixed failover order.
type EndpointSource interface {
	Endpoints() []Endpoint
}
