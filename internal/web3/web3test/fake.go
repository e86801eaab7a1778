// Package web3test provides a scriptable in-memory web3.Endpoint for tests.
package web3test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"StrongNet-Agent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrUnavailable is the default failure returned by a failing endpoint.
var ErrUnavailable = errors.New("endpoint unavailable")

// Endpoint is a fake endpoint. Zero-valued fields mean "succeed".
type Endpoint struct {
	Label string

	NonceErr   error
	Nonce      uint64
	FeesErr    error
	SendErr    error
	SendDelay  time.Duration
	BlockErr   error
	Senders    []common.Address
	ReceiptErr error
	// ReceiptStatus defaults to successful.
	ReceiptStatus *uint64
	// KnownHashes are reported by TransactionKnown.
	KnownHashes map[common.Hash]bool
	// AcceptThenFail stores the submission but still returns SendErr, like a
	// node that accepted the transaction before the connection dropped.
	AcceptThenFail bool
	// Peers share a mempool with this endpoint for TransactionKnown.
	Peers []*Endpoint

	mu          sync.Mutex
	nonceCalls  int
	sendCalls   int
	blockCalls  int
	probeCalls  int
	sent        []*types.Transaction
	receiptWait int
}

// Failing returns an endpoint whose nonce lookup always fails.
func Failing(label string) *Endpoint {
	return &Endpoint{Label: label, NonceErr: ErrUnavailable, BlockErr: ErrUnavailable}
}

// Healthy returns an endpoint that accepts everything.
func Healthy(label string) *Endpoint {
	return &Endpoint{Label: label}
}

var _ web3.Endpoint = (*Endpoint)(nil)

func (e *Endpoint) Name() string { return e.Label }

func (e *Endpoint) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (e *Endpoint) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	e.mu.Lock()
	e.nonceCalls++
	e.mu.Unlock()
	if e.NonceErr != nil {
		return 0, e.NonceErr
	}
	return e.Nonce, ctx.Err()
}

func (e *Endpoint) SuggestFees(context.Context) (web3.Fees, error) {
	if e.FeesErr != nil {
		return web3.Fees{}, e.FeesErr
	}
	return web3.Fees{TipCap: big.NewInt(1_000_000_000), FeeCap: big.NewInt(3_000_000_000)}, nil
}

func (e *Endpoint) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	e.mu.Lock()
	e.sendCalls++
	e.mu.Unlock()
	if e.SendDelay > 0 {
		select {
		case <-time.After(e.SendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.SendErr != nil && !e.AcceptThenFail {
		return e.SendErr
	}
	e.mu.Lock()
	e.sent = append(e.sent, tx)
	e.mu.Unlock()
	return e.SendErr
}

func (e *Endpoint) TransactionKnown(_ context.Context, hash common.Hash) (bool, error) {
	e.mu.Lock()
	e.probeCalls++
	known := e.KnownHashes[hash]
	e.mu.Unlock()
	if known {
		return true, nil
	}
	for _, ep := range append([]*Endpoint{e}, e.Peers...) {
		for _, tx := range ep.Sent() {
			if tx.Hash() == hash {
				return true, nil
			}
		}
	}
	return false, nil
}

func (e *Endpoint) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if e.ReceiptErr != nil {
		return nil, e.ReceiptErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.receiptWait > 0 {
		e.receiptWait--
		return nil, gethcore.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if e.ReceiptStatus != nil {
		status = *e.ReceiptStatus
	}
	return &types.Receipt{TxHash: hash, Status: status, BlockNumber: big.NewInt(1)}, ctx.Err()
}

// PendingReceipts makes the next n receipt lookups report "not found".
func (e *Endpoint) PendingReceipts(n int) {
	e.mu.Lock()
	e.receiptWait = n
	e.mu.Unlock()
}

func (e *Endpoint) LatestBlockSenders(context.Context) ([]common.Address, error) {
	e.mu.Lock()
	e.blockCalls++
	e.mu.Unlock()
	if e.BlockErr != nil {
		return nil, e.BlockErr
	}
	out := make([]common.Address, len(e.Senders))
	copy(out, e.Senders)
	return out, nil
}

func (e *Endpoint) Close() {}

// NonceCalls reports how many nonce lookups were made.
func (e *Endpoint) NonceCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nonceCalls
}

// SendCalls reports how many submissions were attempted.
func (e *Endpoint) SendCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendCalls
}

// BlockCalls reports how many latest-block lookups were made.
func (e *Endpoint) BlockCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blockCalls
}

// ProbeCalls reports how many TransactionKnown lookups were made.
func (e *Endpoint) ProbeCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.probeCalls
}

// Sent returns the accepted transactions.
func (e *Endpoint) Sent() []*types.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.Transaction, len(e.sent))
	copy(out, e.sent)
	return out
}

// Source adapts a list of endpoints to web3.EndpointSource.
type Source []web3.Endpoint

func (s Source) Endpoints() []web3.Endpoint {
	out := make([]web3.Endpoint, len(s))
	copy(out, s)
	return out
}

// Of builds a Source from fake endpoints.
func Of(endpoints ...*Endpoint) Source {
	out := make(Source, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, ep)
	}
	return out
}
