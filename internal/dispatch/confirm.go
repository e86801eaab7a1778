package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "StrongNet-Agent/internal/errors"
	"StrongNet-Agent/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// confirm 按策略完成成功结果。回执等待失败不会切换端点：交易已经提交，
// 再签一笔只会造成重复转账。
func (d *Dispatcher) confirm(ctx context.Context, ep web3.Endpoint, outcome *Outcome) {
	outcome.Status = StatusSucceeded
	if d.cfg.Policy != PolicyReceipt {
		return
	}

	receipt, err := d.waitReceipt(ctx, ep, common.HexToHash(outcome.TxHash))
	if err != nil {
		outcome.fail(StatusUnconfirmed, xerrors.CodeConfirmationFailure, fmt.Sprintf("等待交易回执失败: %v", err))
		d.log.Warn("交易未能在时限内确认",
			slog.String("endpoint", ep.Name()),
			slog.String("tx_hash", outcome.TxHash),
			slog.Bool("timeout", isTimeout(err)),
			slog.Any("error", err))
		return
	}
	if receipt.BlockNumber != nil {
		outcome.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		outcome.fail(StatusReverted, xerrors.CodeConfirmationFailure, "交易执行失败")
		d.log.Warn("交易已上链但执行失败", slog.String("tx_hash", outcome.TxHash), slog.Uint64("block", outcome.BlockNumber))
		return
	}
	d.log.Info("交易已确认", slog.String("tx_hash", outcome.TxHash), slog.Uint64("block", outcome.BlockNumber))
}

func (d *Dispatcher) waitReceipt(ctx context.Context, ep web3.Endpoint, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(d.cfg.ConfirmPoll)
	defer ticker.Stop()

	for {
		callCtx, callCancel := d.callContext(waitCtx)
		receipt, err := ep.TransactionReceipt(callCtx, hash)
		callCancel()
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !stdErrors.Is(err, gethcore.NotFound):
			d.log.Debug("查询回执失败，稍后重试", slog.String("endpoint", ep.Name()), slog.Any("error", err))
		}

		select {
		case <-waitCtx.Done():
			return nil, waitCtx.Err()
		case <-ticker.C:
		}
	}
}
