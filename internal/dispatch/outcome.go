package dispatch

import (
	"github.com/ethereum/go-ethereum/common"

	xerrors "StrongNet-Agent/internal/errors"
)

// Status 是一次派发的终态。
type Status string

const (
	StatusSucceeded         Status = "succeeded"
	StatusBlockedSelfTarget Status = "blocked_self_target"
	StatusExhausted         Status = "exhausted"
	StatusUnconfirmed       Status = "unconfirmed"
	StatusReverted          Status = "reverted"
	StatusCanceled          Status = "canceled"
	StatusInvalid           Status = "invalid"
)

// AttemptError 记录某个端点在某一步的失败。
type AttemptError struct {
	Endpoint string `json:"endpoint"`
	Stage    string `json:"stage"`
	Error    string `json:"error"`
	// TxHash 在签名后提交失败时记录，提交可能已被网络接受。
	TxHash string `json:"tx_hash,omitempty"`
}

// Outcome 是 Dispatch 的返回值。失败以值的形式返回，不会 panic 或返回 error。
type Outcome struct {
	Status    Status         `json:"status"`
	Recipient common.Address `json:"recipient"`
	Amount    Amount         `json:"amount"`
	TxHash    string         `json:"tx_hash,omitempty"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Nonce     *uint64        `json:"nonce,omitempty"`
	// Recovered 表示交易由前一个端点提交，本端点只确认了它的存在。
	Recovered   bool           `json:"recovered,omitempty"`
	BlockNumber uint64         `json:"block_number,omitempty"`
	Attempts    int            `json:"attempts"`
	Errors      []AttemptError `json:"errors,omitempty"`
	Code        xerrors.Code   `json:"code,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// Succeeded 报告派发是否成功。
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}

// ConfirmationID 返回成功派发的交易哈希。
func (o Outcome) ConfirmationID() string {
	if !o.Succeeded() {
		return ""
	}
	return o.TxHash
}

// Err 把非成功的结果转换为统一错误，成功时返回 nil。
func (o Outcome) Err() error {
	if o.Succeeded() {
		return nil
	}
	code := o.Code
	if code == "" {
		code = xerrors.CodeUnknown
	}
	opts := []xerrors.Option{xerrors.WithMetadata("status", string(o.Status))}
	if o.TxHash != "" {
		opts = append(opts, xerrors.WithMetadata("tx_hash", o.TxHash))
	}
	return xerrors.New(code, o.Message, opts...)
}

func (o *Outcome) fail(status Status, code xerrors.Code, message string) {
	o.Status = status
	o.Code = code
	o.Message = message
}
