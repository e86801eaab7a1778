package dispatch

import (
	"encoding/json"
	"math/big"
	"strings"

	xerrors "StrongNet-Agent/internal/errors"

	"github.com/shopspring/decimal"
)

const weiDecimals = 18

// Amount 是以 ether 为单位的十进制转账金额。
type Amount struct {
	value decimal.Decimal
}

// ParseAmount 解析十进制 ether 金额，金额必须为正且精度不超过 wei。
func ParseAmount(raw string) (Amount, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return Amount{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "转账金额格式非法")
	}
	if !value.IsPositive() {
		return Amount{}, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须大于 0")
	}
	wei := value.Shift(weiDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return Amount{}, xerrors.New(xerrors.CodeInvalidArgument, "转账金额精度超过 wei")
	}
	return Amount{value: value}, nil
}

// MustParseAmount 用于常量金额。
func MustParseAmount(raw string) Amount {
	a, err := ParseAmount(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// IsPositive 报告金额是否大于 0。零值 Amount 不是正数。
func (a Amount) IsPositive() bool {
	return a.value.IsPositive()
}

// Wei 返回以 wei 为单位的整数金额。
func (a Amount) Wei() *big.Int {
	return a.value.Shift(weiDecimals).BigInt()
}

// String 返回不带指数的十进制表示，例如 "0.0000001"。
func (a Amount) String() string {
	return a.value.String()
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}
