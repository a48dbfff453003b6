package chain

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

var ErrAmountPrecision = errors.New("amount has more precision than token decimals")

// ToBaseUnits converts a token-denominated decimal amount into integer
// base units (wei for 18 decimals). Amounts finer than the token's
// precision are rejected rather than silently truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int) (*big.Int, error) {
	shifted := amount.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, ErrAmountPrecision
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts integer base units back to a token-denominated
// decimal.
func FromBaseUnits(amount *big.Int, decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, 0).Shift(int32(-decimals))
}
