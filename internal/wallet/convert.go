package wallet

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/degentalk/dgt-wallet/internal/ledger"
)

// payoutPrecision is the number of coin decimals sent to the processor.
const payoutPrecision = 8

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// toUnits converts a coin amount into DGT units, truncating any fraction.
func toUnits(amount decimal.Decimal, c Currency) (int64, error) {
	if !c.Rate.IsPositive() || !amount.IsPositive() {
		return 0, ledger.ErrInvalidAmount
	}
	units := amount.Mul(c.Rate).Truncate(0)
	if units.GreaterThan(maxUnits) || !units.IsPositive() {
		return 0, ledger.ErrInvalidAmount
	}
	return units.IntPart(), nil
}

// toCoin converts DGT units into a coin amount for a payout.
func toCoin(units int64, c Currency) (decimal.Decimal, error) {
	if !c.Rate.IsPositive() || units <= 0 {
		return decimal.Zero, ledger.ErrInvalidAmount
	}
	return decimal.NewFromInt(units).DivRound(c.Rate, payoutPrecision+2).Truncate(payoutPrecision), nil
}
