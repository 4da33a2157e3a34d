package billing

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CancellationFeeRate is the share of the booked price charged when only the tutor attended.
var CancellationFeeRate = decimal.RequireFromString("0.5")

func Cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ToMinorUnits converts a major-unit amount to integer cents for processor calls.
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

// SplitFee divides amount into the platform fee and tutor payout. The payout is the
// remainder after rounding the fee, so fee+payout always equals the rounded amount.
func SplitFee(amount, feePercentage decimal.Decimal) (fee, payout decimal.Decimal) {
	amount = Cents(amount)
	fee = Cents(amount.Mul(feePercentage).Div(hundred))
	payout = amount.Sub(fee)
	return fee, payout
}

// CancellationFee is the charge when the student did not attend.
func CancellationFee(price decimal.Decimal) decimal.Decimal {
	return Cents(price.Mul(CancellationFeeRate))
}
