package types

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// RoundMilli rounds v to three decimal places. Like Python's round(v, 3) it
// rounds the exact binary value of v, so only values that are exactly halfway
// are rounded to even.
func RoundMilli(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	// 1100 fractional digits hold the full expansion of any float64
	exact := new(big.Float).SetFloat64(v).Text('f', 1100)
	return decimal.RequireFromString(exact).RoundBank(3).InexactFloat64()
}
