// Package money provides rounding-safe arithmetic helpers for monetary
// amounts and quantities. Precision is carried explicitly per call so the
// same helpers serve currencies and units of measure with different decimal
// settings.
package money

import (
	"math"

	"github.com/shopspring/decimal"
)

// Round rounds x half-up at the given number of decimal digits. The
// conversion goes through a decimal representation so values such as 2.675
// round to 2.68 instead of drifting on the binary mantissa.
func Round(x float64, digits int32) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return decimal.NewFromFloat(x).Round(digits).InexactFloat64()
}

// RoundMoney rounds a monetary amount at the currency's decimal precision.
func RoundMoney(x float64, precision int32) float64 {
	return Round(x, precision)
}

// RoundQty rounds a quantity at the unit of measure's decimal precision.
func RoundQty(x float64, precision int32) float64 {
	return Round(x, precision)
}

// IsZero reports whether x is zero within half a unit of the last decimal
// digit. Upstream values pass through currency conversion and tax
// computation, so exact equality would leak fractional remainders.
func IsZero(x float64, precision int32) bool {
	return math.Abs(x) < 0.5*math.Pow(10, float64(-precision))
}

// Compare returns -1, 0 or 1 comparing a and b at the given precision,
// treating differences below tolerance as equal.
func Compare(a, b float64, precision int32) int {
	diff := a - b
	if IsZero(diff, precision) {
		return 0
	}
	if diff < 0 {
		return -1
	}
	return 1
}

// Min returns the smaller of a and b.
func Min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
