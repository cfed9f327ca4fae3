// Package money holds the rounding rules shared by every monetary value the
// engine returns.
package money

import (
	"math"

	"github.com/shopspring/decimal"
)

// Round2 rounds v to two decimal places, half away from zero.
//
// The value is converted through its shortest decimal representation first,
// so 1.005 rounds to 1.01 rather than 1.00. NaN and infinities become 0.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// Percent returns part/whole*100 rounded to the nearest integer. A
// non-positive whole yields 0.
func Percent(part, whole float64) int {
	if whole <= 0 || math.IsNaN(part) || math.IsNaN(whole) {
		return 0
	}
	p := decimal.NewFromFloat(part).Div(decimal.NewFromFloat(whole)).Mul(decimal.NewFromInt(100))
	return int(p.Round(0).IntPart())
}

// Mul multiplies a unit price by a quantity and rounds the result.
func Mul(unit float64, quantity int) float64 {
	if math.IsNaN(unit) || math.IsInf(unit, 0) {
		return 0
	}
	return decimal.NewFromFloat(unit).Mul(decimal.NewFromInt(int64(quantity))).Round(2).InexactFloat64()
}

// Sub returns a-b rounded to two decimals.
func Sub(a, b float64) float64 {
	return Round2(decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).InexactFloat64())
}

// Add returns a+b rounded to two decimals.
func Add(a, b float64) float64 {
	return Round2(decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).InexactFloat64())
}

// FromCents converts an integer amount of minor units to a two-decimal value.
func FromCents(cents int64) float64 {
	return decimal.New(cents, -2).InexactFloat64()
}
