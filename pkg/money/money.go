// Package money holds the fixed-point helpers shared by the schedule,
// wallet and settlement code. All amounts are shopspring decimals carried
// at two decimal places.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal places every stored amount is rounded to.
const Places = 2

var (
	hundred      = decimal.NewFromInt(100)
	monthsInYear = decimal.NewFromInt(12)
)

// Round rounds half-even to two places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Places)
}

// IsPositive reports whether d is strictly greater than zero.
func IsPositive(d decimal.Decimal) bool {
	return d.GreaterThan(decimal.Zero)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// SimpleInterest returns principal × rate% × months/12, unrounded.
func SimpleInterest(principal, annualRatePct decimal.Decimal, months int) decimal.Decimal {
	return principal.
		Mul(annualRatePct).
		Div(hundred).
		Mul(decimal.NewFromInt(int64(months))).
		Div(monthsInYear)
}

// Split divides total into n amounts of two places. Every share but the last
// is total/n truncated to the cent; the last absorbs the residual, so it is
// never smaller than the others and the shares always sum to Round(total).
func Split(total decimal.Decimal, n int) ([]decimal.Decimal, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cannot split into %d parts", n)
	}
	total = Round(total)
	share := total.Div(decimal.NewFromInt(int64(n))).RoundDown(Places)

	parts := make([]decimal.Decimal, n)
	allocated := decimal.Zero
	for i := 0; i < n-1; i++ {
		parts[i] = share
		allocated = allocated.Add(share)
	}
	parts[n-1] = total.Sub(allocated)
	return parts, nil
}

// Sum adds up amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
