package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Symbol is the currency code carried by every asset string.
const Symbol = "SEEDS"

// Precision is the number of decimal digits in an asset string. All amounts
// are stored as int64 base units (1 SEEDS = 10^4 base units).
const Precision = 4

// unitsPerWhole is 10^Precision.
const unitsPerWhole = 10000

// Amount is a fixed-point currency amount in base units.
type Amount int64

// NewAmount builds an Amount from whole currency units.
func NewAmount(whole int64) Amount {
	return Amount(whole * unitsPerWhole)
}

// ParseAmount parses an asset string like "500.0000 SEEDS". The fractional
// part must carry exactly Precision digits and the symbol must match.
func ParseAmount(s string) (Amount, error) {
	parts := strings.Split(s, " ")
	if len(parts) != 2 || parts[1] != Symbol {
		return 0, fmt.Errorf("%w: malformed asset %q", ErrInvalidAmount, s)
	}
	num := parts[0]
	neg := strings.HasPrefix(num, "-")
	if neg {
		num = num[1:]
	}
	whole, frac, ok := strings.Cut(num, ".")
	if !ok || len(frac) != Precision {
		return 0, fmt.Errorf("%w: asset %q must have %d decimal digits", ErrInvalidAmount, s, Precision)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: asset %q", ErrInvalidAmount, s)
	}
	f, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: asset %q", ErrInvalidAmount, s)
	}
	if w > math.MaxInt64/unitsPerWhole-1 {
		return 0, fmt.Errorf("%w: asset %q overflows", ErrInvalidAmount, s)
	}
	units := w*unitsPerWhole + int64(f)
	if neg {
		units = -units
	}
	return Amount(units), nil
}

// String renders the amount as an asset string, e.g. "500.0000 SEEDS".
func (a Amount) String() string {
	units := int64(a)
	sign := ""
	if units < 0 {
		sign = "-"
		units = -units
	}
	return fmt.Sprintf("%s%d.%04d %s", sign, units/unitsPerWhole, units%unitsPerWhole, Symbol)
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a > 0 }

// Add returns a+b, failing instead of wrapping on int64 overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, fmt.Errorf("%w: amount overflow", ErrInvalidAmount)
	}
	return sum, nil
}

// Sub returns a-b, failing if the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, ErrInsufficientStake
	}
	return a - b, nil
}

// Twelfths returns the cumulative amount released after n of 12 vesting
// periods. Successive differences telescope, so a full 12-period sequence
// sums back to the principal exactly.
func (a Amount) Twelfths(n int) Amount {
	if n < 0 {
		n = 0
	}
	if n > 12 {
		n = 12
	}
	return Amount(int64(a) * int64(n) / 12)
}
