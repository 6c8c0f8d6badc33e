package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CENTS - Integer minor units for internal accumulation
// =============================================================================
// Amounts cross the package boundary as decimal.Decimal, but every
// accumulation inside the checker and the balance calculator happens in
// integer cents so long sums cannot drift. Rounding to two decimals happens
// exactly once, on the way in.

// Cents is a signed monetary amount in minor units (hundredths).
type Cents int64

// Tolerance is the maximum absolute debit/credit difference an entry may
// carry and still be considered balanced: one cent.
const Tolerance Cents = 1

// CentsOf converts a decimal amount to cents, rounding half-up at two
// decimal places.
func CentsOf(d decimal.Decimal) Cents {
	return Cents(d.Round(2).Shift(2).IntPart())
}

// Decimal converts back to a two-decimal amount for presentation.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// Abs returns the absolute value.
func (c Cents) Abs() Cents {
	if c < 0 {
		return -c
	}
	return c
}

// WithinTolerance reports whether the amount is balanced to within one cent.
func (c Cents) WithinTolerance() bool {
	return c.Abs() <= Tolerance
}

func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

// SumSigned accumulates the signed amounts (debit - credit) of a set of lines.
func SumSigned(lines []EntryLine) Cents {
	var total Cents
	for _, l := range lines {
		total += l.Signed()
	}
	return total
}

// ValidateAmounts rejects malformed line amounts before any mutation:
// negative values, both sides set, or neither side set.
func ValidateAmounts(l EntryLine) error {
	if l.Debit.IsNegative() || l.Credit.IsNegative() {
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("line %s: negative amount", l.ID)}
	}
	if !l.OneSided() {
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("line %s: exactly one of debit/credit must be non-zero", l.ID)}
	}
	return nil
}
