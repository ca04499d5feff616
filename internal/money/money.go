package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a fixed-point monetary amount in the tenant's currency.
type Money struct {
	amount decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{amount: decimal.Zero}

// New wraps a decimal amount.
func New(d decimal.Decimal) Money {
	return Money{amount: d}
}

// FromCents builds Money from integer minor units.
func FromCents(cents int64) Money {
	return Money{amount: decimal.New(cents, -2)}
}

// FromFloat converts a float, rounded to cents. Use only at system edges.
func FromFloat(v float64) Money {
	return Money{amount: decimal.NewFromFloat(v).Round(2)}
}

// Parse reads a decimal string such as "310.00".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return Money{amount: d}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal exposes the underlying amount.
func (m Money) Decimal() decimal.Decimal { return m.amount }

// Add returns m + o.
func (m Money) Add(o Money) Money { return Money{amount: m.amount.Add(o.amount)} }

// Sub returns m - o.
func (m Money) Sub(o Money) Money { return Money{amount: m.amount.Sub(o.amount)} }

// Neg returns -m.
func (m Money) Neg() Money { return Money{amount: m.amount.Neg()} }

// Mul multiplies by a decimal factor without rounding.
func (m Money) Mul(f decimal.Decimal) Money { return Money{amount: m.amount.Mul(f)} }

// Div divides by a decimal factor without rounding beyond decimal's default precision.
func (m Money) Div(f decimal.Decimal) Money { return Money{amount: m.amount.Div(f)} }

// Round2 rounds half away from zero to cents.
func (m Money) Round2() Money { return Money{amount: m.amount.Round(2)} }

// Cmp compares m with o.
func (m Money) Cmp(o Money) int { return m.amount.Cmp(o.amount) }

// Equal reports numeric equality.
func (m Money) Equal(o Money) bool { return m.amount.Equal(o.amount) }

// IsZero reports m == 0.
func (m Money) IsZero() bool { return m.amount.IsZero() }

// IsPositive reports m > 0.
func (m Money) IsPositive() bool { return m.amount.IsPositive() }

// IsNegative reports m < 0.
func (m Money) IsNegative() bool { return m.amount.IsNegative() }

// Cents returns the amount in minor units, rounded.
func (m Money) Cents() int64 { return m.amount.Shift(2).Round(0).IntPart() }

// String formats with two decimals.
func (m Money) String() string { return m.amount.StringFixed(2) }

// Min returns the smaller of a and b.
func Min(a, b Money) Money {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Money) Money {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Sum adds all values.
func Sum(values ...Money) Money {
	total := Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// MarshalJSON encodes as a fixed two-decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.amount.StringFixed(2))
}

// UnmarshalJSON accepts strings or numbers.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("money: %w", err)
	}
	m.amount = d
	return nil
}

// Value stores the amount as NUMERIC text.
func (m Money) Value() (driver.Value, error) {
	return m.amount.String(), nil
}

// Scan reads NUMERIC columns.
func (m *Money) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("money: scan: %w", err)
	}
	m.amount = d
	return nil
}
