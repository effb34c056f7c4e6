package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnitMismatch is returned when arithmetic is attempted across
	// two different currencies.
	ErrUnitMismatch = errors.New("amounts have different units")

	// ErrBadAmount is returned when an amount string cannot be parsed.
	ErrBadAmount = errors.New("malformed amount")

	// minimumStep is the smallest representable on-chain step for HIVE
	// and HBD amounts.
	minimumStep = decimal.New(1, -3)
)

// Amount is a value in a single currency. Hive-side amounts keep the three
// decimal places the chain quotes them at, Lightning amounts are integer
// millisatoshis.
type Amount struct {
	Value decimal.Decimal `bson:"value" json:"value"`
	Unit  Currency        `bson:"unit" json:"unit"`
}

// NewAmount returns an amount of the given unit.
func NewAmount(value decimal.Decimal, unit Currency) Amount {
	return Amount{
		Value: value,
		Unit:  unit,
	}
}

// ZeroAmount returns the zero value of the given unit.
func ZeroAmount(unit Currency) Amount {
	return Amount{Unit: unit}
}

// MsatsAmount returns a millisatoshi amount.
func MsatsAmount(msats int64) Amount {
	return Amount{
		Value: decimal.NewFromInt(msats),
		Unit:  Msats,
	}
}

// ParseAmount parses a legacy-format asset string such as "10.000 HIVE"
// into an amount.
func ParseAmount(s string) (Amount, error) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) != 2 {
		return Amount{}, fmt.Errorf("%w: %v", ErrBadAmount, s)
	}

	value, err := decimal.NewFromString(parts[0])
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %v", ErrBadAmount, s)
	}

	unit, err := ParseCurrency(parts[1])
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %v", ErrBadAmount, s)
	}

	return NewAmount(value, unit), nil
}

// Add returns the sum of two amounts of the same unit.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Unit != b.Unit {
		return Amount{}, fmt.Errorf("%w: %v and %v", ErrUnitMismatch,
			a.Unit, b.Unit)
	}

	return NewAmount(a.Value.Add(b.Value), a.Unit), nil
}

// Sub returns the difference of two amounts of the same unit.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Unit != b.Unit {
		return Amount{}, fmt.Errorf("%w: %v and %v", ErrUnitMismatch,
			a.Unit, b.Unit)
	}

	return NewAmount(a.Value.Sub(b.Value), a.Unit), nil
}

// Neg returns the amount with its sign flipped.
func (a Amount) Neg() Amount {
	return NewAmount(a.Value.Neg(), a.Unit)
}

// IsZero returns true for a zero-value amount.
func (a Amount) IsZero() bool {
	return a.Value.IsZero()
}

// IsNegative returns true for amounts below zero.
func (a Amount) IsNegative() bool {
	return a.Value.IsNegative()
}

// LessThan returns true if a is strictly smaller than b. Units must match,
// comparing across units returns false.
func (a Amount) LessThan(b Amount) bool {
	if a.Unit != b.Unit {
		return false
	}

	return a.Value.LessThan(b.Value)
}

// MinusMinimum returns the amount reduced by the smallest on-chain step,
// floored at zero. The step retained covers the dust transfer used to
// confirm a conversion back to the sender.
func (a Amount) MinusMinimum() Amount {
	reduced := a.Value.Sub(minimumStep)
	if reduced.IsNegative() {
		reduced = decimal.Zero
	}

	return NewAmount(reduced, a.Unit)
}

// MSats returns the amount as integer millisatoshis. Only valid for sats
// and msats units.
func (a Amount) MSats() int64 {
	switch a.Unit {
	case Sats:
		return a.Value.Mul(decimal.New(1, 3)).IntPart()

	case Msats:
		return a.Value.IntPart()

	default:
		return 0
	}
}

// String renders the amount with the unit's fixed decimal places, for
// example "10.000 HIVE".
func (a Amount) String() string {
	return fmt.Sprintf("%v %v", a.Value.StringFixed(a.Unit.Decimals()),
		a.Unit)
}
