package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/v4vapp/hivebridge/money"
)

// ConvertedSummary carries one economic value expressed in every
// currency the ledger reports on. Summaries are built from the
// conversion snapshots stored on journal entries, so sums over many
// entries reflect the rates in force when each entry was posted.
type ConvertedSummary struct {
	Hive  decimal.Decimal `bson:"hive" json:"hive"`
	HBD   decimal.Decimal `bson:"hbd" json:"hbd"`
	USD   decimal.Decimal `bson:"usd" json:"usd"`
	Sats  decimal.Decimal `bson:"sats" json:"sats"`
	MSats decimal.Decimal `bson:"msats" json:"msats"`
}

// SummaryFromConv lifts a conversion snapshot into a summary.
func SummaryFromConv(c money.Conv) ConvertedSummary {
	return ConvertedSummary{
		Hive:  c.HIVE,
		HBD:   c.HBD,
		USD:   c.USD,
		Sats:  decimal.NewFromInt(c.Sats),
		MSats: decimal.NewFromInt(c.MSats),
	}
}

// Add returns the field-wise sum of two summaries.
func (s ConvertedSummary) Add(other ConvertedSummary) ConvertedSummary {
	return ConvertedSummary{
		Hive:  s.Hive.Add(other.Hive),
		HBD:   s.HBD.Add(other.HBD),
		USD:   s.USD.Add(other.USD),
		Sats:  s.Sats.Add(other.Sats),
		MSats: s.MSats.Add(other.MSats),
	}
}

// Sub returns the field-wise difference of two summaries.
func (s ConvertedSummary) Sub(other ConvertedSummary) ConvertedSummary {
	return s.Add(other.Neg())
}

// Neg returns the summary with every field negated.
func (s ConvertedSummary) Neg() ConvertedSummary {
	return ConvertedSummary{
		Hive:  s.Hive.Neg(),
		HBD:   s.HBD.Neg(),
		USD:   s.USD.Neg(),
		Sats:  s.Sats.Neg(),
		MSats: s.MSats.Neg(),
	}
}

// Mul scales every field by the given factor.
func (s ConvertedSummary) Mul(factor decimal.Decimal) ConvertedSummary {
	return ConvertedSummary{
		Hive:  s.Hive.Mul(factor),
		HBD:   s.HBD.Mul(factor),
		USD:   s.USD.Mul(factor),
		Sats:  s.Sats.Mul(factor),
		MSats: s.MSats.Mul(factor),
	}
}

// IsZero reports whether every field of the summary is zero.
func (s ConvertedSummary) IsZero() bool {
	return s.Hive.IsZero() && s.HBD.IsZero() && s.USD.IsZero() &&
		s.Sats.IsZero() && s.MSats.IsZero()
}

// String renders the summary on one line for logs.
func (s ConvertedSummary) String() string {
	return fmt.Sprintf("%v HIVE %v HBD %v USD %v sats",
		s.Hive.StringFixed(3), s.HBD.StringFixed(3),
		s.USD.StringFixed(3), s.Sats.StringFixed(0))
}
