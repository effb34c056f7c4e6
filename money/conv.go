package money

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// msatsPerSat scales satoshis to millisatoshis.
var msatsPerSat = decimal.New(1, 3)

// Conv is a point-in-time conversion of a single amount into every unit
// the bridge reports in. A conv is attached to each tracked operation when
// it is first priced and is reused for all ledger rows derived from it so
// that one operation never mixes rates.
type Conv struct {
	// ConvFrom is the unit the original amount was denominated in.
	ConvFrom Currency `bson:"conv_from" json:"conv_from"`

	// Value is the original amount in ConvFrom units.
	Value decimal.Decimal `bson:"value" json:"value"`

	HIVE decimal.Decimal `bson:"hive" json:"hive"`
	HBD  decimal.Decimal `bson:"hbd" json:"hbd"`
	USD  decimal.Decimal `bson:"usd" json:"usd"`

	Sats  int64 `bson:"sats" json:"sats"`
	MSats int64 `bson:"msats" json:"msats"`

	// MsatsFee is the service fee in millisatoshis, filled in by the
	// pipeline that prices the operation.
	MsatsFee int64 `bson:"msats_fee" json:"msats_fee"`

	SatsHive decimal.Decimal `bson:"sats_hive" json:"sats_hive"`
	SatsHBD  decimal.Decimal `bson:"sats_hbd" json:"sats_hbd"`
	BTCUSD   decimal.Decimal `bson:"btc_usd" json:"btc_usd"`

	// Source names the quote service the rates came from.
	Source string `bson:"source" json:"source"`

	// FetchTime is when the quote behind this conversion was observed.
	FetchTime time.Time `bson:"fetch_time" json:"fetch_time"`
}

// NewConv converts an amount into all reporting units at the given quote.
func NewConv(a Amount, q Quote) (Conv, error) {
	if err := q.Validate(); err != nil {
		return Conv{}, err
	}

	conv := Conv{
		ConvFrom:  a.Unit,
		Value:     a.Value,
		SatsHive:  q.SatsHive,
		SatsHBD:   q.SatsHBD,
		BTCUSD:    q.BTCUSD,
		Source:    q.Source,
		FetchTime: q.FetchTime,
	}

	switch a.Unit {
	// Msats are rounded half to even so repeated conversions drift
	// neither up nor down.
	case HIVE:
		conv.HIVE = a.Value
		conv.USD = a.Value.Mul(q.HiveUSD)
		conv.HBD = conv.USD.Div(q.HBDUSD)
		conv.MSats = a.Value.Mul(q.SatsHive).Mul(msatsPerSat).
			RoundBank(0).IntPart()

	case HBD:
		conv.HBD = a.Value
		conv.USD = a.Value.Mul(q.HBDUSD)
		conv.HIVE = conv.USD.Div(q.HiveUSD)
		conv.MSats = a.Value.Mul(q.SatsHBD).Mul(msatsPerSat).
			RoundBank(0).IntPart()

	case USD:
		conv.USD = a.Value
		conv.HIVE = a.Value.Div(q.HiveUSD)
		conv.HBD = a.Value.Div(q.HBDUSD)
		conv.MSats = conv.HIVE.Mul(q.SatsHive).Mul(msatsPerSat).
			RoundBank(0).IntPart()

	case Sats, Msats:
		return ConvFromMsats(a.MSats(), q)

	default:
		return Conv{}, fmt.Errorf("cannot convert unit: %v", a.Unit)
	}

	conv.Sats = conv.MSats / 1000

	return conv, nil
}

// ConvFromMsats converts a millisatoshi amount into all reporting units at
// the given quote.
func ConvFromMsats(msats int64, q Quote) (Conv, error) {
	if err := q.Validate(); err != nil {
		return Conv{}, err
	}

	sats := decimal.NewFromInt(msats).Div(msatsPerSat)
	hive := sats.Div(q.SatsHive)
	usd := hive.Mul(q.HiveUSD)

	return Conv{
		ConvFrom:  Msats,
		Value:     decimal.NewFromInt(msats),
		HIVE:      hive,
		HBD:       usd.Div(q.HBDUSD),
		USD:       usd,
		Sats:      msats / 1000,
		MSats:     msats,
		SatsHive:  q.SatsHive,
		SatsHBD:   q.SatsHBD,
		BTCUSD:    q.BTCUSD,
		Source:    q.Source,
		FetchTime: q.FetchTime,
	}, nil
}

// AmountFor returns the converted value expressed in the given unit.
func (c Conv) AmountFor(unit Currency) Amount {
	switch unit {
	case HIVE:
		return NewAmount(c.HIVE, HIVE)

	case HBD:
		return NewAmount(c.HBD, HBD)

	case USD:
		return NewAmount(c.USD, USD)

	case Sats:
		return NewAmount(decimal.NewFromInt(c.Sats), Sats)

	default:
		return MsatsAmount(c.MSats)
	}
}

// NetMsats is the converted amount after the service fee.
func (c Conv) NetMsats() int64 {
	return c.MSats - c.MsatsFee
}

// Neg returns the conversion with every value negated, keeping the
// rates and fetch time. Ledger aggregations store negated snapshots
// for the side of an entry that reduces the account.
func (c Conv) Neg() Conv {
	neg := c
	neg.Value = c.Value.Neg()
	neg.HIVE = c.HIVE.Neg()
	neg.HBD = c.HBD.Neg()
	neg.USD = c.USD.Neg()
	neg.Sats = -c.Sats
	neg.MSats = -c.MSats
	neg.MsatsFee = -c.MsatsFee

	return neg
}

// Stale reports whether the conversion's quote is too old to be reused.
func (c Conv) Stale(now time.Time) bool {
	return now.Sub(c.FetchTime) > QuoteMaxAge
}

// IsZero returns true for an unpriced conversion.
func (c Conv) IsZero() bool {
	return c.ConvFrom == "" && c.MSats == 0
}
