package money

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// QuoteMaxAge is how long a fetched quote may be reused before
	// callers must refresh it.
	QuoteMaxAge = 600 * time.Second

	// satsQuotePlaces is the precision sats-per-coin rates are
	// quantized to.
	satsQuotePlaces = 4
)

// ErrInvalidQuote is returned when a quote carries a zero or negative rate.
var ErrInvalidQuote = errors.New("quote has non-positive rate")

// satsPerBTC is the number of satoshis in one bitcoin.
var satsPerBTC = decimal.New(1, 8)

// Quote is a point-in-time set of exchange rates relating HIVE, HBD, USD
// and BTC. SatsHive and SatsHBD are derived on construction and quantized
// to four decimal places.
type Quote struct {
	HiveUSD  decimal.Decimal `bson:"hive_usd" json:"hive_usd"`
	HBDUSD   decimal.Decimal `bson:"hbd_usd" json:"hbd_usd"`
	BTCUSD   decimal.Decimal `bson:"btc_usd" json:"btc_usd"`
	HiveHBD  decimal.Decimal `bson:"hive_hbd" json:"hive_hbd"`
	SatsHive decimal.Decimal `bson:"sats_hive" json:"sats_hive"`
	SatsHBD  decimal.Decimal `bson:"sats_hbd" json:"sats_hbd"`

	// Source names the backend (or aggregate) the quote came from.
	Source string `bson:"source" json:"source"`

	// FetchTime is when the rates were observed.
	FetchTime time.Time `bson:"fetch_time" json:"fetch_time"`
}

// NewQuote builds a quote from raw market rates, deriving the sats-per-coin
// rates and the HIVE:HBD cross rate.
func NewQuote(hiveUSD, hbdUSD, btcUSD decimal.Decimal, source string,
	fetchTime time.Time) (Quote, error) {

	if !hiveUSD.IsPositive() || !hbdUSD.IsPositive() ||
		!btcUSD.IsPositive() {

		return Quote{}, ErrInvalidQuote
	}

	satsPerUSD := satsPerBTC.Div(btcUSD)

	return Quote{
		HiveUSD:   hiveUSD,
		HBDUSD:    hbdUSD,
		BTCUSD:    btcUSD,
		HiveHBD:   hiveUSD.Div(hbdUSD),
		SatsHive:  satsPerUSD.Mul(hiveUSD).Round(satsQuotePlaces),
		SatsHBD:   satsPerUSD.Mul(hbdUSD).Round(satsQuotePlaces),
		Source:    source,
		FetchTime: fetchTime,
	}, nil
}

// Validate checks that every rate needed for conversions is positive.
func (q Quote) Validate() error {
	if !q.HiveUSD.IsPositive() || !q.HBDUSD.IsPositive() ||
		!q.BTCUSD.IsPositive() || !q.SatsHive.IsPositive() ||
		!q.SatsHBD.IsPositive() {

		return ErrInvalidQuote
	}

	return nil
}

// Age returns how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.FetchTime)
}

// Stale reports whether the quote is too old to be reused.
func (q Quote) Stale(now time.Time) bool {
	return q.Age(now) > QuoteMaxAge
}
