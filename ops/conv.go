package ops

import (
	"context"
	"time"

	"github.com/v4vapp/hivebridge/money"
)

// QuoteSource yields the price quote in force at a given instant. The
// prices service satisfies it, returning the stored quote nearest the
// instant and falling back to a live fetch for recent times.
type QuoteSource interface {
	QuoteAt(ctx context.Context, at time.Time) (money.Quote, error)
}

// Convertible is implemented by ops that carry an amount to price.
type Convertible interface {
	Op

	// ConvAmount returns the amount the conversion snapshot prices.
	// The bool is false when the op has nothing to price, such as a
	// custom_json with no keepsats payload.
	ConvAmount() (money.Amount, bool)
}

// SetConv prices the op with the given quote. Ops that carry no amount
// are left untouched.
func SetConv(op Op, quote money.Quote) error {
	convertible, ok := op.(Convertible)
	if !ok {
		return nil
	}

	amount, ok := convertible.ConvAmount()
	if !ok {
		return nil
	}

	conv, err := money.NewConv(amount, quote)
	if err != nil {
		return err
	}

	op.Common().Conv = conv

	return nil
}

// UpdateConv prices the op with the quote nearest its own timestamp.
// Every ledger entry later cut from the op reuses this snapshot, so
// one op never mixes rates.
func UpdateConv(ctx context.Context, op Op, quotes QuoteSource) error {
	quote, err := quotes.QuoteAt(ctx, op.Common().Timestamp)
	if err != nil {
		return err
	}

	return SetConv(op, quote)
}
