package money

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// marginSpread is added to the configured conversion fee rate to cover
// slippage between the quoted rate and execution.
var marginSpread = decimal.NewFromFloat(0.002)

// FeeSchedule holds the operator's conversion and routing fee settings.
type FeeSchedule struct {
	// ConvFeePercent is the proportional conversion fee, expressed as
	// a fraction (0.015 charges 1.5%).
	ConvFeePercent decimal.Decimal

	// ConvFeeSats is the flat per-conversion fee in satoshis.
	ConvFeeSats int64

	// MinimumInvoiceSats is the smallest invoice the bridge will pay
	// or convert.
	MinimumInvoiceSats int64

	// MaximumInvoiceSats is the largest invoice the bridge will pay
	// or convert.
	MaximumInvoiceSats int64

	// LightningFeeLimitPPM caps the routing fee on outgoing payments,
	// in parts per million of the payment amount.
	LightningFeeLimitPPM int64
}

// MsatsFee returns the service fee for converting the given amount. The
// margin spread is applied on top of the configured rate, and the flat fee
// is always charged.
func (f FeeSchedule) MsatsFee(msats int64) int64 {
	rate := f.ConvFeePercent.Add(marginSpread)
	proportional := decimal.NewFromInt(msats).Mul(rate).Round(0).IntPart()

	return proportional + f.ConvFeeSats*1000
}

// RoutingFeeMsats returns the largest routing fee the bridge will pay for
// an outgoing payment of the given size. It is also used as the fee buffer
// when funds are held ahead of a payment attempt.
func (f FeeSchedule) RoutingFeeMsats(valueMsats int64) int64 {
	return valueMsats * f.LightningFeeLimitPPM / 1_000_000
}

// CheckInvoiceSize validates an invoice amount against the configured
// floor and ceiling.
func (f FeeSchedule) CheckInvoiceSize(sats int64) error {
	if sats < f.MinimumInvoiceSats {
		return fmt.Errorf("%v sats is below minimum invoice of "+
			"%v sats", humanize.Comma(sats),
			humanize.Comma(f.MinimumInvoiceSats))
	}

	if f.MaximumInvoiceSats > 0 && sats > f.MaximumInvoiceSats {
		return fmt.Errorf("%v sats is above maximum invoice of "+
			"%v sats", humanize.Comma(sats),
			humanize.Comma(f.MaximumInvoiceSats))
	}

	return nil
}
