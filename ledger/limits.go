package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// nearCapPercent is the utilisation at which a window starts reporting
// its expiry time, so callers can tell customers when capacity frees
// up again.
const nearCapPercent = 80.0

// LightningRateLimit is one rolling window cap on outbound lightning
// conversions, expressed as a window length in hours and the satoshis
// allowed inside it.
type LightningRateLimit struct {
	Hours int   `json:"hours" long:"hours" description:"Window length in hours."`
	Sats  int64 `json:"sats" long:"sats" description:"Satoshis allowed inside the window."`
}

// outboundConversionTypes are the entry types counted against the
// conversion caps: direct lightning withdrawals and conversions of
// hive into keepsats.
var outboundConversionTypes = []EntryType{
	WithdrawLightning,
	ConvHiveToKeepsats,
}

// PeriodResult is one customer's outbound spend inside one rolling
// window, measured against that window's cap.
type PeriodResult struct {
	Hours int `json:"hours"`

	Hive  decimal.Decimal `json:"hive"`
	HBD   decimal.Decimal `json:"hbd"`
	USD   decimal.Decimal `json:"usd"`
	Sats  int64           `json:"sats"`
	MSats int64           `json:"msats"`

	LimitSats int64 `json:"limit_sats"`
	LimitOK   bool  `json:"limit_ok"`

	// Oldest is the earliest counted entry inside the window, zero
	// when the window is empty.
	Oldest time.Time `json:"oldest"`
}

// Percent is the share of the cap already consumed, before the
// requested amount.
func (r *PeriodResult) Percent() float64 {
	if r.LimitSats <= 0 {
		return 0
	}

	return 100 * float64(r.Sats) / float64(r.LimitSats)
}

// Expiry is the moment the oldest counted entry leaves the window and
// its satoshis stop pressing on the cap. Zero when the window is empty.
func (r *PeriodResult) Expiry() time.Time {
	if r.Oldest.IsZero() {
		return time.Time{}
	}

	return r.Oldest.Add(time.Duration(r.Hours) * time.Hour)
}

// LimitText renders the window in the form reported back to customers
// and operators.
func (r *PeriodResult) LimitText(custID string) string {
	okStr := "ok"
	if !r.LimitOK {
		okStr = "exceeded"
	}

	return fmt.Sprintf("Lightning conversions for %v in the last "+
		"%v hours: %v sats (limit: %v sats, %v)", custID, r.Hours,
		humanize.Comma(r.Sats), humanize.Comma(r.LimitSats), okStr)
}

// WindowPercent pairs a window length with its cap utilisation.
type WindowPercent struct {
	Hours   int     `json:"hours"`
	Percent float64 `json:"percent"`
}

// LimitCheckResult is the outcome of checking a requested conversion
// against every configured window.
type LimitCheckResult struct {
	CustID        string `json:"cust_id"`
	RequestedSats int64  `json:"requested_sats"`

	// Periods holds one result per configured window, in
	// configuration order.
	Periods []*PeriodResult `json:"periods"`

	// LimitOK is true when the requested amount fits under every
	// window's cap.
	LimitOK bool `json:"limit_ok"`

	// NextLimitExpiry is the earliest time capacity frees up on any
	// window that is near its cap or already exceeded. Zero when no
	// window is under pressure.
	NextLimitExpiry time.Time `json:"next_limit_expiry"`
}

// Percents lists the cap utilisation of every window.
func (r *LimitCheckResult) Percents() []WindowPercent {
	percents := make([]WindowPercent, 0, len(r.Periods))
	for _, period := range r.Periods {
		percents = append(percents, WindowPercent{
			Hours:   period.Hours,
			Percent: period.Percent(),
		})
	}

	return percents
}

// SatsListStr summarises spend against cap per window in one line.
func (r *LimitCheckResult) SatsListStr() string {
	parts := make([]string, 0, len(r.Periods))
	for _, period := range r.Periods {
		parts = append(parts, fmt.Sprintf("%vh: %v/%v sats",
			period.Hours, humanize.Comma(period.Sats),
			humanize.Comma(period.LimitSats)))
	}

	return strings.Join(parts, ", ")
}

// LimitText renders the short multi line summary of every window.
func (r *LimitCheckResult) LimitText() string {
	lines := []string{fmt.Sprintf(
		"Limit Check Summary for Customer ID: %v", r.CustID,
	)}
	for _, period := range r.Periods {
		lines = append(lines,
			"  "+period.LimitText(r.CustID))
	}

	return strings.Join(lines, "\n")
}

// String renders the full detail of the check.
func (r *LimitCheckResult) String() string {
	lines := []string{fmt.Sprintf(
		"Limit Check for Customer ID: %v", r.CustID,
	)}
	for _, period := range r.Periods {
		lines = append(lines,
			fmt.Sprintf("  Period: %v", period.Hours),
			fmt.Sprintf("    Sats: %v", period.Sats),
			fmt.Sprintf("    Msats: %v", period.MSats),
			fmt.Sprintf("    USD: %v",
				period.USD.StringFixed(2)),
			fmt.Sprintf("    HBD: %v",
				period.HBD.StringFixed(2)),
			fmt.Sprintf("    Hive: %v",
				period.Hive.StringFixed(2)),
			fmt.Sprintf("    Limit Sats: %v",
				period.LimitSats),
			period.LimitText(r.CustID))
	}

	return strings.Join(lines, "\n")
}

// LimitChecker evaluates outbound conversion caps against the ledger.
type LimitChecker struct {
	sumConv func(context.Context, EntryFilter) (*ConvTotals, error)
	limits  []LightningRateLimit
}

// NewLimitChecker returns a checker over the given windows. An empty
// limit list disables checking; every request passes.
func NewLimitChecker(store *Store,
	limits []LightningRateLimit) *LimitChecker {

	return &LimitChecker{
		sumConv: store.SumConv,
		limits:  limits,
	}
}

// CheckConversionLimits sums the customer's outbound conversions inside
// each configured window and verifies that the requested amount still
// fits under every cap. An entry exactly on a window edge counts
// against the older window.
func (c *LimitChecker) CheckConversionLimits(ctx context.Context,
	custID string, requestedSats int64) (*LimitCheckResult, error) {

	result := &LimitCheckResult{
		CustID:        custID,
		RequestedSats: requestedSats,
		LimitOK:       true,
	}

	if len(c.limits) == 0 {
		log.Warnf("Lightning rate limits are not configured, "+
			"skipping conversion limit check for %v", custID)
		return result, nil
	}

	now := time.Now().UTC()
	for _, limit := range c.limits {
		window := time.Duration(limit.Hours) * time.Hour

		totals, err := c.sumConv(ctx, EntryFilter{
			CustID: custID,
			Types:  outboundConversionTypes,
			AsOf:   now,
			Age:    window,
		})
		if err != nil {
			return nil, fmt.Errorf("sum conversions in %v "+
				"hour window: %w", limit.Hours, err)
		}

		period := &PeriodResult{
			Hours:     limit.Hours,
			Hive:      totals.Credit.Hive,
			HBD:       totals.Credit.HBD,
			USD:       totals.Credit.USD,
			Sats:      totals.Credit.Sats.IntPart(),
			MSats:     totals.Credit.MSats.IntPart(),
			LimitSats: limit.Sats,
			Oldest:    totals.Oldest,
		}
		period.LimitOK = period.Sats+requestedSats <= limit.Sats

		if !period.LimitOK {
			result.LimitOK = false
		}

		// Windows under pressure report when their oldest entry
		// rolls out, which is the earliest moment a retry can
		// succeed.
		nearCap := !period.LimitOK ||
			period.Percent() >= nearCapPercent
		expiry := period.Expiry()
		if nearCap && !expiry.IsZero() &&
			(result.NextLimitExpiry.IsZero() ||
				expiry.Before(result.NextLimitExpiry)) {

			result.NextLimitExpiry = expiry
		}

		result.Periods = append(result.Periods, period)
	}

	if !result.LimitOK {
		log.Infof("Conversion limit exceeded for %v: %v",
			custID, result.SatsListStr())
	}

	return result, nil
}
