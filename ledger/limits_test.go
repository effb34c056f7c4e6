package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeSumConv answers window queries from a fixed spend table keyed by
// window length, recording the filters it was asked for.
func fakeSumConv(t *testing.T, spends map[time.Duration]*ConvTotals,
	filters *[]EntryFilter) func(context.Context,
	EntryFilter) (*ConvTotals, error) {

	return func(_ context.Context, filter EntryFilter) (*ConvTotals,
		error) {

		if filters != nil {
			*filters = append(*filters, filter)
		}

		totals, ok := spends[filter.Age]
		if !ok {
			t.Fatalf("unexpected window %v", filter.Age)
		}

		return totals, nil
	}
}

// spentTotals builds the credit side totals of an outbound spend.
func spentTotals(sats int64, oldest time.Time) *ConvTotals {
	return &ConvTotals{
		Credit: ConvertedSummary{
			Sats:  decimal.NewFromInt(sats),
			MSats: decimal.NewFromInt(sats * 1000),
		},
		Count:  1,
		Oldest: oldest,
	}
}

// TestCheckConversionLimits tests a request that fits under every
// window, with near cap windows reporting their expiry.
func TestCheckConversionLimits(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	limits := []LightningRateLimit{
		{Hours: 1, Sats: 1000},
		{Hours: 24, Sats: 5000},
	}
	spends := map[time.Duration]*ConvTotals{
		time.Hour:      spentTotals(800, now.Add(-30*time.Minute)),
		24 * time.Hour: spentTotals(4900, now.Add(-20*time.Hour)),
	}

	var filters []EntryFilter
	checker := &LimitChecker{
		sumConv: fakeSumConv(t, spends, &filters),
		limits:  limits,
	}

	result, err := checker.CheckConversionLimits(context.Background(),
		"alice", 100)
	require.NoError(t, err)

	require.True(t, result.LimitOK)
	require.Len(t, result.Periods, 2)
	require.Equal(t, int64(800), result.Periods[0].Sats)
	require.True(t, result.Periods[0].LimitOK)
	require.Equal(t, int64(4900), result.Periods[1].Sats)
	require.True(t, result.Periods[1].LimitOK)

	// Both windows sit above 80% so the earliest roll off wins: the
	// hour window frees up in thirty minutes.
	require.WithinDuration(t, now.Add(30*time.Minute),
		result.NextLimitExpiry, 5*time.Second)

	// Every query counts only outbound conversion types for the
	// customer.
	require.Len(t, filters, 2)
	for _, filter := range filters {
		require.Equal(t, "alice", filter.CustID)
		require.Equal(t, outboundConversionTypes, filter.Types)
	}
	require.Equal(t, time.Hour, filters[0].Age)
	require.Equal(t, 24*time.Hour, filters[1].Age)
}

// TestCheckConversionLimitsExceeded tests a request that blows the
// short window.
func TestCheckConversionLimitsExceeded(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	limits := []LightningRateLimit{
		{Hours: 1, Sats: 1000},
		{Hours: 24, Sats: 5000},
	}
	spends := map[time.Duration]*ConvTotals{
		time.Hour:      spentTotals(800, now.Add(-30*time.Minute)),
		24 * time.Hour: spentTotals(800, now.Add(-30*time.Minute)),
	}

	checker := &LimitChecker{
		sumConv: fakeSumConv(t, spends, nil),
		limits:  limits,
	}

	// The spend plus the request is exactly on the cap: allowed.
	result, err := checker.CheckConversionLimits(context.Background(),
		"alice", 200)
	require.NoError(t, err)
	require.True(t, result.LimitOK)

	// One satoshi more fails the hour window but not the day window.
	result, err = checker.CheckConversionLimits(context.Background(),
		"alice", 201)
	require.NoError(t, err)
	require.False(t, result.LimitOK)
	require.False(t, result.Periods[0].LimitOK)
	require.True(t, result.Periods[1].LimitOK)
	require.WithinDuration(t, now.Add(30*time.Minute),
		result.NextLimitExpiry, 5*time.Second)
}

// TestCheckConversionLimitsUnconfigured tests that an empty limit list
// passes every request.
func TestCheckConversionLimitsUnconfigured(t *testing.T) {
	t.Parallel()

	checker := &LimitChecker{limits: nil}

	result, err := checker.CheckConversionLimits(context.Background(),
		"alice", 1_000_000)
	require.NoError(t, err)
	require.True(t, result.LimitOK)
	require.Empty(t, result.Periods)
}

// TestCheckConversionLimitsStoreError tests that a failed window query
// aborts the check.
func TestCheckConversionLimitsStoreError(t *testing.T) {
	t.Parallel()

	errStore := errors.New("no mongo")
	checker := &LimitChecker{
		sumConv: func(context.Context, EntryFilter) (*ConvTotals,
			error) {

			return nil, errStore
		},
		limits: []LightningRateLimit{{Hours: 1, Sats: 1000}},
	}

	_, err := checker.CheckConversionLimits(context.Background(),
		"alice", 1)
	require.ErrorIs(t, err, errStore)
}

// TestLimitTexts tests the customer facing strings.
func TestLimitTexts(t *testing.T) {
	t.Parallel()

	ok := &PeriodResult{
		Hours: 24, Sats: 4900, LimitSats: 5000, LimitOK: true,
	}
	require.Equal(t, "Lightning conversions for alice in the last "+
		"24 hours: 4,900 sats (limit: 5,000 sats, ok)",
		ok.LimitText("alice"))
	require.InDelta(t, 98.0, ok.Percent(), 0.0001)

	exceeded := &PeriodResult{
		Hours: 1, Sats: 1100, LimitSats: 1000,
	}
	require.Equal(t, "Lightning conversions for alice in the last "+
		"1 hours: 1,100 sats (limit: 1,000 sats, exceeded)",
		exceeded.LimitText("alice"))

	uncapped := &PeriodResult{Hours: 1, Sats: 500}
	require.Zero(t, uncapped.Percent())

	result := &LimitCheckResult{
		CustID:  "alice",
		Periods: []*PeriodResult{exceeded, ok},
	}
	require.Equal(t, "1h: 1,100/1,000 sats, 24h: 4,900/5,000 sats",
		result.SatsListStr())

	percents := result.Percents()
	require.Len(t, percents, 2)
	require.InDelta(t, 110.0, percents[0].Percent, 0.0001)

	summary := result.LimitText()
	require.Contains(t, summary,
		"Limit Check Summary for Customer ID: alice")
	require.Contains(t, summary, "exceeded")
}
