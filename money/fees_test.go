package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// testSchedule charges 1.5% plus the margin spread, with a 5 sat flat fee.
var testSchedule = FeeSchedule{
	ConvFeePercent:       decimal.NewFromFloat(0.015),
	ConvFeeSats:          5,
	MinimumInvoiceSats:   100,
	MaximumInvoiceSats:   1_000_000,
	LightningFeeLimitPPM: 1000,
}

// TestMsatsFee tests the conversion fee rule.
func TestMsatsFee(t *testing.T) {
	tests := []struct {
		name     string
		msats    int64
		expected int64
	}{
		{
			// 1.7% of 1M msats plus 5 sats flat.
			name:     "1000 sats",
			msats:    1_000_000,
			expected: 17_000 + 5_000,
		},
		{
			name:     "zero amount still pays flat fee",
			msats:    0,
			expected: 5_000,
		},
		{
			// 1.7% of 99 msats rounds to 2 msats.
			name:     "sub sat rounding",
			msats:    99,
			expected: 2 + 5_000,
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, test.expected,
				testSchedule.MsatsFee(test.msats))
		})
	}
}

// TestRoutingFeeMsats tests the ppm routing fee cap.
func TestRoutingFeeMsats(t *testing.T) {
	// 1000 ppm of 2M msats is 2000 msats.
	require.Equal(t, int64(2000),
		testSchedule.RoutingFeeMsats(2_000_000))

	require.Equal(t, int64(0), testSchedule.RoutingFeeMsats(999))
}

// TestCheckInvoiceSize tests floor and ceiling enforcement with the
// operator-facing error text.
func TestCheckInvoiceSize(t *testing.T) {
	err := testSchedule.CheckInvoiceSize(99)
	require.EqualError(t, err,
		"99 sats is below minimum invoice of 100 sats")

	err = testSchedule.CheckInvoiceSize(1_000_001)
	require.EqualError(t, err,
		"1,000,001 sats is above maximum invoice of 1,000,000 sats")

	require.NoError(t, testSchedule.CheckInvoiceSize(100))
	require.NoError(t, testSchedule.CheckInvoiceSize(1_000_000))

	// A zero ceiling disables the maximum check.
	open := testSchedule
	open.MaximumInvoiceSats = 0
	require.NoError(t, open.CheckInvoiceSize(5_000_000))
}
