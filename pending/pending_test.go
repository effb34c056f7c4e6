package pending

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/v4vapp/hivebridge/money"
)

func hiveAmount(v string) money.Amount {
	return money.NewAmount(decimal.RequireFromString(v), money.HIVE)
}

func hbdAmount(v string) money.Amount {
	return money.NewAmount(decimal.RequireFromString(v), money.HBD)
}

// TestDue tests the per entry backoff schedule.
func TestDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		attempts int
		last     time.Time
		due      bool
	}{
		{
			name:     "fresh entry",
			attempts: 0,
			due:      true,
		},
		{
			name:     "failed without timestamp",
			attempts: 3,
			due:      true,
		},
		{
			name:     "one failure waits a minute",
			attempts: 1,
			last:     now.Add(-59 * time.Second),
			due:      false,
		},
		{
			name:     "one failure after a minute",
			attempts: 1,
			last:     now.Add(-time.Minute),
			due:      true,
		},
		{
			name:     "two failures wait two minutes",
			attempts: 2,
			last:     now.Add(-90 * time.Second),
			due:      false,
		},
		{
			name:     "two failures after two minutes",
			attempts: 2,
			last:     now.Add(-2 * time.Minute),
			due:      true,
		},
		{
			name:     "three failures wait four minutes",
			attempts: 3,
			last:     now.Add(-3 * time.Minute),
			due:      false,
		},
		{
			name:     "backoff caps at an hour",
			attempts: 20,
			last:     now.Add(-time.Hour),
			due:      true,
		},
		{
			name:     "capped wait still enforced",
			attempts: 20,
			last:     now.Add(-59 * time.Minute),
			due:      false,
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			entry := base{
				ResendAttempt: test.attempts,
				LastAttempt:   test.last,
			}
			require.Equal(t, test.due, entry.Due(now))
		})
	}
}

// TestNewTransfer tests the queue metadata a fresh transfer carries.
func TestNewTransfer(t *testing.T) {
	t.Parallel()

	transfer := NewTransfer(
		"900001-aaaa-refund", "v4vapp", "alice", hiveAmount("10"),
		"refund: policy",
	)

	require.Equal(t, "pending_transaction", transfer.PendingType)
	require.Equal(t, "900001-aaaa-refund", transfer.UniqueKey)
	require.False(t, transfer.Timestamp.IsZero())
	require.Zero(t, transfer.ResendAttempt)
	require.True(t, transfer.Due(time.Now().UTC()))

	require.Equal(t, "v4vapp", transfer.FromAccount)
	require.Equal(t, "alice", transfer.ToAccount)
	require.Equal(t, "refund: policy", transfer.Memo)
}

// TestNewCustomJson tests the queue metadata a fresh custom_json
// carries.
func TestNewCustomJson(t *testing.T) {
	t.Parallel()

	customJson := NewCustomJson(
		"900001-aaaa-cj", "v4vapp", "v4vapp_transfer",
		`{"to":"bob"}`,
	)

	require.Equal(t, "pending_custom_json", customJson.PendingType)
	require.Equal(t, "900001-aaaa-cj", customJson.UniqueKey)
	require.False(t, customJson.Timestamp.IsZero())
	require.True(t, customJson.Active)

	require.Equal(t, "v4vapp", customJson.SendAccount)
	require.Equal(t, "v4vapp_transfer", customJson.CJID)
	require.Equal(t, `{"to":"bob"}`, customJson.JSON)
}

// TestEntryStrings tests the log renderings.
func TestEntryStrings(t *testing.T) {
	t.Parallel()

	transfer := NewTransfer(
		"k", "v4vapp", "alice", hiveAmount("10"), "thanks",
	)
	require.Equal(t, "v4vapp -> alice, 10.000 HIVE, thanks",
		transfer.String())

	customJson := NewCustomJson(
		"900001-aaaa", "v4vapp", "v4vapp_transfer", "{}",
	)
	require.Equal(t, "v4vapp_transfer from v4vapp (900001-aaaa)",
		customJson.String())
}

// TestTotals tests the per currency sums over a queue.
func TestTotals(t *testing.T) {
	t.Parallel()

	totals, err := Totals(nil)
	require.NoError(t, err)
	require.Empty(t, totals)

	transfers := []*Transfer{
		NewTransfer("a", "v4vapp", "alice", hiveAmount("10"), ""),
		NewTransfer("b", "v4vapp", "bob", hbdAmount("2.5"), ""),
		NewTransfer("c", "v4vapp", "carol", hiveAmount("0.5"), ""),
	}

	totals, err = Totals(transfers)
	require.NoError(t, err)
	require.Len(t, totals, 2)

	require.True(t, totals[money.HIVE].Value.Equal(
		decimal.RequireFromString("10.5")))
	require.True(t, totals[money.HBD].Value.Equal(
		decimal.RequireFromString("2.5")))
}
