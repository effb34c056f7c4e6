package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sectionAccount finds a named account within a report section.
func sectionAccount(t *testing.T, section SheetSection,
	name string) *SheetAccount {

	t.Helper()

	for _, account := range section.Accounts {
		if account.Name == name {
			return account
		}
	}

	t.Fatalf("account %q not in section %v", name, section.Title)
	return nil
}

// TestNewBalanceSheet tests section assembly and the accounting
// identity over the full test journal.
func TestNewBalanceSheet(t *testing.T) {
	t.Parallel()

	entries := testLedger(t)
	asOf := testLedgerBase.Add(6 * time.Hour)

	sheet := NewBalanceSheet(entries, asOf)

	// Accounts list alphabetically within their section.
	assetNames := make([]string, 0, len(sheet.Assets.Accounts))
	for _, account := range sheet.Assets.Accounts {
		assetNames = append(assetNames, account.Name)
	}
	require.Equal(t, []string{
		"Customer Deposits Hive",
		"External Lightning Payments",
		"Treasury Hive",
		"Treasury Lightning",
	}, assetNames)

	deposits := sectionAccount(t, sheet.Assets,
		"Customer Deposits Hive")
	requireDecimal(t, "1500", deposits.Total.Sats)

	treasury := sectionAccount(t, sheet.Assets, "Treasury Lightning")
	requireDecimal(t, "100", treasury.Total.Sats)

	requireDecimal(t, "560", sheet.Assets.Total.Sats)
	requireDecimal(t, "0.56", sheet.Assets.Total.USD)

	liability := sectionAccount(t, sheet.Liabilities,
		"Customer Liability")
	requireDecimal(t, "1375", liability.Total.Sats)
	require.Len(t, liability.Subs, 1)
	require.Equal(t, "alice", liability.Subs[0].Sub)
	requireDecimal(t, "1375", liability.Subs[0].Summary.Sats)
	requireDecimal(t, "5.5", liability.Subs[0].Summary.Hive)

	requireDecimal(t, "1435", sheet.Liabilities.Total.Sats)

	// Revenue and expenses fold into equity: 125 sats of fee income
	// against a 1000 sat hosting bill.
	fees := sectionAccount(t, sheet.Equity, "Fee Income Hive")
	require.Equal(t, TypeRevenue, fees.Type)
	requireDecimal(t, "125", fees.Total.Sats)

	hosting := sectionAccount(t, sheet.Equity,
		"Hosting Expenses Privex")
	requireDecimal(t, "-1000", hosting.Total.Sats)

	requireDecimal(t, "-875", sheet.Equity.Total.Sats)

	requireDecimal(t, "560", sheet.TotalLiabilitiesAndEquity.Sats)
	require.True(t, sheet.IsBalanced(),
		"imbalance: %v", sheet.Imbalance())
	require.True(t, sheet.Imbalance().IsZero())
}

// TestBalanceSheetContra tests that a contra asset displays in its
// natural orientation but reduces the section total.
func TestBalanceSheetContra(t *testing.T) {
	t.Parallel()

	entries := testLedger(t)
	sheet := NewBalanceSheet(entries, testLedgerBase.Add(6*time.Hour))

	external := sectionAccount(t, sheet.Assets,
		"External Lightning Payments")
	require.True(t, external.Contra)

	// 40 sats paid out: the account shows +40, the section counts
	// -40.
	requireDecimal(t, "40", external.Total.Sats)

	var withoutExternal ConvertedSummary
	for _, account := range sheet.Assets.Accounts {
		if account.Name == external.Name {
			continue
		}
		withoutExternal = withoutExternal.Add(account.Total)
	}
	requireDecimal(t, "-40",
		sheet.Assets.Total.Sub(withoutExternal).Sats)
}

// TestBalanceSheetAsOf tests that entries after the cut are excluded.
func TestBalanceSheetAsOf(t *testing.T) {
	t.Parallel()

	entries := testLedger(t)
	sheet := NewBalanceSheet(entries, testLedgerBase.Add(2*time.Hour))

	requireDecimal(t, "1500", sheet.Assets.Total.Sats)
	requireDecimal(t, "1375", sheet.Liabilities.Total.Sats)
	requireDecimal(t, "125", sheet.Equity.Total.Sats)
	require.True(t, sheet.IsBalanced())
}

// TestBalanceSheetEmpty tests the zero ledger edge.
func TestBalanceSheetEmpty(t *testing.T) {
	t.Parallel()

	sheet := NewBalanceSheet(nil, testLedgerBase)

	require.Empty(t, sheet.Assets.Accounts)
	require.True(t, sheet.IsBalanced())
}

// TestNewProfitAndLoss tests the all history income statement.
func TestNewProfitAndLoss(t *testing.T) {
	t.Parallel()

	entries := testLedger(t)
	asOf := testLedgerBase.Add(6 * time.Hour)

	pnl := NewProfitAndLoss(entries, asOf, 0)

	require.Len(t, pnl.Revenue.Accounts, 1)
	requireDecimal(t, "125", pnl.Revenue.Total.Sats)

	// Expenses display positive.
	require.Len(t, pnl.Expenses.Accounts, 1)
	requireDecimal(t, "1000", pnl.Expenses.Total.Sats)

	requireDecimal(t, "-875", pnl.NetIncome.Sats)
	requireDecimal(t, "-0.875", pnl.NetIncome.USD)

	// Per sub net income sorts by sub name.
	require.Len(t, pnl.NetIncomeBySub, 2)
	require.Equal(t, "privex", pnl.NetIncomeBySub[0].Sub)
	requireDecimal(t, "-1000", pnl.NetIncomeBySub[0].Summary.Sats)
	require.Equal(t, "v4vapp", pnl.NetIncomeBySub[1].Sub)
	requireDecimal(t, "125", pnl.NetIncomeBySub[1].Summary.Sats)
}

// TestProfitAndLossWindow tests the reporting window edges: both are
// inclusive and age zero removes the lower bound.
func TestProfitAndLossWindow(t *testing.T) {
	t.Parallel()

	entries := testLedger(t)

	// The fee entry sits exactly on the window start.
	pnl := NewProfitAndLoss(entries, testLedgerBase.Add(3*time.Hour),
		time.Hour)
	requireDecimal(t, "125", pnl.Revenue.Total.Sats)
	require.Empty(t, pnl.Expenses.Accounts)
	requireDecimal(t, "125", pnl.NetIncome.Sats)

	// A narrow window past all activity sees nothing.
	pnl = NewProfitAndLoss(entries, testLedgerBase.Add(6*time.Hour),
		30*time.Minute)
	require.Empty(t, pnl.Revenue.Accounts)
	require.Empty(t, pnl.Expenses.Accounts)
	require.True(t, pnl.NetIncome.IsZero())
}
