package ledger

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
	"github.com/v4vapp/hivebridge/money"
)

const (
	// statementWidth caps every ledger report line.
	statementWidth = 126

	// usdSheetWidth is the compact balance sheet layout showing USD
	// values only.
	usdSheetWidth = 94

	// allCurrenciesWidth is the wide balance sheet layout.
	allCurrenciesWidth = 115
)

// formatAmount renders a decimal with thousands separators and the
// given number of decimal places.
func formatAmount(value decimal.Decimal, decimals int) string {
	pattern := "#,###."
	if decimals > 0 {
		pattern += strings.Repeat("#", decimals)
	}

	return humanize.FormatFloat(pattern, value.InexactFloat64())
}

// truncateText shortens text to at most maxLen runes, marking the cut
// with an ellipsis.
func truncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}

	return text[:maxLen-3] + "..."
}

// center pads text to width with spaces on both sides.
func center(text string, width int) string {
	if len(text) >= width {
		return text
	}

	left := (width - len(text)) / 2
	right := width - len(text) - left

	return strings.Repeat(" ", left) + text +
		strings.Repeat(" ", right)
}

// aboveTolerance reports whether a closing balance in the unit is
// larger than the dust threshold.
func aboveTolerance(unit money.Currency, balance decimal.Decimal) bool {
	tolerance, ok := unitTolerances[unit]
	if !ok {
		return !balance.IsZero()
	}

	return balance.Abs().GreaterThan(tolerance)
}

// statementLine renders one history row. Millisatoshi movements
// display as whole satoshis.
func statementLine(row StatementRow, msats bool) string {
	contra := "   "
	if row.Contra {
		contra = "(-)"
	}

	debit := decimal.Zero
	credit := decimal.Zero
	if row.Side == SideDebit {
		debit = row.Amount
	} else {
		credit = row.Amount
	}
	balance := row.Balance

	var debitStr, creditStr, balanceStr string
	if msats {
		thousand := decimal.NewFromInt(1000)
		debitStr = formatAmount(debit.Div(thousand), 0)
		creditStr = formatAmount(credit.Div(thousand), 0)
		balanceStr = formatAmount(balance.Div(thousand), 0)
	} else {
		debitStr = formatAmount(debit, 3)
		creditStr = formatAmount(credit, 3)
		balanceStr = formatAmount(balance, 3)
	}

	return fmt.Sprintf("%-18v %-40v %v %12v %12v %12v %10v %11v",
		row.Timestamp.Format("2006-01-02 15:04"),
		truncateText(row.Description, 40), contra, debitStr,
		creditStr, balanceStr, row.ShortID, row.Type)
}

// Printout renders the account statement. With fullHistory every
// movement appears with its running balance; otherwise only the
// closing position per unit is shown.
func (b *AccountBalance) Printout(fullHistory bool) string {
	if len(b.Units) == 0 {
		return "No transactions found for this account up to " +
			"today."
	}

	title := fmt.Sprintf("Balance for %v", b.Account)

	unitNames := make([]string, 0, len(b.Units))
	for _, unit := range b.Units {
		unitNames = append(unitNames, unit.Unit.String())
	}

	lines := []string{
		strings.Repeat("=", statementWidth),
		title,
		fmt.Sprintf("Units: %v", strings.Join(unitNames, ", ")),
		strings.Repeat("-", statementWidth),
	}

	for _, unit := range b.Units {
		msats := unit.Unit == money.Msats
		displayUnit := unit.Unit.String()
		if msats {
			displayUnit = "SATS"
		}

		lines = append(lines,
			fmt.Sprintf("\nUnit: %v", displayUnit),
			strings.Repeat("-", 10))

		if fullHistory {
			for _, row := range unit.Rows {
				lines = append(lines,
					statementLine(row, msats))
			}
		}

		if aboveTolerance(unit.Unit, unit.Balance) {
			lines = append(lines,
				strings.Repeat("-", statementWidth),
				fmt.Sprintf("%-10v %15v HIVE %12v HBD "+
					"%12v USD %12v SATS %16v msats",
					"Converted    ",
					formatAmount(unit.Converted.Hive, 3),
					formatAmount(unit.Converted.HBD, 3),
					formatAmount(unit.Converted.USD, 3),
					formatAmount(unit.Converted.Sats, 0),
					formatAmount(unit.Converted.MSats,
						0)))
		}

		display := unit.Balance
		var balanceStr string
		if msats {
			display = display.Div(decimal.NewFromInt(1000))
			balanceStr = formatAmount(display, 0)
		} else {
			balanceStr = formatAmount(display, 3)
		}

		lines = append(lines,
			strings.Repeat("-", statementWidth),
			fmt.Sprintf("%-18v %10v %-5v", "Final Balance",
				balanceStr, displayUnit))
	}

	lines = append(lines,
		strings.Repeat("-", statementWidth),
		fmt.Sprintf("Total USD: %19v", formatAmount(b.Total.USD,
			3)),
		fmt.Sprintf("Total SATS: %18v", formatAmount(b.Total.Sats,
			0)),
		title,
		strings.Repeat("=", statementWidth)+"\n")

	return strings.Join(lines, "\n")
}

// allZero reports whether every sub line of the account nets to zero.
func (a *SheetAccount) allZero() bool {
	for _, sub := range a.Subs {
		if !sub.Summary.IsZero() {
			return false
		}
	}

	return true
}

// Printout renders the balance sheet showing USD values only.
func (s *BalanceSheet) Printout() string {
	header := fmt.Sprintf("Balance Sheet as of %v",
		s.AsOf.Format("2006-01-02"))
	lines := []string{
		center(header, usdSheetWidth),
		strings.Repeat("-", usdSheetWidth),
	}

	usd := func(summary ConvertedSummary) string {
		return "$" + formatAmount(summary.USD, 2)
	}

	for _, section := range []*SheetSection{
		&s.Assets, &s.Liabilities, &s.Equity,
	} {
		lines = append(lines,
			"\n"+center(section.Title, usdSheetWidth),
			strings.Repeat("-", 5))

		for _, account := range section.Accounts {
			if account.allZero() {
				continue
			}

			lines = append(lines,
				fmt.Sprintf("%-74v", account.Name))
			for _, sub := range account.Subs {
				lines = append(lines, fmt.Sprintf(
					"    %-64v %15v", sub.Sub,
					usd(sub.Summary)))
			}
			lines = append(lines, fmt.Sprintf(
				"  Total %-67v %15v", account.Name,
				usd(account.Total)))
		}

		lines = append(lines, fmt.Sprintf("%-74v %15v",
			"Total "+section.Title, usd(section.Total)))
	}

	lines = append(lines,
		"\n"+center("Total Liabilities and Equity", usdSheetWidth),
		strings.Repeat("-", 5),
		fmt.Sprintf("%-74v %15v", "",
			usd(s.TotalLiabilitiesAndEquity)))

	if s.IsBalanced() {
		lines = append(lines, "\n"+center(
			"The balance sheet is balanced.", usdSheetWidth))
	} else {
		lines = append(lines, "\n"+center(
			"******* The balance sheet is NOT balanced. "+
				"********", usdSheetWidth))
	}

	return strings.Join(lines, "\n")
}

// sheetRow renders one all-currencies table row.
func sheetRow(name, sub string, summary ConvertedSummary) string {
	return fmt.Sprintf("%-40v %-17v %10v %12v %12v %12v",
		name, sub,
		formatAmount(summary.Sats, 0),
		formatAmount(summary.Hive, 2),
		formatAmount(summary.HBD, 2),
		formatAmount(summary.USD, 2))
}

// AllCurrenciesPrintout renders the balance sheet with SATS, HIVE, HBD
// and USD columns.
func (s *BalanceSheet) AllCurrenciesPrintout() string {
	lines := []string{
		"Balance Sheet in All Currencies",
		strings.Repeat("-", allCurrenciesWidth),
		fmt.Sprintf("%-40v %-17v %10v %12v %12v %12v", "Account",
			"Sub", "SATS", "HIVE", "HBD", "USD"),
		strings.Repeat("-", allCurrenciesWidth),
	}

	for _, section := range []*SheetSection{
		&s.Assets, &s.Liabilities, &s.Equity,
	} {
		lines = append(lines,
			"\n"+center(section.Title, allCurrenciesWidth),
			strings.Repeat("-", 30))

		for _, account := range section.Accounts {
			if account.allZero() {
				continue
			}

			for _, sub := range account.Subs {
				lines = append(lines, sheetRow(
					account.Name, sub.Sub,
					sub.Summary))
			}
			lines = append(lines, sheetRow(
				"Total "+account.Name, "", account.Total))
		}

		lines = append(lines,
			strings.Repeat("-", allCurrenciesWidth),
			sheetRow("Total "+section.Title, "",
				section.Total),
			strings.Repeat("-", allCurrenciesWidth))
	}

	lines = append(lines,
		strings.Repeat("-", allCurrenciesWidth),
		sheetRow("Total Liab. & Equity", "",
			s.TotalLiabilitiesAndEquity))

	if s.IsBalanced() {
		lines = append(lines, "\n"+center(
			"The balance sheet is balanced.",
			allCurrenciesWidth))
	} else {
		lines = append(lines, "\n"+center(
			"******* The balance sheet is NOT balanced. "+
				"********", allCurrenciesWidth))
	}

	lines = append(lines, strings.Repeat("=", allCurrenciesWidth))

	return strings.Join(lines, "\n")
}

// pnlRow renders one income statement row with the msats column the
// wider report carries.
func pnlRow(name, sub string, summary ConvertedSummary) string {
	return fmt.Sprintf("%-40v %-17v %10v %12v %12v %12v %12v",
		name, sub,
		formatAmount(summary.Sats, 0),
		formatAmount(summary.MSats, 0),
		formatAmount(summary.Hive, 3),
		formatAmount(summary.HBD, 3),
		formatAmount(summary.USD, 2))
}

// Printout renders the profit and loss report.
func (p *ProfitAndLoss) Printout() string {
	lines := []string{
		fmt.Sprintf("Profit and Loss Report for %v UTC",
			p.AsOf.Format("2006-01-02 15:04:05")),
		strings.Repeat("-", statementWidth),
		fmt.Sprintf("%-40v %-17v %10v %12v %12v %12v %12v",
			"Account", "Sub", "SATS", "msats", "HIVE", "HBD",
			"USD"),
		strings.Repeat("-", statementWidth),
	}

	for _, section := range []*SheetSection{
		&p.Revenue, &p.Expenses,
	} {
		lines = append(lines, "\n"+section.Title,
			strings.Repeat("-", 30))

		for _, account := range section.Accounts {
			for _, sub := range account.Subs {
				lines = append(lines, pnlRow(
					account.Name, sub.Sub,
					sub.Summary))
			}
			lines = append(lines, pnlRow(
				"Total "+account.Name, "", account.Total))
		}

		lines = append(lines, strings.Repeat("-", statementWidth))
	}

	lines = append(lines, "\nNet Income", strings.Repeat("-", 30))
	for _, sub := range p.NetIncomeBySub {
		lines = append(lines, pnlRow("Net Income", sub.Sub,
			sub.Summary))
	}
	lines = append(lines,
		pnlRow("Total Net Income", "", p.NetIncome),
		strings.Repeat("=", statementWidth))

	return strings.Join(lines, "\n")
}
