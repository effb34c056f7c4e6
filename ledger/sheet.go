package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/v4vapp/hivebridge/money"
)

// sheetToleranceMsats is the largest absolute difference between total
// assets and total liabilities plus equity for the sheet to count as
// balanced.
var sheetToleranceMsats = decimal.NewFromInt(1)

// SheetSub is one sub account line of a report.
type SheetSub struct {
	Sub     string           `json:"sub"`
	Summary ConvertedSummary `json:"summary"`
}

// SheetAccount groups the sub account lines of one named account.
// Contra accounts keep their natural orientation in their own lines
// and are subtracted when the section total is formed.
type SheetAccount struct {
	Name   string           `json:"name"`
	Type   AccountType      `json:"account_type"`
	Contra bool             `json:"contra"`
	Subs   []SheetSub       `json:"subs"`
	Total  ConvertedSummary `json:"total"`
}

// SheetSection is one division of a report with its accounts and
// aggregate total.
type SheetSection struct {
	Title    string           `json:"title"`
	Accounts []*SheetAccount  `json:"accounts"`
	Total    ConvertedSummary `json:"total"`
}

// BalanceSheet is the point in time position of the whole ledger.
// Revenue, expense and dividend accounts report under Equity, so the
// accounting identity holds directly between the three section totals.
type BalanceSheet struct {
	AsOf time.Time `json:"as_of"`

	Assets      SheetSection `json:"assets"`
	Liabilities SheetSection `json:"liabilities"`
	Equity      SheetSection `json:"equity"`

	TotalLiabilitiesAndEquity ConvertedSummary `json:"total_liabilities_and_equity"`
}

// sectionSign orients one entry side inside its balance sheet section:
// debits build the asset side, credits build the liability and equity
// side. The contra flag is applied separately so contra accounts
// display in their natural orientation.
func sectionSign(section Section, side Side) decimal.Decimal {
	positive := decimal.NewFromInt(1)
	negative := decimal.NewFromInt(-1)

	if section == SectionAssets {
		if side == SideDebit {
			return positive
		}
		return negative
	}

	if side == SideCredit {
		return positive
	}
	return negative
}

// sheetKey identifies one leaf of the report tree.
type sheetKey struct {
	section Section
	name    string
	sub     string
}

// sheetBuilder accumulates signed conversion summaries per leaf.
type sheetBuilder struct {
	leaves map[sheetKey]ConvertedSummary
	meta   map[string]Account
}

func newSheetBuilder() *sheetBuilder {
	return &sheetBuilder{
		leaves: make(map[sheetKey]ConvertedSummary),
		meta:   make(map[string]Account),
	}
}

// add folds one entry side into the tree. The leaf keeps the account's
// natural orientation; contra inversion into the section total happens
// when sections are assembled.
func (b *sheetBuilder) add(account Account, side Side, conv money.Conv) {
	section := account.Type.Section()
	sign := sectionSign(section, side)
	if account.Contra {
		sign = sign.Neg()
	}

	key := sheetKey{section: section, name: account.Name,
		sub: account.Sub}
	b.leaves[key] = b.leaves[key].Add(SummaryFromConv(conv).Mul(sign))
	b.meta[account.Name] = account
}

// section assembles the accounts of one section in name order with the
// contra adjusted total.
func (b *sheetBuilder) section(section Section) SheetSection {
	bySub := make(map[string]map[string]ConvertedSummary)
	for key, summary := range b.leaves {
		if key.section != section {
			continue
		}

		subs, ok := bySub[key.name]
		if !ok {
			subs = make(map[string]ConvertedSummary)
			bySub[key.name] = subs
		}
		subs[key.sub] = summary
	}

	built := SheetSection{Title: string(section)}
	names := make([]string, 0, len(bySub))
	for name := range bySub {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		meta := b.meta[name]
		account := &SheetAccount{
			Name:   name,
			Type:   meta.Type,
			Contra: meta.Contra,
		}

		subNames := make([]string, 0, len(bySub[name]))
		for sub := range bySub[name] {
			subNames = append(subNames, sub)
		}
		sort.Strings(subNames)

		for _, sub := range subNames {
			summary := bySub[name][sub]
			account.Subs = append(account.Subs, SheetSub{
				Sub:     sub,
				Summary: summary,
			})
			account.Total = account.Total.Add(summary)
		}

		sectionShare := account.Total
		if account.Contra {
			sectionShare = sectionShare.Neg()
		}
		built.Total = built.Total.Add(sectionShare)

		built.Accounts = append(built.Accounts, account)
	}

	return built
}

// NewBalanceSheet aggregates every entry dated at or before asOf into
// the three section tree. Values come from the conversion snapshots on
// each side, so totals reflect the rates in force when entries were
// posted and the sheet balances without a translation adjustment.
func NewBalanceSheet(entries []*Entry, asOf time.Time) *BalanceSheet {
	builder := newSheetBuilder()
	for _, entry := range entries {
		if !asOf.IsZero() && entry.Timestamp.After(asOf) {
			continue
		}

		builder.add(entry.Debit, SideDebit, entry.DebitConv)
		builder.add(entry.Credit, SideCredit, entry.CreditConv)
	}

	sheet := &BalanceSheet{
		AsOf:        asOf,
		Assets:      builder.section(SectionAssets),
		Liabilities: builder.section(SectionLiabilities),
		Equity:      builder.section(SectionEquity),
	}
	sheet.TotalLiabilitiesAndEquity = sheet.Liabilities.Total.
		Add(sheet.Equity.Total)

	return sheet
}

// Imbalance is total assets minus total liabilities and equity. A
// balanced sheet nets to zero in every currency.
func (s *BalanceSheet) Imbalance() ConvertedSummary {
	return s.Assets.Total.Sub(s.TotalLiabilitiesAndEquity)
}

// IsBalanced reports whether the accounting identity holds to within
// one millisatoshi.
func (s *BalanceSheet) IsBalanced() bool {
	return s.Imbalance().MSats.Abs().
		LessThanOrEqual(sheetToleranceMsats)
}

// ProfitAndLoss is the revenue and expense summary over a reporting
// window ending at AsOf. A zero Age covers all recorded history.
type ProfitAndLoss struct {
	AsOf time.Time     `json:"as_of"`
	Age  time.Duration `json:"age"`

	Revenue  SheetSection `json:"revenue"`
	Expenses SheetSection `json:"expenses"`

	// NetIncomeBySub breaks net income down per sub account, summing
	// revenue minus expenses for each sub seen in either section.
	NetIncomeBySub []SheetSub       `json:"net_income_by_sub"`
	NetIncome      ConvertedSummary `json:"net_income"`
}

// pnlSign orients one entry side for the income statement: revenue
// accumulates on credits, expenses on debits, so both sections report
// positive under normal activity. Contra inverts.
func pnlSign(accountType AccountType, contra bool,
	side Side) decimal.Decimal {

	positive := decimal.NewFromInt(1)
	negative := decimal.NewFromInt(-1)

	sign := positive
	if accountType == TypeRevenue && side == SideDebit {
		sign = negative
	}
	if accountType != TypeRevenue && side == SideCredit {
		sign = negative
	}
	if contra {
		sign = sign.Neg()
	}

	return sign
}

// NewProfitAndLoss builds the income statement from entries falling
// inside [asOf-age, asOf]. Both window edges are inclusive; a zero age
// removes the lower bound.
func NewProfitAndLoss(entries []*Entry, asOf time.Time,
	age time.Duration) *ProfitAndLoss {

	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	var start time.Time
	if age > 0 {
		start = asOf.Add(-age)
	}

	type pnlLeaf struct {
		account Account
		summary ConvertedSummary
	}
	leaves := make(map[sheetKey]*pnlLeaf)

	addSide := func(account Account, side Side, conv money.Conv) {
		if account.Type != TypeRevenue &&
			account.Type != TypeExpense {

			return
		}

		sign := pnlSign(account.Type, account.Contra, side)

		// Revenue and expenses both report under equity, so key
		// on the account type to keep the two apart.
		key := sheetKey{
			section: Section(account.Type),
			name:    account.Name,
			sub:     account.Sub,
		}

		leaf, ok := leaves[key]
		if !ok {
			leaf = &pnlLeaf{account: account}
			leaves[key] = leaf
		}
		leaf.summary = leaf.summary.
			Add(SummaryFromConv(conv).Mul(sign))
	}

	for _, entry := range entries {
		if entry.Timestamp.After(asOf) {
			continue
		}
		if !start.IsZero() && entry.Timestamp.Before(start) {
			continue
		}

		addSide(entry.Debit, SideDebit, entry.DebitConv)
		addSide(entry.Credit, SideCredit, entry.CreditConv)
	}

	pnl := &ProfitAndLoss{
		AsOf:     asOf,
		Age:      age,
		Revenue:  SheetSection{Title: "Revenue"},
		Expenses: SheetSection{Title: "Expenses"},
	}

	bySub := make(map[string]ConvertedSummary)
	assemble := func(accountType AccountType, into *SheetSection,
		subSign decimal.Decimal) {

		byName := make(map[string][]sheetKey)
		for key, leaf := range leaves {
			if leaf.account.Type != accountType {
				continue
			}
			byName[key.name] = append(byName[key.name], key)
		}

		names := make([]string, 0, len(byName))
		for name := range byName {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			keys := byName[name]
			sort.Slice(keys, func(i, j int) bool {
				return keys[i].sub < keys[j].sub
			})

			account := &SheetAccount{
				Name: name,
				Type: accountType,
			}
			for _, key := range keys {
				leaf := leaves[key]
				account.Contra = leaf.account.Contra
				account.Subs = append(account.Subs,
					SheetSub{
						Sub:     key.sub,
						Summary: leaf.summary,
					})
				account.Total = account.Total.
					Add(leaf.summary)

				bySub[key.sub] = bySub[key.sub].
					Add(leaf.summary.Mul(subSign))
			}

			into.Total = into.Total.Add(account.Total)
			into.Accounts = append(into.Accounts, account)
		}
	}

	assemble(TypeRevenue, &pnl.Revenue, decimal.NewFromInt(1))
	assemble(TypeExpense, &pnl.Expenses, decimal.NewFromInt(-1))

	subs := make([]string, 0, len(bySub))
	for sub := range bySub {
		subs = append(subs, sub)
	}
	sort.Strings(subs)
	for _, sub := range subs {
		pnl.NetIncomeBySub = append(pnl.NetIncomeBySub, SheetSub{
			Sub:     sub,
			Summary: bySub[sub],
		})
	}

	pnl.NetIncome = pnl.Revenue.Total.Sub(pnl.Expenses.Total)

	return pnl
}

// BalanceSheet aggregates the whole ledger as of the given time. A
// zero asOf means "now".
func (b *Balances) BalanceSheet(ctx context.Context,
	asOf time.Time) (*BalanceSheet, error) {

	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	entries, err := b.store.FindEntries(ctx, EntryFilter{AsOf: asOf})
	if err != nil {
		return nil, err
	}

	return NewBalanceSheet(entries, asOf), nil
}

// ProfitAndLoss builds the income statement for the window ending at
// asOf. A zero asOf means "now"; a zero age covers all history.
func (b *Balances) ProfitAndLoss(ctx context.Context, asOf time.Time,
	age time.Duration) (*ProfitAndLoss, error) {

	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	entries, err := b.store.FindEntries(ctx, EntryFilter{
		AsOf: asOf,
		Age:  age,
	})
	if err != nil {
		return nil, err
	}

	return NewProfitAndLoss(entries, asOf, age), nil
}
