package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/v4vapp/hivebridge/money"
)

// unitTolerances are the residual balances treated as dust when
// deciding whether an account still carries value in a unit. Converted
// totals are suppressed below these thresholds so rounding noise does
// not show up as phantom value.
var unitTolerances = map[money.Currency]decimal.Decimal{
	money.HIVE:  decimal.New(1, -3),
	money.HBD:   decimal.New(1, -3),
	money.Msats: decimal.NewFromInt(10),
}

// Side names the side of a journal entry an account appeared on.
type Side string

const (
	SideDebit  Side = "debit"
	SideCredit Side = "credit"
)

// StatementRow is one movement on an account statement. Signed carries
// the amount oriented so that the account's normal balance accumulates
// positively; Balance is the running total of Signed within the row's
// unit and Running the converted running total across every unit.
type StatementRow struct {
	Timestamp   time.Time        `json:"timestamp"`
	Description string           `json:"description"`
	Type        EntryType        `json:"ledger_type"`
	ShortID     string           `json:"short_id"`
	Side        Side             `json:"side"`
	Contra      bool             `json:"contra"`
	Unit        money.Currency   `json:"unit"`
	Amount      decimal.Decimal  `json:"amount"`
	Signed      decimal.Decimal  `json:"signed"`
	Balance     decimal.Decimal  `json:"balance"`
	Conv        money.Conv       `json:"conv"`
	Running     ConvertedSummary `json:"running"`
}

// UnitBalance is the closing position of an account in one unit.
// Converted scales the latest conversion snapshot seen for the unit up
// to the closing balance, so it reflects the most recent rates the
// account actually traded at.
type UnitBalance struct {
	Unit      money.Currency   `json:"unit"`
	Balance   decimal.Decimal  `json:"balance"`
	Converted ConvertedSummary `json:"converted"`

	// Rows is the full per-unit history. It is excluded from the
	// cached form; cached balances answer closing-position queries
	// only.
	Rows []StatementRow `json:"-"`
}

// AccountBalance is the computed statement of one account: closing
// balances per unit plus the converted total across units.
type AccountBalance struct {
	Account Account   `json:"account"`
	AsOf    time.Time `json:"as_of"`

	Units []*UnitBalance   `json:"units"`
	Total ConvertedSummary `json:"total"`

	LastTransaction time.Time `json:"last_transaction"`
}

// rowSign orients an entry side for the queried account: the side that
// increases the account under its normal balance rule counts positive,
// the other side negative. Contra accounts invert through
// Account.NormalDebit.
func rowSign(account Account, side Side) decimal.Decimal {
	if (side == SideDebit) == account.NormalDebit() {
		return decimal.NewFromInt(1)
	}

	return decimal.NewFromInt(-1)
}

// matches reports whether the account occupies the given side of the
// entry. An empty sub on the queried account matches every sub.
func matches(account Account, name, sub string) bool {
	if account.Name != name {
		return false
	}

	return account.Sub == "" || account.Sub == sub
}

// NewAccountBalance folds entries into the statement of one account.
// Entries must be sorted by timestamp ascending, as FindEntries
// returns them; sides that do not reference the account are ignored.
func NewAccountBalance(account Account, entries []*Entry,
	asOf time.Time) *AccountBalance {

	balance := &AccountBalance{
		Account: account,
		AsOf:    asOf,
	}

	units := make(map[money.Currency]*UnitBalance)
	latestConv := make(map[money.Currency]money.Conv)
	latestAmount := make(map[money.Currency]decimal.Decimal)
	var running ConvertedSummary

	appendRow := func(e *Entry, side Side, amount decimal.Decimal,
		unit money.Currency, conv money.Conv, contra bool) {

		sign := rowSign(account, side)
		signed := amount.Mul(sign)

		unitBalance, ok := units[unit]
		if !ok {
			unitBalance = &UnitBalance{Unit: unit}
			units[unit] = unitBalance
		}
		unitBalance.Balance = unitBalance.Balance.Add(signed)

		running = running.Add(SummaryFromConv(conv).Mul(sign))

		unitBalance.Rows = append(unitBalance.Rows, StatementRow{
			Timestamp:   e.Timestamp,
			Description: e.Description,
			Type:        e.Type,
			ShortID:     e.ShortID,
			Side:        side,
			Contra:      contra,
			Unit:        unit,
			Amount:      amount,
			Signed:      signed,
			Balance:     unitBalance.Balance,
			Conv:        conv,
			Running:     running,
		})

		latestConv[unit] = conv
		latestAmount[unit] = amount

		if e.Timestamp.After(balance.LastTransaction) {
			balance.LastTransaction = e.Timestamp
		}
	}

	for _, entry := range entries {
		if matches(account, entry.Debit.Name, entry.Debit.Sub) {
			appendRow(entry, SideDebit, entry.DebitAmount,
				entry.DebitUnit, entry.DebitConv,
				entry.Debit.Contra)
		}

		if matches(account, entry.Credit.Name, entry.Credit.Sub) {
			appendRow(entry, SideCredit, entry.CreditAmount,
				entry.CreditUnit, entry.CreditConv,
				entry.Credit.Contra)
		}
	}

	for _, unitBalance := range units {
		unitBalance.Converted = convertClosing(unitBalance,
			latestConv[unitBalance.Unit],
			latestAmount[unitBalance.Unit])
		balance.Total = balance.Total.Add(unitBalance.Converted)
	}

	balance.Units = sortedUnits(units)

	return balance
}

// convertClosing scales the latest conversion snapshot of a unit to
// the closing balance. Residuals inside the unit's dust tolerance
// convert to zero.
func convertClosing(unitBalance *UnitBalance, conv money.Conv,
	amount decimal.Decimal) ConvertedSummary {

	tolerance := unitTolerances[unitBalance.Unit]
	if unitBalance.Balance.Abs().LessThanOrEqual(tolerance) {
		return ConvertedSummary{}
	}

	if amount.IsZero() {
		return ConvertedSummary{}
	}

	factor := unitBalance.Balance.Div(amount)

	return SummaryFromConv(conv).Mul(factor)
}

// sortedUnits fixes the presentation order of unit balances so renders
// and cached forms are deterministic.
func sortedUnits(units map[money.Currency]*UnitBalance) []*UnitBalance {
	sorted := make([]*UnitBalance, 0, len(units))
	for _, unitBalance := range units {
		sorted = append(sorted, unitBalance)
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Unit < sorted[j].Unit
	})

	return sorted
}

// Unit returns the closing balance in the given unit, zero when the
// account never traded in it.
func (b *AccountBalance) Unit(unit money.Currency) decimal.Decimal {
	for _, unitBalance := range b.Units {
		if unitBalance.Unit == unit {
			return unitBalance.Balance
		}
	}

	return decimal.Zero
}

// NativeMsats is the closing balance of the account counted purely in
// its satoshi denominated units. Unlike Total.MSats it carries no
// exposure from rows denominated in HIVE or HBD.
func (b *AccountBalance) NativeMsats() int64 {
	msats := b.Unit(money.Msats)
	sats := b.Unit(money.Sats).Mul(decimal.New(1, 3))

	return msats.Add(sats).Round(0).IntPart()
}

// Msats is the converted total across every unit, rounded to whole
// millisatoshis.
func (b *AccountBalance) Msats() int64 {
	return b.Total.MSats.Round(0).IntPart()
}

// Rows flattens the per-unit histories back into one timestamp ordered
// statement.
func (b *AccountBalance) Rows() []StatementRow {
	var rows []StatementRow
	for _, unitBalance := range b.Units {
		rows = append(rows, unitBalance.Rows...)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})

	return rows
}

// Balances answers account balance queries from the ledger store with
// the Redis cache in front of it. Closing-position queries are served
// from the cache when possible; full statements always hit the store.
type Balances struct {
	store *Store
	cache *Cache
}

// NewBalances pairs a ledger store with its cache. The cache may be
// nil, in which case every query goes to the store.
func NewBalances(store *Store, cache *Cache) *Balances {
	return &Balances{
		store: store,
		cache: cache,
	}
}

// AccountBalance computes the closing balance of an account. A zero
// asOf means "now"; a non-zero age restricts the statement to the
// trailing window. Results are cached under the account's identity so
// ledger writes can invalidate them selectively.
func (b *Balances) AccountBalance(ctx context.Context, account Account,
	asOf time.Time, age time.Duration) (*AccountBalance, error) {

	if b.cache != nil {
		if cached, ok := b.cache.GetBalance(ctx, account, asOf,
			age); ok {

			return cached, nil
		}
	}

	effectiveAsOf := asOf
	if effectiveAsOf.IsZero() {
		effectiveAsOf = time.Now().UTC()
	}

	entries, err := b.store.FindEntries(ctx, EntryFilter{
		Account: &account,
		AsOf:    effectiveAsOf,
		Age:     age,
	})
	if err != nil {
		return nil, err
	}

	balance := NewAccountBalance(account, entries, effectiveAsOf)

	if b.cache != nil {
		b.cache.SetBalance(ctx, account, asOf, age, balance)
	}

	return balance, nil
}

// Statement returns the full history statement of an account. It
// bypasses the cache because cached balances do not carry rows.
func (b *Balances) Statement(ctx context.Context, account Account,
	asOf time.Time, age time.Duration) (*AccountBalance, error) {

	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	entries, err := b.store.FindEntries(ctx, EntryFilter{
		Account: &account,
		AsOf:    asOf,
		Age:     age,
	})
	if err != nil {
		return nil, err
	}

	return NewAccountBalance(account, entries, asOf), nil
}

// KeepsatsBalance is the customer's spendable keepsats in
// millisatoshis, read from their VSC Liability sub account.
func (b *Balances) KeepsatsBalance(ctx context.Context,
	custID string) (int64, *AccountBalance, error) {

	account := NewLiability("VSC Liability", custID)
	balance, err := b.AccountBalance(ctx, account, time.Time{}, 0)
	if err != nil {
		return 0, nil, err
	}

	return balance.NativeMsats(), balance, nil
}

// AllBalances computes the closing balance of every account seen in
// the ledger, keyed for the balance overview render.
func (b *Balances) AllBalances(ctx context.Context,
	asOf time.Time) ([]*AccountBalance, error) {

	accounts, err := b.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	balances := make([]*AccountBalance, 0, len(accounts))
	for _, account := range accounts {
		balance, err := b.AccountBalance(ctx, account, asOf, 0)
		if err != nil {
			return nil, err
		}

		balances = append(balances, balance)
	}

	return balances, nil
}
