package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
	"github.com/v4vapp/hivebridge/money"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	// opTypeEntry is the discriminator stored on every journal
	// document.
	opTypeEntry = "ledger_entry"

	// convToleranceMsats is the largest divergence allowed between the
	// debit and credit conversions of an entry whose two sides carry
	// the same economic value.
	convToleranceMsats = 1

	// exchangeNetToleranceMsats bounds the rounding noise tolerated
	// when the signed conversions of an exchange entry are netted.
	exchangeNetToleranceMsats = 10

	// journalWidth is the line width of the journal printout.
	journalWidth = 100
)

var (
	// ErrIncompleteEntry is returned when an entry is missing a debit
	// or credit account or amount.
	ErrIncompleteEntry = errors.New("ledger entry is incomplete")

	// ErrUnbalancedEntry is returned when the two sides of an entry do
	// not carry the same economic value.
	ErrUnbalancedEntry = errors.New("debit and credit conversion " +
		"mismatch")

	// exchangeHiveTolerance bounds the hive-side rounding noise of an
	// exchange conversion entry.
	exchangeHiveTolerance = decimal.New(1, -3)
)

// SignedConv holds the conversion snapshots of an entry multiplied by
// the normal balance sign of the account on each side. Aggregations sum
// these fields directly.
type SignedConv struct {
	Debit  money.Conv `bson:"debit" json:"debit"`
	Credit money.Conv `bson:"credit" json:"credit"`
}

// Entry is one two-sided journal entry. Amounts on either side may be
// denominated in different currencies; the conversion snapshots tie
// both to the rates in force when the entry was posted.
type Entry struct {
	// GroupID uniquely identifies the entry. Entries derived from the
	// same operation share a prefix and differ in a suffix naming the
	// leg, so the ID doubles as an idempotency key.
	GroupID string `bson:"group_id" json:"group_id"`

	// ShortID is a compact form of the group ID suitable for
	// embedding in transfer memos.
	ShortID string `bson:"short_id" json:"short_id"`

	Type        EntryType `bson:"ledger_type" json:"ledger_type"`
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
	Description string    `bson:"description" json:"description"`
	UserMemo    string    `bson:"user_memo,omitempty" json:"user_memo,omitempty"`
	CustID      string    `bson:"cust_id,omitempty" json:"cust_id,omitempty"`

	DebitAmount decimal.Decimal `bson:"debit_amount" json:"debit_amount"`
	DebitUnit   money.Currency  `bson:"debit_unit" json:"debit_unit"`
	DebitConv   money.Conv      `bson:"debit_conv" json:"debit_conv"`

	CreditAmount decimal.Decimal `bson:"credit_amount" json:"credit_amount"`
	CreditUnit   money.Currency  `bson:"credit_unit" json:"credit_unit"`
	CreditConv   money.Conv      `bson:"credit_conv" json:"credit_conv"`

	Debit  Account `bson:"debit" json:"debit"`
	Credit Account `bson:"credit" json:"credit"`

	// DebitAmountSigned and CreditAmountSigned are the amounts
	// multiplied by the normal balance sign of the account on that
	// side. They are stored so aggregation pipelines can sum them
	// without recomputing signs.
	DebitAmountSigned  decimal.Decimal `bson:"debit_amount_signed" json:"debit_amount_signed"`
	CreditAmountSigned decimal.Decimal `bson:"credit_amount_signed" json:"credit_amount_signed"`

	ConvSigned SignedConv `bson:"conv_signed" json:"conv_signed"`

	OpType string `bson:"op_type" json:"op_type"`

	// Link carries an explorer URL or payment reference tied to the
	// source operation.
	Link string `bson:"link,omitempty" json:"link,omitempty"`

	ExtraData bson.M `bson:"extra_data,omitempty" json:"extra_data,omitempty"`
}

// EntryParams collects the inputs needed to build a journal entry.
type EntryParams struct {
	GroupID     string
	ShortID     string
	Type        EntryType
	Timestamp   time.Time
	Description string
	UserMemo    string
	CustID      string

	Debit  Account
	Credit Account

	DebitAmount  money.Amount
	CreditAmount money.Amount
	DebitConv    money.Conv
	CreditConv   money.Conv

	Link  string
	Extra bson.M
}

// NewEntry builds and validates a journal entry. The debit and credit
// accounts must come from the approved chart of accounts, the amounts
// must be non-negative and, unless the entry is an exchange execution,
// the two conversion snapshots must agree to within one millisatoshi.
func NewEntry(p EntryParams) (*Entry, error) {
	timestamp := p.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	entry := &Entry{
		GroupID:      p.GroupID,
		ShortID:      p.ShortID,
		Type:         p.Type,
		Timestamp:    timestamp,
		Description:  p.Description,
		UserMemo:     p.UserMemo,
		CustID:       p.CustID,
		DebitAmount:  p.DebitAmount.Value,
		DebitUnit:    p.DebitAmount.Unit,
		DebitConv:    p.DebitConv,
		CreditAmount: p.CreditAmount.Value,
		CreditUnit:   p.CreditAmount.Unit,
		CreditConv:   p.CreditConv,
		Debit:        p.Debit,
		Credit:       p.Credit,
		OpType:       opTypeEntry,
		Link:         p.Link,
		ExtraData:    p.Extra,
	}
	entry.sign()

	if err := entry.Validate(); err != nil {
		return nil, err
	}

	return entry, nil
}

// sign fills in the signed amount and conversion fields from the
// accounts on each side.
func (e *Entry) sign() {
	debitSign := decimal.NewFromInt(int64(e.DebitSign()))
	creditSign := decimal.NewFromInt(int64(e.CreditSign()))

	e.DebitAmountSigned = e.DebitAmount.Mul(debitSign)
	e.CreditAmountSigned = e.CreditAmount.Mul(creditSign)

	e.ConvSigned = SignedConv{
		Debit:  signedConv(e.DebitConv, e.DebitSign()),
		Credit: signedConv(e.CreditConv, e.CreditSign()),
	}
}

func signedConv(c money.Conv, sign int) money.Conv {
	if sign < 0 {
		return c.Neg()
	}

	return c
}

// DebitSign is +1 when the debit account is debit-normal by type,
// otherwise -1. The contra flag does not participate here; it is
// applied by the aggregations that consume the signed values.
func (e *Entry) DebitSign() int {
	if e.Debit.Type.NormalDebit() {
		return 1
	}

	return -1
}

// CreditSign is +1 when the credit account is credit-normal by type,
// otherwise -1.
func (e *Entry) CreditSign() int {
	if !e.Credit.Type.NormalDebit() {
		return 1
	}

	return -1
}

// Validate checks that the entry is complete, that both accounts are
// approved, and that the two sides agree economically.
func (e *Entry) Validate() error {
	if e.GroupID == "" {
		return fmt.Errorf("%w: no group id", ErrIncompleteEntry)
	}

	if e.Debit.IsUnset() || e.Credit.IsUnset() {
		return fmt.Errorf("%w: missing debit or credit account",
			ErrIncompleteEntry)
	}

	if err := e.Debit.Validate(); err != nil {
		return fmt.Errorf("debit account: %w", err)
	}

	if err := e.Credit.Validate(); err != nil {
		return fmt.Errorf("credit account: %w", err)
	}

	if e.DebitAmount.IsNegative() || e.CreditAmount.IsNegative() {
		return fmt.Errorf("%w: negative amount", ErrIncompleteEntry)
	}

	switch e.Type {
	case ExchangeConversion:
		return e.validateExchangeNetting(true)

	case ExchangeFees:
		return e.validateExchangeNetting(false)

	default:
		return e.validateConvMatch()
	}
}

// validateConvMatch requires the debit and credit conversions to carry
// the same economic value to within one millisatoshi.
func (e *Entry) validateConvMatch() error {
	if e.DebitConv.IsZero() || e.CreditConv.IsZero() {
		return nil
	}

	delta := e.DebitConv.MSats - e.CreditConv.MSats
	if delta < 0 {
		delta = -delta
	}
	if delta > convToleranceMsats {
		return fmt.Errorf("%w %v %v: %v vs %v msats",
			ErrUnbalancedEntry, e.GroupID, e.Type.Printout(),
			e.DebitConv.MSats, e.CreditConv.MSats)
	}

	return nil
}

// validateExchangeNetting requires the signed conversions of an
// exchange entry to net to zero. Exchange executions price each side
// from the fill, so a small rounding allowance applies.
func (e *Entry) validateExchangeNetting(checkHive bool) error {
	if e.ConvSigned.Debit.IsZero() || e.ConvSigned.Credit.IsZero() {
		return fmt.Errorf("%w: missing conversion on exchange entry",
			ErrIncompleteEntry)
	}

	msatsSum := e.ConvSigned.Debit.MSats + e.ConvSigned.Credit.MSats
	if msatsSum < 0 {
		msatsSum = -msatsSum
	}
	if msatsSum > exchangeNetToleranceMsats {
		return fmt.Errorf("%w: %v msats do not net to zero: %v msats "+
			"for %v", ErrUnbalancedEntry, e.Type, msatsSum, e.GroupID)
	}

	if !checkHive {
		return nil
	}

	hiveSum := e.ConvSigned.Debit.HIVE.Add(e.ConvSigned.Credit.HIVE)
	if hiveSum.Abs().GreaterThan(exchangeHiveTolerance) {
		return fmt.Errorf("%w: %v hive values do not net to zero: "+
			"%v HIVE for %v", ErrUnbalancedEntry, e.Type, hiveSum,
			e.GroupID)
	}

	return nil
}

// Icon returns the icon of the entry's type, with a question mark for
// types that have none assigned.
func (e *Entry) Icon() string {
	if icon := e.Type.Icon(); icon != "" {
		return icon
	}

	return "❓"
}

// LogLine renders the entry on one line for the journal log: time,
// type, credited amount, then the credit and debit accounts.
func (e *Entry) LogLine() string {
	amount := fmt.Sprintf("%v %v",
		e.CreditAmount.StringFixed(3), e.CreditUnit)
	if e.CreditUnit == money.Msats {
		amount = fmt.Sprintf("%v sats",
			e.CreditAmount.Div(decimal.New(1, 3)).StringFixed(0))
	}

	return fmt.Sprintf("%v | %-35v | %20v | %v | %v | %v",
		e.Timestamp.Format("2006-01-02 15:04:05"), e.Type.Printout(),
		amount, e.Credit, e.Debit, e.Description)
}

// sideAmount formats one side of the journal printout. Millisatoshi
// amounts display as whole sats, or with three decimals below five
// sats; other units always carry three decimals.
func sideAmount(amount decimal.Decimal, unit money.Currency,
	contra bool) string {

	marker := "   "
	if contra {
		marker = "-c-"
	}

	display := amount
	displayUnit := strings.ToUpper(string(unit))
	if unit == money.Msats {
		display = amount.Div(decimal.New(1, 3))
		displayUnit = "SATS"
	}

	value, _ := display.Float64()
	var formatted string
	switch {
	case displayUnit == "SATS" && display.Abs().
		LessThan(decimal.NewFromInt(5)):

		formatted = humanize.FormatFloat("#,###.###", value)

	case displayUnit == "SATS":
		formatted = humanize.FormatFloat("#,###.", value)

	default:
		formatted = humanize.FormatFloat("#,###.###", value)
	}

	return fmt.Sprintf("%v %v %v", marker, formatted, displayUnit)
}

// Journal renders the entry as a formatted journal block with the
// debit line above the indented credit line, followed by the converted
// values and the description.
func (e *Entry) Journal() string {
	if e.Debit.IsUnset() || e.Credit.IsUnset() {
		return fmt.Sprintf("WARNING: LedgerEntry is not completed. "+
			"Missing debit or credit account.\n%v\n",
			strings.Repeat("=", journalWidth))
	}

	debitAccount := fmt.Sprintf("%v (%v)", e.Debit.Name, e.Debit.Type)
	creditAccount := fmt.Sprintf("%v (%v)", e.Credit.Name, e.Credit.Type)

	debitAmount := sideAmount(e.DebitAmount, e.DebitUnit, e.Debit.Contra)
	creditAmount := sideAmount(e.CreditAmount, e.CreditUnit,
		e.Credit.Contra)

	groupID := e.GroupID
	if groupID == "" {
		groupID = "#####"
	}

	date := e.Timestamp.Format("Jan 02, 2006 15:04:05")
	customerLeft := fmt.Sprintf("CUSTOMER_ID : %-20v", e.CustID)
	customerLine := fmt.Sprintf("%v %v", customerLeft, date)
	if pad := journalWidth - len(customerLeft); pad > len(date) {
		customerLine = customerLeft +
			fmt.Sprintf("%*v", pad, date)
	}

	hive, _ := e.DebitConv.HIVE.Float64()
	hbd, _ := e.DebitConv.HBD.Float64()
	usd, _ := e.DebitConv.USD.Float64()
	sats := float64(e.DebitConv.MSats) / 1000

	convLine := "Converted              N/A"
	if !e.DebitConv.IsZero() && !e.CreditConv.IsZero() {
		convLine = fmt.Sprintf(
			"Converted   %11v HIVE %11v HBD %11v USD %18v SATS ",
			humanize.FormatFloat("#,###.###", hive),
			humanize.FormatFloat("#,###.###", hbd),
			humanize.FormatFloat("#,###.###", usd),
			humanize.FormatFloat("#,###.###", sats))
	}

	description := wrapText(e.Description, journalWidth)
	if description == "" {
		description = "N/A"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "J/E NUMBER  : %v\n", groupID)
	fmt.Fprintf(&b, "LEDGER TYPE : %v%-40v\n", e.Icon(),
		e.Type.Printout())
	fmt.Fprintf(&b, "%v\n\n", customerLine)
	fmt.Fprintf(&b, "%-40v %20v %15v %15v\n", "ACCOUNT", "", "DEBIT",
		"CREDIT")
	fmt.Fprintf(&b, "%v\n", strings.Repeat("-", journalWidth))
	fmt.Fprintf(&b, "%-40v %20v %15v %15v\n", debitAccount,
		e.Debit.Sub, debitAmount, "")
	fmt.Fprintf(&b, "    %-40v %20v %15v %15v\n\n", creditAccount,
		e.Credit.Sub, "", creditAmount)
	fmt.Fprintf(&b, "%v\n", convLine)
	fmt.Fprintf(&b, "DESCRIPTION\n%v\n", description)
	fmt.Fprintf(&b, "%v\n", strings.Repeat("=", journalWidth))

	return b.String()
}

// TDiagram renders the entry as a two column T-account diagram with
// the conversion snapshots below it.
func (e *Entry) TDiagram() string {
	debitDisplay := fmt.Sprintf("%v (%v)", e.Debit.Name, e.Debit.Type)
	creditDisplay := fmt.Sprintf("%v (%v)", e.Credit.Name,
		e.Credit.Type)

	sideWidth := len(debitDisplay)
	if len(creditDisplay) > sideWidth {
		sideWidth = len(creditDisplay)
	}
	if sideWidth < 55 {
		sideWidth = 55
	}
	totalWidth := sideWidth*2 + 7

	description := e.Description
	if len(description) > 50 {
		description = description[:47] + "..."
	}

	var b strings.Builder
	rule := strings.Repeat("=", totalWidth)
	fmt.Fprintf(&b, "%v\n", rule)
	fmt.Fprintf(&b, "%*v\n", (totalWidth+len(e.GroupID))/2, e.GroupID)
	fmt.Fprintf(&b, "%v\n", rule)
	fmt.Fprintf(&b, "| %-*v | %-*v |\n", sideWidth, "Debit", sideWidth,
		"Credit")
	fmt.Fprintf(&b, "| %v | %v |\n", strings.Repeat("-", sideWidth),
		strings.Repeat("-", sideWidth))
	fmt.Fprintf(&b, "| %-*v | %-*v |\n", sideWidth,
		fmt.Sprintf("%v  %v", debitDisplay, e.Debit.Sub), sideWidth,
		fmt.Sprintf("%v  %v", creditDisplay, e.Credit.Sub))
	fmt.Fprintf(&b, "| %-*v | %-*v |\n", sideWidth,
		fmt.Sprintf("%v %v", e.DebitAmount.StringFixed(3),
			e.DebitUnit), sideWidth,
		fmt.Sprintf("%v %v", e.CreditAmount.StringFixed(3),
			e.CreditUnit))
	fmt.Fprintf(&b, "%v\n", rule)
	fmt.Fprintf(&b, "Description: %v\n", description)
	fmt.Fprintf(&b, "%v\n", strings.Repeat("-", totalWidth))

	writeConv := func(label string, c money.Conv) {
		fmt.Fprintf(&b, "%v Conversion Values (at time of entry):\n",
			label)
		fmt.Fprintf(&b, "%-10v | %10v | %15v\n", "Currency", "Value",
			"Rate")
		fmt.Fprintf(&b, "%v-+-%v-+-%v\n", strings.Repeat("-", 10),
			strings.Repeat("-", 10), strings.Repeat("-", 15))
		fmt.Fprintf(&b, "%-10v | %10v | %15v Sats/HIVE\n", "HIVE",
			c.HIVE.StringFixed(3), c.SatsHive.StringFixed(2))
		fmt.Fprintf(&b, "%-10v | %10v | %15v Sats/HBD\n", "HBD",
			c.HBD.StringFixed(3), c.SatsHBD.StringFixed(2))
		fmt.Fprintf(&b, "%-10v | %10v |\n", "USD",
			c.USD.StringFixed(3))
		fmt.Fprintf(&b, "%-10v | %10v |\n", "SATS", c.Sats)
		if !c.FetchTime.IsZero() {
			fmt.Fprintf(&b, "Fetched: %v\n",
				c.FetchTime.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(&b, "Source: %v\n", c.Source)
	}

	if !e.DebitConv.IsZero() {
		writeConv("Debit", e.DebitConv)
		fmt.Fprintf(&b, "%v\n", strings.Repeat("-", totalWidth))
	}
	if !e.CreditConv.IsZero() {
		writeConv("Credit", e.CreditConv)
	}
	fmt.Fprintf(&b, "%v\n", rule)

	return b.String()
}

// wrapText wraps s at word boundaries so no line exceeds width.
func wrapText(s string, width int) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return ""
	}

	var lines []string
	line := words[0]
	for _, word := range words[1:] {
		if len(line)+1+len(word) > width {
			lines = append(lines, line)
			line = word
			continue
		}
		line += " " + word
	}
	lines = append(lines, line)

	return strings.Join(lines, "\n")
}
