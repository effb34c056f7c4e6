package ledger

import (
	"fmt"
	"regexp"
)

// AccountType classifies an account for the purposes of the normal
// balance rule and balance sheet placement.
type AccountType string

const (
	TypeAsset     AccountType = "Asset"
	TypeLiability AccountType = "Liability"
	TypeEquity    AccountType = "Equity"
	TypeRevenue   AccountType = "Revenue"
	TypeExpense   AccountType = "Expense"
	TypeDividend  AccountType = "Dividend"
)

// NormalDebit reports whether accounts of this type increase with a
// debit. Assets, expenses and dividends are debit-normal; liabilities,
// equity and revenue are credit-normal.
func (t AccountType) NormalDebit() bool {
	switch t {
	case TypeAsset, TypeExpense, TypeDividend:
		return true
	default:
		return false
	}
}

// Section is a top level division of the balance sheet.
type Section string

const (
	SectionAssets      Section = "Assets"
	SectionLiabilities Section = "Liabilities"
	SectionEquity      Section = "Equity"
)

// Sections lists the balance sheet sections in presentation order.
var Sections = []Section{SectionAssets, SectionLiabilities, SectionEquity}

// Section returns the balance sheet section that balances of this
// account type roll up into. Revenue, expense and dividend accounts are
// folded into equity.
func (t AccountType) Section() Section {
	switch t {
	case TypeAsset:
		return SectionAssets
	case TypeLiability:
		return SectionLiabilities
	default:
		return SectionEquity
	}
}

// approvedNames is the closed set of account names permitted per type.
// Every journal entry is validated against this chart of accounts so a
// typo cannot silently open a new account.
var approvedNames = map[AccountType][]string{
	TypeAsset: {
		"Customer Deposits Hive",
		"Customer Deposits Lightning",
		"Escrow Hive",
		"Treasury Hive",
		"Treasury Lightning",
		"Treasury Keepsats",
		"Exchange Deposits Hive",
		"Exchange Deposits Lightning",
		"Converted Hive Offset",
		"Converted Keepsats Offset",
		"External Lightning Payments",
		"Keepsats Lightning Movements",
		"Unset",
	},
	TypeLiability: {
		"Customer Liability",
		"Keepsats Hold",
		"VSC Liability",
		"Owner Loan Payable (funding)",
	},
	TypeEquity: {
		"Owner's Capital",
		"Retained Earnings",
		"Dividends/Distributions",
	},
	TypeRevenue: {
		"Fee Income Hive",
		"Fee Income Lightning",
		"Fee Income Keepsats",
		"DHF Income",
		"Other Income",
	},
	TypeExpense: {
		"Hosting Expenses Privex",
		"Hosting Expenses Voltage",
		"Fee Expenses Lightning",
		"Fee Expenses Hive",
	},
}

// Account identifies one side of a journal entry. Name is restricted
// to the approved chart of accounts for the given type, Sub is a free
// string carrying the customer ID, server account or node name, and
// Contra marks an account whose normal balance is opposite to its
// type.
//
// Two accounts are the same account only when all four fields match.
type Account struct {
	Name   string      `bson:"name" json:"name"`
	Type   AccountType `bson:"account_type" json:"account_type"`
	Sub    string      `bson:"sub" json:"sub"`
	Contra bool        `bson:"contra" json:"contra"`
}

// NewAsset returns an asset account with the given name and sub.
func NewAsset(name, sub string) Account {
	return Account{Name: name, Type: TypeAsset, Sub: sub}
}

// NewContraAsset returns an asset account carrying the contra flag,
// used for offset accounts such as External Lightning Payments.
func NewContraAsset(name, sub string) Account {
	return Account{Name: name, Type: TypeAsset, Sub: sub, Contra: true}
}

// NewLiability returns a liability account with the given name and sub.
func NewLiability(name, sub string) Account {
	return Account{Name: name, Type: TypeLiability, Sub: sub}
}

// NewEquity returns an equity account with the given name and sub.
func NewEquity(name, sub string) Account {
	return Account{Name: name, Type: TypeEquity, Sub: sub}
}

// NewRevenue returns a revenue account with the given name and sub.
func NewRevenue(name, sub string) Account {
	return Account{Name: name, Type: TypeRevenue, Sub: sub}
}

// NewExpense returns an expense account with the given name and sub.
func NewExpense(name, sub string) Account {
	return Account{Name: name, Type: TypeExpense, Sub: sub}
}

// unsetAccount is the default placeholder for an entry side that has
// not been assigned yet.
func unsetAccount() Account {
	return Account{Name: "Unset", Type: TypeAsset}
}

// Validate checks the account name against the approved chart of
// accounts for its type.
func (a Account) Validate() error {
	names, ok := approvedNames[a.Type]
	if !ok {
		return fmt.Errorf("unknown account type: %v", a.Type)
	}

	for _, name := range names {
		if name == a.Name {
			return nil
		}
	}

	return fmt.Errorf("account name %q is not approved for type %v",
		a.Name, a.Type)
}

// IsUnset reports whether the account is still the placeholder value.
func (a Account) IsUnset() bool {
	return a.Name == "Unset" || a.Name == ""
}

// NormalDebit reports whether this account increases with a debit,
// taking the contra flag into account.
func (a Account) NormalDebit() bool {
	if a.Contra {
		return !a.Type.NormalDebit()
	}

	return a.Type.NormalDebit()
}

// String renders the account in its canonical form, for example:
// "Customer Deposits Hive (Asset) - Sub: alice". Contra accounts carry
// a trailing marker. ParseAccount reverses this form.
func (a Account) String() string {
	str := fmt.Sprintf("%v (%v) - Sub: %v", a.Name, a.Type, a.Sub)
	if a.Contra {
		str += " (Contra)"
	}

	return str
}

// accountRe matches the canonical string form produced by String.
var accountRe = regexp.MustCompile(`^(.*?) \((.*?)\) - Sub: (.*?)( \(Contra\))?$`)

// ParseAccount parses the canonical string form of an account. The
// result is validated against the approved chart of accounts.
func ParseAccount(s string) (Account, error) {
	matches := accountRe.FindStringSubmatch(s)
	if matches == nil {
		return Account{}, fmt.Errorf("cannot parse account: %q", s)
	}

	account := Account{
		Name:   matches[1],
		Type:   AccountType(matches[2]),
		Sub:    matches[3],
		Contra: matches[4] != "",
	}
	if err := account.Validate(); err != nil {
		return Account{}, err
	}

	return account, nil
}
