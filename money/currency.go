package money

import (
	"fmt"
	"strings"
)

// Currency is a unit of value tracked by the ledger. Every ledger row and
// conversion record carries an explicit unit so that no amount is ever
// interpreted against an implicit currency.
type Currency string

const (
	// HIVE is the Hive blockchain's base currency, quoted to three
	// decimal places on chain.
	HIVE Currency = "HIVE"

	// HBD is the Hive-backed dollar, quoted to three decimal places on
	// chain.
	HBD Currency = "HBD"

	// USD is a reporting unit only. No ledger account holds USD.
	USD Currency = "USD"

	// Sats is a display unit for Lightning amounts. Ledger rows store
	// msats and render sats.
	Sats Currency = "SATS"

	// Msats is the millisatoshi unit used for all Lightning ledger rows.
	Msats Currency = "MSATS"
)

// ledgerUnits are the currencies that may appear on a ledger row.
var ledgerUnits = map[Currency]bool{
	HIVE:  true,
	HBD:   true,
	Msats: true,
}

// Decimals returns the number of decimal places a currency is quoted to.
func (c Currency) Decimals() int32 {
	switch c {
	case HIVE, HBD:
		return 3

	case USD:
		return 2

	default:
		return 0
	}
}

// LedgerUnit returns true if the currency may appear on a ledger row.
func (c Currency) LedgerUnit() bool {
	return ledgerUnits[c]
}

// ReportUnit returns the unit a currency is displayed in. Millisatoshi
// amounts are always rendered as sats.
func (c Currency) ReportUnit() Currency {
	if c == Msats {
		return Sats
	}

	return c
}

// String returns the canonical upper-case code for the currency.
func (c Currency) String() string {
	return string(c)
}

// ParseCurrency maps a case-insensitive currency code to a Currency.
func ParseCurrency(s string) (Currency, error) {
	switch Currency(strings.ToUpper(strings.TrimSpace(s))) {
	case HIVE:
		return HIVE, nil

	case HBD:
		return HBD, nil

	case USD:
		return USD, nil

	case Sats:
		return Sats, nil

	case Msats:
		return Msats, nil

	default:
		return "", fmt.Errorf("unknown currency: %v", s)
	}
}
