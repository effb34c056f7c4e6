package ledger

import (
	"fmt"
	"strings"
)

// EntryType tags a journal entry with the business event that produced
// it. The wire values are kept to ten characters or less because they
// are embedded in group IDs and in fixed width report columns.
type EntryType string

const (
	Unset EntryType = "unset"

	OpeningBalance EntryType = "open_bal"

	// Funding moves capital from the owner into the treasury.
	Funding EntryType = "funding"

	// RoutingFee records income earned forwarding HTLCs.
	RoutingFee EntryType = "r_fee"

	ExchangeConversion EntryType = "exc_conv"
	ExchangeFees       EntryType = "exc_fee"

	ConvCustomer EntryType = "cust_conv"

	ConvHiveToKeepsats EntryType = "h_conv_k"
	ConvKeepsatsToHive EntryType = "k_conv_h"

	// WithdrawHive and DepositHive are retained for reading back old
	// journals; new entries use CustomerHiveOut and CustomerHiveIn.
	WithdrawHive EntryType = "withdraw_h"
	DepositHive  EntryType = "deposit_h"

	// Suspicious marks transfers parked on the suspect account.
	Suspicious EntryType = "susp"

	HoldKeepsats    EntryType = "hold_k"
	ReleaseKeepsats EntryType = "release_k"

	CustomJSONTransfer  EntryType = "c_j_trans"
	CustomJSONFee       EntryType = "c_j_fee"
	CustomJSONFeeRefund EntryType = "c_j_fee_r"
	ReceiveLightning    EntryType = "recv_l"

	WithdrawLightning EntryType = "withdraw_l"
	DepositLightning  EntryType = "deposit_l"

	// ConsumeCustomerKeepsats spends a customer's held sats as the
	// input side of a conversion.
	ConsumeCustomerKeepsats EntryType = "consume_k"

	ContraHiveToKeepsats EntryType = "h_contra_k"
	ContraKeepsatsToHive EntryType = "k_contra_h"
	ReclassifyVSCSats    EntryType = "r_vsc_sats"
	ReclassifyVSCHive    EntryType = "r_vsc_hive"

	FeeIncome  EntryType = "fee_inc"
	FeeExpense EntryType = "fee_exp"

	Expense EntryType = "expense"

	CustomerHiveIn  EntryType = "cust_h_in"
	CustomerHiveOut EntryType = "cust_h_out"

	ServerToTreasury   EntryType = "serv_to_t"
	TreasuryToServer   EntryType = "t_to_serv"
	TreasuryToFunding  EntryType = "t_to_fund"
	TreasuryToExchange EntryType = "t_to_exc"
	ServerToExchange   EntryType = "s_to_exc"
	ExchangeToTreasury EntryType = "exc_to_t"
	LimitOrderCreate   EntryType = "limit_or"
	FillOrderSell      EntryType = "fill_or_s"
	FillOrderBuy       EntryType = "fill_or_b"
	FillOrderNet       EntryType = "fill_or_n"
)

// entryTypeNames maps each wire value to its long name.
var entryTypeNames = map[EntryType]string{
	Unset:                   "UNSET",
	OpeningBalance:          "OPENING_BALANCE",
	Funding:                 "FUNDING",
	RoutingFee:              "ROUTING_FEE",
	ExchangeConversion:      "EXCHANGE_CONVERSION",
	ExchangeFees:            "EXCHANGE_FEES",
	ConvCustomer:            "CONV_CUSTOMER",
	ConvHiveToKeepsats:      "CONV_HIVE_TO_KEEPSATS",
	ConvKeepsatsToHive:      "CONV_KEEPSATS_TO_HIVE",
	WithdrawHive:            "WITHDRAW_HIVE",
	DepositHive:             "DEPOSIT_HIVE",
	Suspicious:              "SUSPICIOUS",
	HoldKeepsats:            "HOLD_KEEPSATS",
	ReleaseKeepsats:         "RELEASE_KEEPSATS",
	CustomJSONTransfer:      "CUSTOM_JSON_TRANSFER",
	CustomJSONFee:           "CUSTOM_JSON_FEE",
	CustomJSONFeeRefund:     "CUSTOM_JSON_FEE_REFUND",
	ReceiveLightning:        "RECEIVE_LIGHTNING",
	WithdrawLightning:       "WITHDRAW_LIGHTNING",
	DepositLightning:        "DEPOSIT_LIGHTNING",
	ConsumeCustomerKeepsats: "CONSUME_CUSTOMER_KEEPSATS",
	ContraHiveToKeepsats:    "CONTRA_HIVE_TO_KEEPSATS",
	ContraKeepsatsToHive:    "CONTRA_KEEPSATS_TO_HIVE",
	ReclassifyVSCSats:       "RECLASSIFY_VSC_SATS",
	ReclassifyVSCHive:       "RECLASSIFY_VSC_HIVE",
	FeeIncome:               "FEE_INCOME",
	FeeExpense:              "FEE_EXPENSE",
	Expense:                 "EXPENSE",
	CustomerHiveIn:          "CUSTOMER_HIVE_IN",
	CustomerHiveOut:         "CUSTOMER_HIVE_OUT",
	ServerToTreasury:        "SERVER_TO_TREASURY",
	TreasuryToServer:        "TREASURY_TO_SERVER",
	TreasuryToFunding:       "TREASURY_TO_FUNDING",
	TreasuryToExchange:      "TREASURY_TO_EXCHANGE",
	ServerToExchange:        "SERVER_TO_EXCHANGE",
	ExchangeToTreasury:      "EXCHANGE_TO_TREASURY",
	LimitOrderCreate:        "LIMIT_ORDER_CREATE",
	FillOrderSell:           "FILL_ORDER_SELL",
	FillOrderBuy:            "FILL_ORDER_BUY",
	FillOrderNet:            "FILL_ORDER_NET",
}

// entryTypeIcons decorate journal printouts and user notifications.
var entryTypeIcons = map[EntryType]string{
	CustomerHiveOut:         "📤",
	CustomerHiveIn:          "📥",
	CustomJSONTransfer:      "🔄",
	FeeIncome:               "💵",
	ConsumeCustomerKeepsats: "🍽️",
	HoldKeepsats:            "⏳",
	CustomJSONFee:           "💵",
	CustomJSONFeeRefund:     "↩️",
	ReleaseKeepsats:         "🚀",
	WithdrawLightning:       "⚡",
	ReceiveLightning:        "⚡",
	ConvCustomer:            "🔄",
	ReclassifyVSCHive:       "🔄",
	ReclassifyVSCSats:       "🔄",
	OpeningBalance:          "📂",
}

// entryTypeLabels are the short human labels shown to end users in
// place of the raw wire values.
var entryTypeLabels = map[EntryType]string{
	FeeIncome:           "Fee",
	CustomJSONFee:       "Fee",
	CustomJSONFeeRefund: "Fee Refund",
	ConvCustomer:        "Conversion",
	CustomerHiveOut:     "Withdraw",
	CustomerHiveIn:      "Deposit",
	WithdrawLightning:   "Send",
	ReceiveLightning:    "Receive",
}

// AllEntryTypes returns every defined entry type in declaration order.
func AllEntryTypes() []EntryType {
	return []EntryType{
		Unset, OpeningBalance, Funding, RoutingFee, ExchangeConversion,
		ExchangeFees, ConvCustomer, ConvHiveToKeepsats,
		ConvKeepsatsToHive, WithdrawHive, DepositHive, Suspicious,
		HoldKeepsats, ReleaseKeepsats, CustomJSONTransfer,
		CustomJSONFee, CustomJSONFeeRefund, ReceiveLightning,
		WithdrawLightning, DepositLightning, ConsumeCustomerKeepsats,
		ContraHiveToKeepsats, ContraKeepsatsToHive, ReclassifyVSCSats,
		ReclassifyVSCHive, FeeIncome, FeeExpense, Expense,
		CustomerHiveIn, CustomerHiveOut, ServerToTreasury,
		TreasuryToServer, TreasuryToFunding, TreasuryToExchange,
		ServerToExchange, ExchangeToTreasury, LimitOrderCreate,
		FillOrderSell, FillOrderBuy, FillOrderNet,
	}
}

// ParseEntryType converts a wire value into an EntryType, failing on
// values that are not part of the defined set.
func ParseEntryType(s string) (EntryType, error) {
	entryType := EntryType(s)
	if _, ok := entryTypeNames[entryType]; !ok {
		return Unset, fmt.Errorf("unknown ledger entry type: %v", s)
	}

	return entryType, nil
}

// Name returns the long name of the entry type, for example
// "CONV_HIVE_TO_KEEPSATS".
func (t EntryType) Name() string {
	if name, ok := entryTypeNames[t]; ok {
		return name
	}

	return entryTypeNames[Unset]
}

// Capitalized returns the long name as capitalized words, for example
// "Conv Hive To Keepsats".
func (t EntryType) Capitalized() string {
	words := strings.Split(t.Name(), "_")
	for i, word := range words {
		if word == "" {
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + strings.ToLower(word[1:])
	}

	return strings.Join(words, " ")
}

// Printout returns the report form of the entry type: the capitalized
// words followed by the long name and wire value.
func (t EntryType) Printout() string {
	return fmt.Sprintf("%v (%v %v)", t.Capitalized(), t.Name(), string(t))
}

// Icon returns the icon for the entry type, or an empty string when
// none is assigned.
func (t EntryType) Icon() string {
	return entryTypeIcons[t]
}

// Label returns the short user-facing label for the entry type,
// falling back to the raw wire value.
func (t EntryType) Label() string {
	if label, ok := entryTypeLabels[t]; ok {
		return label
	}

	return string(t)
}
