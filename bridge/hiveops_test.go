package bridge

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
)

func TestPlainDepositReceipt(t *testing.T) {
	t.Parallel()

	h := newBridgeTest(t)

	trx := "aabbccddeeff0011"
	transfer := h.transfer(trx, "alice", testServer, "10.000 HIVE",
		"thanks for the content")
	h.dispatch(transfer)

	entry := h.entry(fmt.Sprintf("%s-%s", groupID(trx),
		ledger.CustomerHiveIn))
	require.Equal(t, "Customer Deposits Hive", entry.Debit.Name)
	require.Equal(t, testServer, entry.Debit.Sub)
	require.Equal(t, "Customer Liability", entry.Credit.Name)
	require.Equal(t, "alice", entry.Credit.Sub)
	require.Equal(t, "alice", entry.CustID)
	require.True(t, entry.DebitAmount.Equal(decimal.NewFromInt(10)))
	require.Equal(t, money.HIVE, entry.DebitUnit)
	require.EqualValues(t, 5_000_000, entry.DebitConv.MSats)
	require.Equal(t, "thanks for the content", entry.UserMemo)

	require.Equal(t, 1, h.journal.count())

	// The receipt goes out as a notification custom_json, no value
	// moves.
	require.Empty(t, h.chain.transfers)
	require.Len(t, h.chain.jsons, 1)

	receipt := h.chain.jsons[0]
	require.Equal(t, ops.KeepsatsNotificationID, receipt.id)
	require.Equal(t, []string{testServer}, receipt.auths)
	require.Equal(t, testServer, receipt.payload.FromAccount)
	require.Equal(t, "alice", receipt.payload.ToAccount)
	require.Zero(t, receipt.payload.Sats)
	require.Equal(t, signedMemo("Deposit: 10.000 HIVE", trx),
		receipt.payload.Memo)

	// The reply is recorded and the op stamped processed.
	replies := h.replies(groupID(trx))
	require.Len(t, replies, 1)
	require.Equal(t, ops.ReplyCustomJson, replies[0].Type)
	require.Empty(t, replies[0].Error)

	stored := h.opStore.stored[groupID(trx)]
	require.True(t, stored.Common().Processed())
	require.Equal(t, "alice", stored.Common().CustID)
}

func TestInternalTransferMatrix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		from, to string
		wantType ledger.EntryType

		wantDebit, wantDebitSub   string
		wantCredit, wantCreditSub string
	}{
		{
			name: "server to treasury", from: testServer,
			to: testTreasury, wantType: ledger.ServerToTreasury,
			wantDebit: "Treasury Hive", wantDebitSub: testTreasury,
			wantCredit:    "Customer Deposits Hive",
			wantCreditSub: testServer,
		},
		{
			name: "treasury to server", from: testTreasury,
			to: testServer, wantType: ledger.TreasuryToServer,
			wantDebit:    "Customer Deposits Hive",
			wantDebitSub: testServer, wantCredit: "Treasury Hive",
			wantCreditSub: testTreasury,
		},
		{
			name: "funding to treasury", from: testFunding,
			to: testTreasury, wantType: ledger.Funding,
			wantDebit: "Treasury Hive", wantDebitSub: testTreasury,
			wantCredit:    "Owner Loan Payable (funding)",
			wantCreditSub: testFunding,
		},
		{
			name: "treasury to funding", from: testTreasury,
			to: testFunding, wantType: ledger.TreasuryToFunding,
			wantDebit:    "Owner Loan Payable (funding)",
			wantDebitSub: testFunding, wantCredit: "Treasury Hive",
			wantCreditSub: testTreasury,
		},
		{
			name: "treasury to exchange", from: testTreasury,
			to: testExchange, wantType: ledger.TreasuryToExchange,
			wantDebit:    "Exchange Deposits Hive",
			wantDebitSub: testExchange, wantCredit: "Treasury Hive",
			wantCreditSub: testTreasury,
		},
		{
			name: "exchange to treasury", from: testExchange,
			to: testTreasury, wantType: ledger.ExchangeToTreasury,
			wantDebit: "Treasury Hive", wantDebitSub: testTreasury,
			wantCredit:    "Exchange Deposits Hive",
			wantCreditSub: testExchange,
		},
		{
			name: "server to exchange", from: testServer,
			to: testExchange, wantType: ledger.ServerToExchange,
			wantDebit:    "Exchange Deposits Hive",
			wantDebitSub: testExchange,
			wantCredit:   "Customer Deposits Hive",
			wantCreditSub: testServer,
		},
	}

	for i, test := range tests {
		test := test
		trx := fmt.Sprintf("internal%08d", i)

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			h := newBridgeTest(t)
			h.dispatch(h.transfer(trx, test.from, test.to,
				"50.000 HIVE", ""))

			entry := h.entry(fmt.Sprintf("%s-%s", groupID(trx),
				test.wantType))
			require.Equal(t, test.wantType, entry.Type)
			require.Equal(t, test.wantDebit, entry.Debit.Name)
			require.Equal(t, test.wantDebitSub, entry.Debit.Sub)
			require.Equal(t, test.wantCredit, entry.Credit.Name)
			require.Equal(t, test.wantCreditSub, entry.Credit.Sub)
			require.True(t, entry.DebitAmount.Equal(
				decimal.NewFromInt(50)))

			// Internal movements never reply.
			require.Empty(t, h.chain.transfers)
			require.Empty(t, h.chain.jsons)
		})
	}
}

func TestBadActorDeposit(t *testing.T) {
	t.Parallel()

	h := newBridgeTest(t)
	h.actors.bad["mallory"] = true

	trx := "badacc0123456789"
	h.dispatch(h.transfer(trx, "mallory", testServer, "25.000 HIVE",
		"lnbc40u1p3xyz7sqpp5acde0932fmt3v5kjw3wsrjrkrcqk6vkfmt3v5kjwq"))

	// The value parks on the suspect liability and no pipeline runs,
	// so the bad actor learns nothing.
	entry := h.entry(fmt.Sprintf("%s-%s", groupID(trx),
		ledger.Suspicious))
	require.Equal(t, ledger.Suspicious, entry.Type)
	require.Equal(t, "Customer Liability", entry.Credit.Name)
	require.Equal(t, defaultSuspectAccount, entry.Credit.Sub)
	require.Equal(t, defaultSuspectAccount, entry.CustID)

	require.Equal(t, 1, h.journal.count())
	require.Empty(t, h.chain.transfers)
	require.Empty(t, h.chain.jsons)
}

func TestUntrackedTransferIgnored(t *testing.T) {
	t.Parallel()

	h := newBridgeTest(t)

	trx := "cafecafe01234567"
	h.dispatch(h.transfer(trx, "alice", "bob", "5.000 HIVE", "hi"))

	require.Zero(t, h.journal.count())
	require.Empty(t, h.chain.transfers)
	require.Empty(t, h.chain.jsons)
}

func TestCustomerWithdrawal(t *testing.T) {
	t.Parallel()

	h := newBridgeTest(t)

	trx := "withdraw00000001"
	h.dispatch(h.transfer(trx, testServer, "alice", "3.000 HBD",
		"Converted 1,500 sats"))

	entry := h.entry(fmt.Sprintf("%s-%s", groupID(trx),
		ledger.CustomerHiveOut))
	require.Equal(t, "Customer Liability", entry.Debit.Name)
	require.Equal(t, "alice", entry.Debit.Sub)
	require.Equal(t, "Customer Deposits Hive", entry.Credit.Name)
	require.Equal(t, "alice", entry.CustID)
	require.Equal(t, money.HBD, entry.DebitUnit)
	require.EqualValues(t, 6_000_000, entry.DebitConv.MSats)

	// The bridge's own replies coming back off the stream do not
	// trigger further replies.
	require.Empty(t, h.chain.transfers)
	require.Empty(t, h.chain.jsons)
}

func TestLimitOrderEscrow(t *testing.T) {
	t.Parallel()

	h := newBridgeTest(t)

	trx := "order00000000001"
	sell := hiveAmount(t, "100")
	receive := money.NewAmount(decimal.NewFromInt(25), money.HBD)

	order := ops.NewLimitOrderCreate(testRef(trx), testOpTime,
		testServer, 777, sell, receive, false,
		testOpTime.Add(24*time.Hour))
	h.dispatch(order)

	entry := h.entry(fmt.Sprintf("%s-%s", groupID(trx),
		ledger.LimitOrderCreate))
	require.Equal(t, "Escrow Hive", entry.Debit.Name)
	require.Equal(t, testServer, entry.Debit.Sub)
	require.Equal(t, "Customer Deposits Hive", entry.Credit.Name)
	require.Equal(t, testServer, entry.CustID)
	require.True(t, entry.DebitAmount.Equal(decimal.NewFromInt(100)))
	require.EqualValues(t, 50_000, entry.DebitConv.Sats)
}

func TestFillOrderBooksTrackedSides(t *testing.T) {
	t.Parallel()

	h := newBridgeTest(t)

	trx := "fill000000000001"
	fill := ops.NewFillOrder(testRef(trx), testOpTime,
		testServer, 777, hiveAmount(t, "100"),
		"randomguy", 778,
		money.NewAmount(decimal.NewFromInt(25), money.HBD))
	h.dispatch(fill)

	// Only the server's side of the fill is booked: the paid hive
	// out of escrow, the received HBD into deposits.
	paid := h.entry(fmt.Sprintf("%s-%s-%s", groupID(trx),
		ledger.FillOrderSell, testServer))
	require.Equal(t, "Converted Hive Offset", paid.Debit.Name)
	require.Equal(t, "Escrow Hive", paid.Credit.Name)
	require.Equal(t, money.HIVE, paid.DebitUnit)
	require.True(t, paid.DebitAmount.Equal(decimal.NewFromInt(100)))

	received := h.entry(fmt.Sprintf("%s-%s-%s", groupID(trx),
		ledger.FillOrderBuy, testServer))
	require.Equal(t, "Customer Deposits Hive", received.Debit.Name)
	require.Equal(t, "Converted Hive Offset", received.Credit.Name)
	require.Equal(t, money.HBD, received.DebitUnit)
	require.True(t, received.DebitAmount.Equal(decimal.NewFromInt(25)))

	require.Equal(t, 2, h.journal.count())
}

func TestDispatchIdempotent(t *testing.T) {
	t.Parallel()

	h := newBridgeTest(t)

	trx := "replay0000000001"
	h.dispatch(h.transfer(trx, "alice", testServer, "10.000 HIVE",
		"thanks"))

	require.Equal(t, 1, h.journal.count())
	require.Len(t, h.chain.jsons, 1)

	// The same event delivered again, as a fresh op the way a second
	// supervisor would build it, is absorbed without new entries or a
	// second receipt.
	h.dispatch(h.transfer(trx, "alice", testServer, "10.000 HIVE",
		"thanks"))

	require.Equal(t, 1, h.journal.count())
	require.Len(t, h.chain.jsons, 1)
	require.Len(t, h.replies(groupID(trx)), 1)
}
