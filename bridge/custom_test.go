package bridge

import (
	"fmt"
	"testing"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/ops"
)

// TestKeepsatsTransfer moves 1,000 sats between two customers'
// balances and notifies the recipient.
func TestKeepsatsTransfer(t *testing.T) {
	t.Parallel()

	h := newBridgeTest(t)
	h.balances.keepsats["alice"] = 2_000_000

	trx := "cjtrans000000001"
	h.dispatch(h.keepsatsJson(trx, "alice", "bob", 1_000, "for lunch"))

	gid := groupID(trx)
	require.Equal(t, 1, h.journal.count())

	entry := h.entry(fmt.Sprintf("%s-%s", gid,
		ledger.CustomJSONTransfer))
	require.Equal(t, "VSC Liability", entry.Debit.Name)
	require.Equal(t, "alice", entry.Debit.Sub)
	require.Equal(t, "VSC Liability", entry.Credit.Name)
	require.Equal(t, "bob", entry.Credit.Sub)
	require.True(t, entry.DebitAmount.Equal(decimal.NewFromInt(1_000_000)))
	require.Equal(t, "for lunch", entry.UserMemo)
	require.Equal(t, "alice", entry.CustID)

	require.Empty(t, h.chain.transfers)
	require.Len(t, h.chain.jsons, 1)

	note := h.chain.jsons[0]
	require.Equal(t, ops.KeepsatsTransferID, note.id)
	require.Equal(t, "bob", note.payload.ToAccount)
	require.EqualValues(t, 1_000, note.payload.Sats)
	require.Equal(t, signedMemo("for lunch", trx), note.payload.Memo)

	stored := h.opStore.stored[gid]
	require.Equal(t, "alice", stored.Common().CustID)
}

// TestKeepsatsTransferInsufficient bounces a transfer the sender's
// balance cannot cover.
func TestKeepsatsTransferInsufficient(t *testing.T) {
	t.Parallel()

	h := newBridgeTest(t)
	h.balances.keepsats["alice"] = 500_000

	trx := "cjtrans000000002"
	h.dispatch(h.keepsatsJson(trx, "alice", "bob", 1_000, ""))

	require.Zero(t, h.journal.count())
	require.Empty(t, h.chain.transfers)

	require.Len(t, h.chain.jsons, 1)
	bounce := h.chain.jsons[0]
	require.Equal(t, ops.KeepsatsNotificationID, bounce.id)
	require.Equal(t, "alice", bounce.payload.ToAccount)
	require.Equal(t, signedMemo("Insufficient Keepsats balance for "+
		"transfer: alice has 500 sats, but transfer requires 1,000 "+
		"sats.", trx), bounce.payload.Memo)
}

// TestKeepsatsConvertViaServer converts 2,000 sats sent onto the server
// back into hive: at 500 sats per HIVE and a 30 sat fee the customer is
// paid 3.940 HIVE.
func TestKeepsatsConvertViaServer(t *testing.T) {
	t.Parallel()

	h := newBridgeTest(t)
	h.balances.keepsats["alice"] = 3_000_000

	trx := "cjconv0000000001"
	h.dispatch(h.keepsatsJson(trx, "alice", testServer, 2_000, ""))

	gid := groupID(trx)
	require.Equal(t, 7, h.journal.count())

	onto := h.entry(fmt.Sprintf("%s-%s", gid, ledger.CustomJSONTransfer))
	require.Equal(t, "alice", onto.Debit.Sub)
	require.Equal(t, testServer, onto.Credit.Sub)
	require.True(t, onto.DebitAmount.Equal(decimal.NewFromInt(2_000_000)))

	conv := h.entry(fmt.Sprintf("%s_%s", gid, ledger.ConvKeepsatsToHive))
	require.Equal(t, "Customer Deposits Hive", conv.Debit.Name)
	require.True(t, conv.DebitAmount.Equal(
		decimal.RequireFromString("3.94")))
	require.Equal(t, "Treasury Lightning", conv.Credit.Name)
	require.Equal(t, subFromKeepsats, conv.Credit.Sub)
	require.True(t, conv.CreditAmount.Equal(
		decimal.NewFromInt(1_970_000)))
	require.EqualValues(t, 30_000, conv.DebitConv.MsatsFee)

	h.entry(fmt.Sprintf("%s_%s", gid, ledger.ContraKeepsatsToHive))

	fee := h.entry(fmt.Sprintf("%s-%s", gid, ledger.FeeIncome))
	require.Equal(t, testServer, fee.Debit.Sub)
	require.Equal(t, "Fee Income Keepsats", fee.Credit.Name)
	require.Equal(t, subFromKeepsats, fee.Credit.Sub)
	require.True(t, fee.DebitAmount.Equal(decimal.NewFromInt(30_000)))

	reclassify := h.entry(fmt.Sprintf("%s-%s", gid,
		ledger.ReclassifyVSCSats))
	require.True(t, reclassify.DebitAmount.Equal(
		decimal.NewFromInt(1_970_000)))

	deposit := h.entry(fmt.Sprintf("%s-%s", gid, ledger.DepositHive))
	require.Equal(t, "VSC Liability", deposit.Debit.Name)
	require.Equal(t, testServer, deposit.Debit.Sub)
	require.Equal(t, "Customer Liability", deposit.Credit.Name)
	require.Equal(t, "alice", deposit.Credit.Sub)

	h.entry(fmt.Sprintf("%s-%s", gid, ledger.ReclassifyVSCHive))

	// The payout goes back as hive regardless of size.
	require.Len(t, h.chain.transfers, 1)
	payout := h.chain.transfers[0]
	require.Equal(t, "alice", payout.to)
	require.Equal(t, "3.940 HIVE", payout.amount.String())
	require.Equal(t, signedMemo("Converted 2,000 sats to 3.940 HIVE "+
		"with fee: 30 sats for alice", trx), payout.memo)

	require.Equal(t, []rebalanceCall{
		{direction: BuyBaseWithQuote, sats: 1_970},
	}, h.rebal.calls)
}

// TestCustomJsonSignedByServerSkipped ignores the bridge's own
// keepsats broadcasts coming back off the stream.
func TestCustomJsonSignedByServerSkipped(t *testing.T) {
	t.Parallel()

	h := newBridgeTest(t)
	h.balances.keepsats[testServer] = 10_000_000

	trx := "cjself0000000001"
	h.dispatch(h.keepsatsJson(trx, testServer, "alice", 1_000,
		"receipt"))

	require.Zero(t, h.journal.count())
	require.Empty(t, h.chain.transfers)
	require.Empty(t, h.chain.jsons)
}

// TestPayInvoiceWithKeepsats pays an invoice out of a keepsats balance
// when the sats are sent onto the server with the invoice as memo.
func TestPayInvoiceWithKeepsats(t *testing.T) {
	t.Parallel()

	h := newBridgeTest(t)
	h.balances.keepsats["alice"] = 10_000_000
	h.ln.decoded[testInvoice4k] = &lnrpc.PayReq{NumMsat: 4_000_000}
	h.ln.payment = succeededPayment(4_000_000, 1_000)

	trx := "cjpay00000000001"
	h.dispatch(h.keepsatsJson(trx, "alice", testServer, 5_000,
		testInvoice4k))

	gid := groupID(trx)

	hold := h.entry(fmt.Sprintf("%s-%s", gid, ledger.HoldKeepsats))
	require.True(t, hold.DebitAmount.Equal(
		decimal.NewFromInt(4_100_000)))
	h.entry(fmt.Sprintf("%s-%s", gid, ledger.ReleaseKeepsats))

	fee := h.entry(payHashGid(ledger.CustomJSONFee))
	require.Equal(t, "alice", fee.Debit.Sub)
	require.Equal(t, subKeepsats, fee.Credit.Sub)

	withdraw := h.entry(payHashGid(ledger.WithdrawLightning))
	require.True(t, withdraw.DebitAmount.Equal(
		decimal.NewFromInt(4_001_000)))
	h.entry(payHashGid(ledger.FeeExpense))

	require.Equal(t, 5, h.journal.count())

	require.Len(t, h.ln.requests, 1)
	require.Equal(t, gid, h.ln.requests[0].GroupID)
	require.Equal(t, "alice", h.ln.requests[0].HiveAccount)

	// The confirmation stays on the json channel, no hive moves.
	require.Empty(t, h.chain.transfers)
	require.Len(t, h.chain.jsons, 1)

	note := h.chain.jsons[0]
	require.Equal(t, ops.KeepsatsTransferID, note.id)
	require.Equal(t, "alice", note.payload.ToAccount)
	require.EqualValues(t, 4_000, note.payload.Sats)
	require.Equal(t, signedMemo("Paid Invoice with Keepsats", trx),
		note.payload.Memo)
}
