package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/memo"
	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
)

// processInvoice books a settled invoice on the bridge's node. Keysend
// deposits carrying a hive account credit that customer's keepsats;
// the invoice memo can then route the sats onward into hive. Invoices
// with no hive context are the operator's own: a funding memo books
// them as owner capital, anything else just lands in the treasury.
func (b *Bridge) processInvoice(ctx context.Context,
	invoice *ops.Invoice) error {

	log.Infof("%v", invoice.LogLine())

	if !invoice.Settled() {
		return nil
	}

	msats := invoice.AmtPaidMsat
	if msats == 0 {
		msats = invoice.ValueMsat
	}
	if msats <= 0 {
		return nil
	}

	quote, err := b.quoteFor(ctx, invoice)
	if err != nil {
		return err
	}

	conv, err := money.ConvFromMsats(msats, quote)
	if err != nil {
		return err
	}
	amount := money.MsatsAmount(msats)
	sats := humanize.Comma(msats / 1000)

	cust := invoice.CustomRecords.HiveAccname
	if cust != "" && b.isBadActor(ctx, cust) {
		log.Warnf("Bad actor %v received %v sats by keysend", cust,
			sats)
		cust = b.cfg.SuspectAccount
	}

	memoText := invoice.Memo
	if memoText == "" {
		memoText = invoice.CustomRecords.KeysendMessage
	}

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s_%s", invoice.GroupID,
			ledger.DepositLightning),
		ShortID:   invoice.ShortID,
		Type:      ledger.DepositLightning,
		Timestamp: invoice.Timestamp,
		Description: fmt.Sprintf("Receive incoming Lightning %s "+
			"sats %s", sats, memo.Shorten(memoText)),
		UserMemo:     memoText,
		CustID:       cust,
		Debit:        b.externalLightning(),
		Credit:       b.vscLiability(b.cfg.ServerAccount),
		DebitAmount:  amount,
		CreditAmount: amount,
		DebitConv:    conv,
		CreditConv:   conv,
	})
	if err != nil {
		return err
	}

	if cust == "" {
		return b.bookOperatorInvoice(ctx, invoice, msats, conv)
	}

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", invoice.GroupID,
			ledger.CustomJSONTransfer),
		ShortID:   invoice.ShortID,
		Type:      ledger.CustomJSONTransfer,
		Timestamp: invoice.Timestamp,
		Description: fmt.Sprintf("Transfer %s -> %s %s sats",
			b.cfg.ServerAccount, cust, sats),
		CustID:       cust,
		Debit:        b.vscLiability(b.cfg.ServerAccount),
		Credit:       b.vscLiability(cust),
		DebitAmount:  amount,
		CreditAmount: amount,
		DebitConv:    conv,
		CreditConv:   conv,
	})
	if err != nil {
		return err
	}

	if cust == b.cfg.SuspectAccount {
		return nil
	}

	err = b.sendKeepsatsJson(ctx, invoice, ops.KeepsatsPayload{
		FromAccount: b.cfg.ServerAccount,
		ToAccount:   cust,
		Sats:        msats / 1000,
		Memo: fmt.Sprintf("Received %s sats for %s", sats,
			cust),
	})
	if err != nil {
		return err
	}

	return b.routeInvoiceMemo(ctx, invoice, cust, msats, memoText)
}

// routeInvoiceMemo runs the second stage of a keysend deposit: a memo
// asking for hive converts the fresh sats straight out again.
func (b *Bridge) routeInvoiceMemo(ctx context.Context,
	invoice *ops.Invoice, cust string, msats int64,
	memoText string) error {

	classified := memo.Classify(memoText)

	var unit money.Currency
	switch classified.Route() {
	case memo.RouteConvertKeepSats:
		unit = money.HIVE
		if classified.HBD {
			unit = money.HBD
		}

	case memo.RouteHBD:
		unit = money.HBD

	default:
		return nil
	}

	withdrawal, err := b.convertKeepsatsToHive(ctx, invoice, cust,
		msats, unit, true)
	if err != nil {
		return err
	}

	return b.payoutConversion(ctx, invoice, cust, withdrawal)
}

// bookOperatorInvoice handles invoices paid to the node outside any
// customer flow. A funding memo moves the sats in as owner capital.
func (b *Bridge) bookOperatorInvoice(ctx context.Context,
	invoice *ops.Invoice, msats int64, conv money.Conv) error {

	memoText := invoice.Memo
	if memoText == "" {
		memoText = invoice.CustomRecords.KeysendMessage
	}
	if !strings.Contains(strings.ToLower(memoText), "funding") {
		return nil
	}

	amount := money.MsatsAmount(msats)

	_, err := b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", invoice.GroupID,
			ledger.Funding),
		ShortID:   invoice.ShortID,
		Type:      ledger.Funding,
		Timestamp: invoice.Timestamp,
		Description: fmt.Sprintf("Funding %s sats from the owner",
			humanize.Comma(msats/1000)),
		CustID:       b.cfg.FundingAccount,
		Debit:        b.vscLiability(b.cfg.ServerAccount),
		Credit:       b.ownerLoan(),
		DebitAmount:  amount,
		CreditAmount: amount,
		DebitConv:    conv,
		CreditConv:   conv,
	})

	return err
}
