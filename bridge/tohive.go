package bridge

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/memo"
	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
)

// keepsatsWithdrawal reports what a keepsats to hive conversion did.
type keepsatsWithdrawal struct {
	GrossMsats int64
	FeeMsats   int64
	NetMsats   int64

	// Amount is the hive side paid out to the customer.
	Amount money.Amount

	// ChangeMemo is the user-facing summary for the reply transfer.
	ChangeMemo string
}

// withdrawKeepsats handles a #convertkeepsats request riding an
// inbound transfer: the sender's held sats are converted back to hive
// and sent to them, or to the account named in the request.
func (b *Bridge) withdrawKeepsats(ctx context.Context,
	transfer *ops.Transfer, classified memo.Memo) error {

	cust := transfer.From

	target := classified.ConvertAccount
	if target == "" {
		target = cust
	}

	unit := money.HIVE
	if classified.HBD || transfer.Amount.Unit == money.HBD {
		unit = money.HBD
	}

	net, _, err := b.cfg.Balances.KeepsatsBalance(ctx, cust)
	if err != nil {
		return err
	}

	grossMsats := classified.ConvertAmount * 1000
	if grossMsats <= 0 || grossMsats > net {
		grossMsats = net
	}
	if grossMsats <= 0 {
		return b.reply(ctx, &replyRequest{
			op:   transfer,
			cust: cust,
			reason: fmt.Sprintf("No Keepsats balance to convert "+
				"for %s", cust),

			forceCustomJson: true,
		})
	}

	return b.convertViaServer(ctx, transfer, cust, target, grossMsats,
		unit)
}

// convertViaServer runs an indirect conversion: the owner's sats move
// onto the server, convert to hive, and the hive is sent to the
// target account.
func (b *Bridge) convertViaServer(ctx context.Context, op ops.Op,
	owner, target string, grossMsats int64,
	unit money.Currency) error {

	meta := op.Common()

	quote, err := b.quoteFor(ctx, op)
	if err != nil {
		return err
	}

	conv, err := money.ConvFromMsats(grossMsats, quote)
	if err != nil {
		return err
	}
	grossAmount := money.MsatsAmount(grossMsats)

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", meta.GroupID,
			ledger.CustomJSONTransfer),
		ShortID:   meta.ShortID,
		Type:      ledger.CustomJSONTransfer,
		Timestamp: meta.Timestamp,
		Description: fmt.Sprintf("Transfer %s -> %s %s sats", owner,
			b.cfg.ServerAccount,
			humanize.Comma(grossMsats/1000)),
		CustID:       owner,
		Debit:        b.vscLiability(owner),
		Credit:       b.vscLiability(b.cfg.ServerAccount),
		DebitAmount:  grossAmount,
		CreditAmount: grossAmount,
		DebitConv:    conv,
		CreditConv:   conv,
		Link:         opLink(op),
	})
	if err != nil {
		return err
	}

	withdrawal, err := b.convertKeepsatsToHive(ctx, op, target,
		grossMsats, unit, false)
	if err != nil {
		return err
	}

	return b.payoutConversion(ctx, op, target, withdrawal)
}

// payoutConversion sends the hive side of a conversion to the customer
// and reclassifies the server's sats liability into the hive it now
// owes instead. The reclassify entry is keyed off the conversion, so a
// replayed pipeline absorbs it.
func (b *Bridge) payoutConversion(ctx context.Context, op ops.Op,
	cust string, withdrawal *keepsatsWithdrawal) error {

	err := b.reply(ctx, &replyRequest{
		op:         op,
		cust:       cust,
		amount:     withdrawal.Amount,
		msats:      withdrawal.NetMsats,
		changeMemo: withdrawal.ChangeMemo,
		conversion: true,
	})
	if err != nil {
		return err
	}

	meta := op.Common()
	quote, err := b.quoteFor(ctx, op)
	if err != nil {
		return err
	}

	conv, err := money.ConvFromMsats(withdrawal.NetMsats, quote)
	if err != nil {
		return err
	}

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", meta.GroupID,
			ledger.ReclassifyVSCHive),
		ShortID:   meta.ShortID,
		Type:      ledger.ReclassifyVSCHive,
		Timestamp: meta.Timestamp,
		Description: fmt.Sprintf("Reclassify %s owed to %s from "+
			"%s sats", withdrawal.Amount, cust,
			humanize.Comma(withdrawal.NetMsats/1000)),
		CustID:       cust,
		Debit:        b.keepsatsOffset(subFromKeepsats),
		Credit:       b.vscLiability(b.cfg.ServerAccount),
		DebitAmount:  withdrawal.Amount,
		CreditAmount: withdrawal.Amount,
		DebitConv:    conv,
		CreditConv:   conv,
		Link:         opLink(op),
	})

	return err
}

// convertKeepsatsToHive cuts the journal entries converting grossMsats
// of keepsats into hive for the customer. Direct conversions consume
// the customer's own balance (an invoice settling straight to hive);
// indirect ones spend sats already moved onto the server.
func (b *Bridge) convertKeepsatsToHive(ctx context.Context, op ops.Op,
	cust string, grossMsats int64, unit money.Currency,
	direct bool) (*keepsatsWithdrawal, error) {

	meta := op.Common()
	gid := meta.GroupID
	link := opLink(op)

	quote, err := b.quoteFor(ctx, op)
	if err != nil {
		return nil, err
	}

	feeMsats := b.cfg.Fees.MsatsFee(grossMsats)
	netMsats := grossMsats - feeMsats
	if netMsats <= 0 {
		return nil, fmt.Errorf("conversion of %v msats for %v does "+
			"not cover the %v msats fee", grossMsats, cust,
			feeMsats)
	}

	conv, err := money.ConvFromMsats(netMsats, quote)
	if err != nil {
		return nil, err
	}
	conv.MsatsFee = feeMsats

	amount := conv.AmountFor(unit)
	netAmount := money.MsatsAmount(netMsats)
	grossSats := humanize.Comma(grossMsats / 1000)
	netSats := humanize.Comma(netMsats / 1000)

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID:   fmt.Sprintf("%s_%s", gid, ledger.ConvKeepsatsToHive),
		ShortID:   meta.ShortID,
		Type:      ledger.ConvKeepsatsToHive,
		Timestamp: meta.Timestamp,
		Description: fmt.Sprintf("Convert %s into %s for %s", netSats,
			amount, cust),
		CustID:       cust,
		Debit:        b.customerDeposits(),
		Credit:       b.treasuryLightning(subFromKeepsats),
		DebitAmount:  amount,
		CreditAmount: netAmount,
		DebitConv:    conv,
		CreditConv:   conv,
		Link:         link,
	})
	if err != nil {
		return nil, err
	}

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s_%s", gid,
			ledger.ContraKeepsatsToHive),
		ShortID:   meta.ShortID,
		Type:      ledger.ContraKeepsatsToHive,
		Timestamp: meta.Timestamp,
		Description: fmt.Sprintf("Contra Conversion: %s sats for %s",
			netSats, cust),
		CustID:       cust,
		Debit:        b.keepsatsOffset(subFromKeepsats),
		Credit:       b.customerDeposits(),
		DebitAmount:  amount,
		CreditAmount: amount,
		DebitConv:    conv,
		CreditConv:   conv,
		Link:         link,
	})
	if err != nil {
		return nil, err
	}

	if feeMsats > 0 {
		feeSub := b.cfg.ServerAccount
		if direct {
			feeSub = cust
		}

		feeConv, err := money.ConvFromMsats(feeMsats, quote)
		if err != nil {
			return nil, err
		}
		feeAmount := money.MsatsAmount(feeMsats)

		_, err = b.saveEntry(ctx, ledger.EntryParams{
			GroupID: fmt.Sprintf("%s-%s", gid, ledger.FeeIncome),
			ShortID: meta.ShortID,
			Type:    ledger.FeeIncome,
			Timestamp: meta.Timestamp,
			Description: fmt.Sprintf("Fee for Keepsats %s sats "+
				"for %s", grossSats, cust),
			CustID:       cust,
			Debit:        b.vscLiability(feeSub),
			Credit:       b.feeIncomeKeepsats(subFromKeepsats),
			DebitAmount:  feeAmount,
			CreditAmount: feeAmount,
			DebitConv:    feeConv,
			CreditConv:   feeConv,
			Link:         link,
		})
		if err != nil {
			return nil, err
		}
	}

	if direct {
		_, err = b.saveEntry(ctx, ledger.EntryParams{
			GroupID: fmt.Sprintf("%s-%s", gid,
				ledger.ConsumeCustomerKeepsats),
			ShortID:   meta.ShortID,
			Type:      ledger.ConsumeCustomerKeepsats,
			Timestamp: meta.Timestamp,
			Description: fmt.Sprintf("Consume Keepsats %s sats "+
				"for %s", netSats, cust),
			CustID:       cust,
			Debit:        b.vscLiability(cust),
			Credit:       b.keepsatsOffset(subFromKeepsats),
			DebitAmount:  netAmount,
			CreditAmount: netAmount,
			DebitConv:    conv,
			CreditConv:   conv,
			Link:         link,
		})
		if err != nil {
			return nil, err
		}
	} else {
		_, err = b.saveEntry(ctx, ledger.EntryParams{
			GroupID: fmt.Sprintf("%s-%s", gid,
				ledger.ReclassifyVSCSats),
			ShortID:   meta.ShortID,
			Type:      ledger.ReclassifyVSCSats,
			Timestamp: meta.Timestamp,
			Description: fmt.Sprintf("Reclassify %s sats held "+
				"for %s", netSats, cust),
			CustID:       cust,
			Debit:        b.vscLiability(b.cfg.ServerAccount),
			Credit:       b.keepsatsOffset(subFromKeepsats),
			DebitAmount:  netAmount,
			CreditAmount: netAmount,
			DebitConv:    conv,
			CreditConv:   conv,
			Link:         link,
		})
		if err != nil {
			return nil, err
		}
	}

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID:   fmt.Sprintf("%s-%s", gid, ledger.DepositHive),
		ShortID:   meta.ShortID,
		Type:      ledger.DepositHive,
		Timestamp: meta.Timestamp,
		Description: fmt.Sprintf("Convert %s to %s sats for %s",
			amount, netSats, cust),
		CustID:       cust,
		Debit:        b.vscLiability(b.cfg.ServerAccount),
		Credit:       b.customerLiability(cust),
		DebitAmount:  netAmount,
		CreditAmount: amount,
		DebitConv:    conv,
		CreditConv:   conv,
		Link:         link,
	})
	if err != nil {
		return nil, err
	}

	b.enqueueRebalance(ctx, BuyBaseWithQuote, netMsats/1000)

	return &keepsatsWithdrawal{
		GrossMsats: grossMsats,
		FeeMsats:   feeMsats,
		NetMsats:   netMsats,
		Amount:     amount,
		ChangeMemo: fmt.Sprintf("Converted %s sats to %s with fee: "+
			"%s sats for %s", grossSats, amount,
			humanize.Comma(feeMsats/1000), cust),
	}, nil
}

// opLink is the explorer or payment link of an op, when it has one.
func opLink(op ops.Op) string {
	if linked, ok := op.(interface{ Link() string }); ok {
		return linked.Link()
	}

	return ""
}
