package bridge

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
)

// keepsatsDeposit reports what a hive to keepsats conversion did.
type keepsatsDeposit struct {
	// GrossMsats was converted, FeeMsats charged on it, and the
	// customer's balance rose by NetMsats.
	GrossMsats int64
	FeeMsats   int64
	NetMsats   int64

	// HiveAmount is the hive side of the conversion.
	HiveAmount money.Amount

	// ChangeMsats is the unconverted remainder of the transfer, owed
	// back to the customer.
	ChangeMsats  int64
	ChangeAmount money.Amount
}

// depositKeepsats converts an entire inbound transfer into the
// sender's keepsats balance. The custom_json cut by the conversion is
// the customer's receipt.
func (b *Bridge) depositKeepsats(ctx context.Context,
	transfer *ops.Transfer) error {

	cust := transfer.From

	limits, err := b.checkLimits(ctx, cust, transfer.Conv.Sats)
	if err != nil {
		return err
	}
	if limits != nil && !limits.LimitOK {
		return b.reply(ctx, &replyRequest{
			op:     transfer,
			cust:   cust,
			amount: transfer.Amount,
			reason: limits.LimitText(),
		})
	}

	_, err = b.convertHiveToKeepsats(ctx, transfer, cust, 0, -1)

	return err
}

// checkLimits is a nil-safe conversion limit check.
func (b *Bridge) checkLimits(ctx context.Context, cust string,
	sats int64) (*ledger.LimitCheckResult, error) {

	if b.cfg.Limits == nil {
		return nil, nil
	}

	return b.cfg.Limits.CheckConversionLimits(ctx, cust, sats)
}

// convertHiveToKeepsats cuts the journal entries converting grossMsats
// worth of an inbound hive transfer into the customer's keepsats
// balance, and broadcasts the keepsats custom_jsons crediting the
// customer and collecting the fee. A grossMsats of zero converts the
// whole transfer; a negative feeMsats charges the schedule fee.
//
// The sequence, all priced off one snapshot: the hive leaves the
// deposit account for a lightning treasury claim, the contra entry
// rebuilds the deposit balance against the conversion offset, the
// customer's hive claim becomes a server sats liability, the sats move
// server to customer, and the fee moves customer to fee income.
func (b *Bridge) convertHiveToKeepsats(ctx context.Context,
	transfer *ops.Transfer, cust string, grossMsats,
	feeMsats int64) (*keepsatsDeposit, error) {

	quote, err := b.quoteFor(ctx, transfer)
	if err != nil {
		return nil, err
	}

	full, err := money.NewConv(transfer.Amount, quote)
	if err != nil {
		return nil, err
	}

	if grossMsats <= 0 || grossMsats > full.MSats {
		grossMsats = full.MSats
	}
	if feeMsats < 0 {
		feeMsats = b.cfg.Fees.MsatsFee(grossMsats)
	}
	if feeMsats > grossMsats {
		return nil, fmt.Errorf("fee %v msats exceeds conversion of "+
			"%v msats for %v", feeMsats, grossMsats, cust)
	}

	conv := full
	hiveAmount := transfer.Amount
	if grossMsats != full.MSats {
		conv, err = money.ConvFromMsats(grossMsats, quote)
		if err != nil {
			return nil, err
		}
		hiveAmount = conv.AmountFor(transfer.Amount.Unit)
	}
	conv.MsatsFee = feeMsats

	deposit := &keepsatsDeposit{
		GrossMsats:  grossMsats,
		FeeMsats:    feeMsats,
		NetMsats:    grossMsats - feeMsats,
		HiveAmount:  hiveAmount,
		ChangeMsats: full.MSats - grossMsats,
	}
	if deposit.ChangeMsats > 0 {
		changeConv, err := money.ConvFromMsats(deposit.ChangeMsats,
			quote)
		if err != nil {
			return nil, err
		}
		deposit.ChangeAmount = changeConv.AmountFor(
			transfer.Amount.Unit)
	}

	gid := transfer.GroupID
	grossAmount := money.MsatsAmount(grossMsats)
	grossSats := humanize.Comma(grossMsats / 1000)

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID:   fmt.Sprintf("%s_%s", gid, ledger.ConvHiveToKeepsats),
		ShortID:   transfer.ShortID,
		Type:      ledger.ConvHiveToKeepsats,
		Timestamp: transfer.Timestamp,
		Description: fmt.Sprintf("Convert %s into %s sats for %s",
			hiveAmount, grossSats, cust),
		CustID:       cust,
		Debit:        b.treasuryLightning(subToKeepsats),
		Credit:       b.customerDeposits(),
		DebitAmount:  grossAmount,
		CreditAmount: hiveAmount,
		DebitConv:    conv,
		CreditConv:   conv,
		Link:         transfer.Link(),
	})
	if err != nil {
		return nil, err
	}

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s_%s", gid,
			ledger.ContraHiveToKeepsats),
		ShortID:   transfer.ShortID,
		Type:      ledger.ContraHiveToKeepsats,
		Timestamp: transfer.Timestamp,
		Description: fmt.Sprintf("Contra Conversion: %s sats for %s "+
			"Keepsats", grossSats, cust),
		CustID:       cust,
		Debit:        b.customerDeposits(),
		Credit:       b.keepsatsOffset(subToKeepsats),
		DebitAmount:  hiveAmount,
		CreditAmount: hiveAmount,
		DebitConv:    conv,
		CreditConv:   conv,
		Link:         transfer.Link(),
	})
	if err != nil {
		return nil, err
	}

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID:   fmt.Sprintf("%s_%s", gid, ledger.WithdrawHive),
		ShortID:   transfer.ShortID,
		Type:      ledger.WithdrawHive,
		Timestamp: transfer.Timestamp,
		Description: fmt.Sprintf("Withdraw %s from %s sats for %s",
			hiveAmount, grossSats, cust),
		CustID:       cust,
		Debit:        b.customerLiability(cust),
		Credit:       b.vscLiability(b.cfg.ServerAccount),
		DebitAmount:  hiveAmount,
		CreditAmount: grossAmount,
		DebitConv:    conv,
		CreditConv:   conv,
		Link:         transfer.Link(),
	})
	if err != nil {
		return nil, err
	}

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID:   fmt.Sprintf("%s-%s", gid, ledger.CustomJSONTransfer),
		ShortID:   transfer.ShortID,
		Type:      ledger.CustomJSONTransfer,
		Timestamp: transfer.Timestamp,
		Description: fmt.Sprintf("Transfer %s -> %s %s sats",
			b.cfg.ServerAccount, cust, grossSats),
		CustID:       cust,
		Debit:        b.vscLiability(b.cfg.ServerAccount),
		Credit:       b.vscLiability(cust),
		DebitAmount:  grossAmount,
		CreditAmount: grossAmount,
		DebitConv:    conv,
		CreditConv:   conv,
		Link:         transfer.Link(),
	})
	if err != nil {
		return nil, err
	}

	if feeMsats > 0 {
		feeConv, err := money.ConvFromMsats(feeMsats, quote)
		if err != nil {
			return nil, err
		}
		feeAmount := money.MsatsAmount(feeMsats)

		_, err = b.saveEntry(ctx, ledger.EntryParams{
			GroupID: fmt.Sprintf("%s-%s", gid,
				ledger.CustomJSONFee),
			ShortID:   transfer.ShortID,
			Type:      ledger.CustomJSONFee,
			Timestamp: transfer.Timestamp,
			Description: fmt.Sprintf("Fee for Keepsats %s sats "+
				"for %s", grossSats, cust),
			CustID:       cust,
			Debit:        b.vscLiability(cust),
			Credit:       b.feeIncomeKeepsats(subToKeepsats),
			DebitAmount:  feeAmount,
			CreditAmount: feeAmount,
			DebitConv:    feeConv,
			CreditConv:   feeConv,
			Link:         transfer.Link(),
		})
		if err != nil {
			return nil, err
		}
	}

	// The customer's receipt: the sats they received, then the fee
	// collected back.
	err = b.sendKeepsatsJson(ctx, transfer, ops.KeepsatsPayload{
		FromAccount: b.cfg.ServerAccount,
		ToAccount:   cust,
		Sats:        grossMsats / 1000,
		Memo: fmt.Sprintf("Deposit %s to %s sats with fee: %s for "+
			"%s", hiveAmount, grossSats,
			humanize.Comma(feeMsats/1000), cust),
	})
	if err != nil {
		return nil, err
	}

	if feeMsats > 0 {
		err = b.sendKeepsatsJson(ctx, transfer, ops.KeepsatsPayload{
			FromAccount: cust,
			ToAccount:   b.cfg.ServerAccount,
			Sats:        feeMsats / 1000,
			Memo: fmt.Sprintf("Fee for Keepsats %s sats for %s "+
				"#Fee #to_keepsats", grossSats, cust),
		})
		if err != nil {
			return nil, err
		}
	}

	b.enqueueRebalance(ctx, SellBaseForQuote, grossMsats/1000)

	return deposit, nil
}
