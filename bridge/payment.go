package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/memo"
	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
)

// processPayment handles a payment delivered off the node's own
// stream. Payments the bridge sent itself settle inline and arrive
// here already processed; anything else is either the terminal state
// of a payment whose pipeline crashed mid-settle, or an operator
// payment made directly from the node.
func (b *Bridge) processPayment(ctx context.Context,
	payment *ops.Payment) error {

	log.Infof("%v", payment.LogLine())

	if !payment.Terminal() {
		return nil
	}

	var initiator ops.Op
	if gid := payment.CustomRecords.GroupID; gid != "" {
		stored, err := b.cfg.Ops.Load(ctx, gid)
		switch {
		case errors.Is(err, ops.ErrOpNotFound):
			log.Warnf("Payment %v names unknown initiator %v",
				payment.GroupID, gid)

		case err != nil:
			return err

		default:
			initiator = stored
		}
	}

	return b.settlePayment(ctx, payment, initiator)
}

// settlePayment books a terminal payment and responds to whoever asked
// for it. The entry group ids are derived from the payment hash, so
// the send path and the stream path settling the same payment write
// the same rows.
func (b *Bridge) settlePayment(ctx context.Context,
	payment *ops.Payment, initiator ops.Op) error {

	cust := payment.CustomRecords.HiveAccname

	transferInit, _ := initiator.(*ops.Transfer)
	jsonInit, _ := initiator.(*ops.CustomJson)

	payWithSats := jsonInit != nil
	if transferInit != nil {
		payWithSats = memo.Classify(transferInit.DMemo).PayWithSats
		if cust == "" {
			cust = transferInit.From
		}
	}

	if !payment.Succeeded() {
		return b.settleFailed(ctx, payment, initiator, cust)
	}

	valueMsat := payment.ValueMsat
	feeMsat := payment.FeeMsat
	totalMsat := valueMsat + feeMsat
	serviceFee := b.cfg.Fees.MsatsFee(valueMsat)

	quote, err := b.quoteFor(ctx, payment)
	if err != nil {
		return err
	}

	if initiator == nil {
		return b.bookExternalPayment(ctx, payment, quote)
	}

	var change money.Amount
	if transferInit != nil && !payWithSats {
		deposit, err := b.convertHiveToKeepsats(ctx, transferInit,
			cust, totalMsat+serviceFee, serviceFee)
		if err != nil {
			return err
		}
		change = deposit.ChangeAmount
	}

	if err := b.releaseKeepsats(ctx, initiator, cust); err != nil {
		return err
	}

	if payWithSats && serviceFee > 0 {
		feeConv, err := money.ConvFromMsats(serviceFee, quote)
		if err != nil {
			return err
		}
		feeAmount := money.MsatsAmount(serviceFee)

		_, err = b.saveEntry(ctx, ledger.EntryParams{
			GroupID: fmt.Sprintf("%s-%s", payment.GroupID,
				ledger.CustomJSONFee),
			ShortID:   payment.ShortID,
			Type:      ledger.CustomJSONFee,
			Timestamp: payment.Timestamp,
			Description: fmt.Sprintf("Fee for Keepsats %s sats "+
				"for %s", humanize.Comma(valueMsat/1000), cust),
			CustID:       cust,
			Debit:        b.vscLiability(cust),
			Credit:       b.feeIncomeKeepsats(subKeepsats),
			DebitAmount:  feeAmount,
			CreditAmount: feeAmount,
			DebitConv:    feeConv,
			CreditConv:   feeConv,
		})
		if err != nil {
			return err
		}
	}

	totalConv, err := money.ConvFromMsats(totalMsat, quote)
	if err != nil {
		return err
	}
	totalAmount := money.MsatsAmount(totalMsat)

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", payment.GroupID,
			ledger.WithdrawLightning),
		ShortID:   payment.ShortID,
		Type:      ledger.WithdrawLightning,
		Timestamp: payment.Timestamp,
		Description: fmt.Sprintf("Send %s sats to Node %s (fee: %s)",
			humanize.Comma(valueMsat/1000), payment.Destination(),
			humanize.Comma(feeMsat/1000)),
		CustID:       cust,
		Debit:        b.vscLiability(cust),
		Credit:       b.externalLightning(),
		DebitAmount:  totalAmount,
		CreditAmount: totalAmount,
		DebitConv:    totalConv,
		CreditConv:   totalConv,
	})
	if err != nil {
		return err
	}

	if err := b.bookRoutingFee(ctx, payment, quote); err != nil {
		return err
	}

	switch {
	case transferInit != nil:
		amount := change
		if payWithSats {
			// The hive that rode in with a pay-with-sats request
			// was only the trigger; it all goes back.
			amount = transferInit.Amount
		}

		return b.reply(ctx, &replyRequest{
			op:     transferInit,
			cust:   cust,
			amount: amount,
			msats:  valueMsat,
			changeMemo: fmt.Sprintf("Your payment of %s sats has "+
				"been paid. (fee: %s sats)",
				humanize.Comma(valueMsat/1000),
				humanize.Comma(feeMsat/1000)),
		})

	case jsonInit != nil:
		return b.reply(ctx, &replyRequest{
			op:     jsonInit,
			cust:   cust,
			msats:  valueMsat,
			reason: "Paid Invoice with Keepsats",

			forceCustomJson: true,
		})

	default:
		return nil
	}
}

// settleFailed releases any hold and refunds the initiator.
func (b *Bridge) settleFailed(ctx context.Context, payment *ops.Payment,
	initiator ops.Op, cust string) error {

	reason := fmt.Sprintf("Lightning payment failed %s",
		failureText(payment.FailureReason))
	log.Warnf("Payment %v: %v", payment.GroupID, reason)

	if initiator == nil {
		return nil
	}

	if err := b.releaseKeepsats(ctx, initiator, cust); err != nil {
		return err
	}

	if transferInit, ok := initiator.(*ops.Transfer); ok {
		return b.reply(ctx, &replyRequest{
			op:     transferInit,
			cust:   transferInit.From,
			amount: transferInit.Amount,
			reason: reason,
		})
	}

	return b.reply(ctx, &replyRequest{
		op:     initiator,
		cust:   cust,
		reason: reason,

		forceCustomJson: true,
	})
}

// bookExternalPayment books a payment the operator made straight from
// the node, outside any customer pipeline. The sats movement account
// keeps the node's channel balance reconcilable without touching any
// liability.
func (b *Bridge) bookExternalPayment(ctx context.Context,
	payment *ops.Payment, quote money.Quote) error {

	totalMsat := payment.ValueMsat + payment.FeeMsat

	conv, err := money.ConvFromMsats(totalMsat, quote)
	if err != nil {
		return err
	}
	amount := money.MsatsAmount(totalMsat)

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", payment.GroupID,
			ledger.WithdrawLightning),
		ShortID:   payment.ShortID,
		Type:      ledger.WithdrawLightning,
		Timestamp: payment.Timestamp,
		Description: fmt.Sprintf("Send %s sats to Node %s (fee: %s)",
			humanize.Comma(payment.ValueMsat/1000),
			payment.Destination(),
			humanize.Comma(payment.FeeMsat/1000)),
		CustID:       b.cfg.NodeName,
		Debit:        b.keepsatsMovements(),
		Credit:       b.externalLightning(),
		DebitAmount:  amount,
		CreditAmount: amount,
		DebitConv:    conv,
		CreditConv:   conv,
	})
	if err != nil {
		return err
	}

	return b.bookRoutingFee(ctx, payment, quote)
}

// bookRoutingFee expenses the routing fee of a settled payment.
func (b *Bridge) bookRoutingFee(ctx context.Context,
	payment *ops.Payment, quote money.Quote) error {

	if payment.FeeMsat <= 0 {
		return nil
	}

	conv, err := money.ConvFromMsats(payment.FeeMsat, quote)
	if err != nil {
		return err
	}
	amount := money.MsatsAmount(payment.FeeMsat)

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", payment.GroupID,
			ledger.FeeExpense),
		ShortID:   payment.ShortID,
		Type:      ledger.FeeExpense,
		Timestamp: payment.Timestamp,
		Description: fmt.Sprintf("Fee Expenses Lightning fee: %s sats",
			humanize.Comma(payment.FeeMsat/1000)),
		CustID:       b.cfg.NodeName,
		Debit:        b.feeExpensesLightning(),
		Credit:       b.treasuryLightning(b.cfg.NodeName),
		DebitAmount:  amount,
		CreditAmount: amount,
		DebitConv:    conv,
		CreditConv:   conv,
	})

	return err
}

// deSnake lowers an enum name into words for user-facing text.
func deSnake(text, prefix string) string {
	trimmed := strings.TrimPrefix(text, prefix)

	return strings.ToLower(strings.ReplaceAll(trimmed, "_", " "))
}
