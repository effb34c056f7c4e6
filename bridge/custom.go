package bridge

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/lndwrap"
	"github.com/v4vapp/hivebridge/memo"
	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
)

// processCustomJson handles a keepsats transfer custom_json: sats
// moving between customers, onto the server to convert back to hive,
// or onto the server with an invoice memo to pay out over lightning.
// The bridge's own broadcasts come back off the stream signed by the
// server and are already booked under the op that produced them.
func (b *Bridge) processCustomJson(ctx context.Context,
	cj *ops.CustomJson) error {

	log.Infof("%v", cj.LogLine())

	payload := cj.Keepsats
	if payload == nil {
		return nil
	}
	if b.signedByServer(cj) {
		log.Debugf("Skipping own custom_json %v", cj.GroupID)
		return nil
	}

	from, to := payload.FromAccount, payload.ToAccount
	if from == "" || to == "" || payload.Sats <= 0 {
		log.Warnf("Malformed keepsats payload on %v", cj.GroupID)
		return nil
	}

	msats := payload.Sats * 1000

	net, _, err := b.cfg.Balances.KeepsatsBalance(ctx, from)
	if err != nil {
		return err
	}

	// The transfer may run the balance down to the wire; a small
	// shortfall from fee rounding is forgiven.
	if net+keepsatsTransferBufferMsats < msats {
		return b.reply(ctx, &replyRequest{
			op:   cj,
			cust: from,
			reason: fmt.Sprintf("Insufficient Keepsats balance "+
				"for transfer: %s has %s sats, but transfer "+
				"requires %s sats.", from,
				humanize.Comma(net/1000),
				humanize.Comma(payload.Sats)),

			forceCustomJson: true,
		})
	}
	if msats > net {
		msats = net
	}

	if to != b.cfg.ServerAccount {
		return b.internalKeepsatsTransfer(ctx, cj, from, to, msats)
	}

	classified := memo.Classify(payload.Memo)
	switch classified.Route() {
	case memo.RoutePayInvoice, memo.RoutePayAddress:
		return b.payWithKeepsats(ctx, cj, from, net, classified)

	default:
		unit := money.HIVE
		if classified.HBD {
			unit = money.HBD
		}

		return b.convertViaServer(ctx, cj, from, from, msats, unit)
	}
}

// signedByServer reports whether the bridge's own account authorized
// the custom_json.
func (b *Bridge) signedByServer(cj *ops.CustomJson) bool {
	for _, auth := range cj.RequiredAuths {
		if auth == b.cfg.ServerAccount {
			return true
		}
	}
	for _, auth := range cj.RequiredPostingAuths {
		if auth == b.cfg.ServerAccount {
			return true
		}
	}

	return false
}

// internalKeepsatsTransfer moves sats between two customers' balances
// and notifies the recipient.
func (b *Bridge) internalKeepsatsTransfer(ctx context.Context,
	cj *ops.CustomJson, from, to string, msats int64) error {

	quote, err := b.quoteFor(ctx, cj)
	if err != nil {
		return err
	}

	conv, err := money.ConvFromMsats(msats, quote)
	if err != nil {
		return err
	}
	amount := money.MsatsAmount(msats)
	sats := humanize.Comma(msats / 1000)

	userMemo := cj.Keepsats.Memo
	if userMemo == "" {
		userMemo = fmt.Sprintf("%s received %s sats from %s", to,
			sats, from)
	}

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", cj.GroupID,
			ledger.CustomJSONTransfer),
		ShortID:   cj.ShortID,
		Type:      ledger.CustomJSONTransfer,
		Timestamp: cj.Timestamp,
		Description: fmt.Sprintf("Transfer %s -> %s %s sats", from,
			to, sats),
		UserMemo:     userMemo,
		CustID:       from,
		Debit:        b.vscLiability(from),
		Credit:       b.vscLiability(to),
		DebitAmount:  amount,
		CreditAmount: amount,
		DebitConv:    conv,
		CreditConv:   conv,
		Link:         cj.Link(),
	})
	if err != nil {
		return err
	}

	return b.reply(ctx, &replyRequest{
		op:     cj,
		cust:   to,
		msats:  msats,
		reason: userMemo,

		forceCustomJson: true,
	})
}

// payWithKeepsats pays the invoice or address in the payload memo out
// of the sender's keepsats balance.
func (b *Bridge) payWithKeepsats(ctx context.Context,
	cj *ops.CustomJson, cust string, budgetMsats int64,
	classified memo.Memo) error {

	if b.cfg.Lightning == nil {
		return ErrNotConfigured
	}

	classified.PayWithSats = true

	plan, reason, err := b.planPayment(ctx, cj, cust, budgetMsats,
		classified, money.HIVE)
	if err != nil {
		return err
	}
	if reason != "" {
		return b.reply(ctx, &replyRequest{
			op:     cj,
			cust:   cust,
			reason: reason,

			forceCustomJson: true,
		})
	}

	if err := b.holdKeepsats(ctx, cj, cust, plan.need()); err != nil {
		return err
	}

	proto, err := b.cfg.Lightning.SendPayment(ctx, lndwrap.SendRequest{
		PaymentRequest: plan.payReq,
		AmtMsat:        plan.amtMsat,
		FeeLimitMsat:   plan.routingLimitMsats,
		TimeoutSeconds: paymentTimeoutSeconds,
		HiveAccount:    cust,
		GroupID:        cj.GroupID,
	})
	if err != nil {
		log.Errorf("Payment for %v did not reach a terminal state: "+
			"%v", cj.GroupID, err)

		if rErr := b.releaseKeepsats(ctx, cj, cust); rErr != nil {
			return rErr
		}

		return b.reply(ctx, &replyRequest{
			op:     cj,
			cust:   cust,
			reason: fmt.Sprintf("Lightning payment failed %v", err),

			forceCustomJson: true,
		})
	}

	payment := ops.PaymentFromProto(proto)
	payment.CustomRecords.GroupID = cj.GroupID
	payment.CustomRecords.HiveAccname = cust

	if err := b.priceOp(ctx, payment); err != nil {
		return err
	}
	if err := b.cfg.Ops.Save(ctx, payment); err != nil {
		return err
	}

	return b.settlePayment(ctx, payment, cj)
}
