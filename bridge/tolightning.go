package bridge

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/lightningnetwork/lnd/lnrpc"

	"github.com/v4vapp/hivebridge/lndwrap"
	"github.com/v4vapp/hivebridge/memo"
	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
)

// paymentTimeoutSeconds bounds how long a single payment attempt may
// route before LND gives up on it.
const paymentTimeoutSeconds = 60

// paymentPlan is a fully checked outbound payment: the invoice to pay
// and the fees it will cost.
type paymentPlan struct {
	payReq string

	// valueMsat is the amount the invoice settles for. amtMsat is set
	// on the send request only for zero-amount invoices.
	valueMsat int64
	amtMsat   int64

	// serviceFeeMsats is the bridge's cut, routingLimitMsats the most
	// the network may take on top.
	serviceFeeMsats   int64
	routingLimitMsats int64

	payWithSats bool
}

// need is the total the customer must cover for the plan.
func (p *paymentPlan) need() int64 {
	return p.valueMsat + p.serviceFeeMsats + p.routingLimitMsats
}

// payLightning pays the invoice or lightning address in an inbound
// transfer's memo. Every check failure refunds the transfer with the
// reason; the ledger entries for a successful payment are cut by the
// settlement path so a payment observed off the node's own stream
// books identically.
func (b *Bridge) payLightning(ctx context.Context,
	transfer *ops.Transfer, classified memo.Memo) error {

	if b.cfg.Lightning == nil {
		return ErrNotConfigured
	}

	cust := transfer.From

	budgetMsats := transfer.Conv.MSats
	if classified.PayWithSats {
		net, _, err := b.cfg.Balances.KeepsatsBalance(ctx, cust)
		if err != nil {
			return err
		}
		budgetMsats = net
	}

	plan, reason, err := b.planPayment(ctx, transfer, cust, budgetMsats,
		classified, transfer.Amount.Unit)
	if err != nil {
		return err
	}
	if reason != "" {
		return b.reply(ctx, &replyRequest{
			op:     transfer,
			cust:   cust,
			amount: transfer.Amount,
			reason: reason,
		})
	}

	if plan.payWithSats {
		err := b.holdKeepsats(ctx, transfer, cust, plan.need())
		if err != nil {
			return err
		}
	}

	proto, err := b.cfg.Lightning.SendPayment(ctx, lndwrap.SendRequest{
		PaymentRequest: plan.payReq,
		AmtMsat:        plan.amtMsat,
		FeeLimitMsat:   plan.routingLimitMsats,
		TimeoutSeconds: paymentTimeoutSeconds,
		HiveAccount:    cust,
		GroupID:        transfer.GroupID,
	})
	if err != nil {
		log.Errorf("Payment for %v did not reach a terminal state: "+
			"%v", transfer.GroupID, err)

		if rErr := b.releaseKeepsats(ctx, transfer, cust); rErr != nil {
			return rErr
		}

		return b.reply(ctx, &replyRequest{
			op:     transfer,
			cust:   cust,
			amount: transfer.Amount,
			reason: fmt.Sprintf("Lightning payment failed %v", err),
		})
	}

	payment := ops.PaymentFromProto(proto)
	payment.CustomRecords.GroupID = transfer.GroupID
	payment.CustomRecords.HiveAccname = cust

	if err := b.priceOp(ctx, payment); err != nil {
		return err
	}
	if err := b.cfg.Ops.Save(ctx, payment); err != nil {
		return err
	}

	return b.settlePayment(ctx, payment, transfer)
}

// planPayment resolves and checks the payment a memo asks for, against
// the budget it must fit: the sats the customer sent, or their
// keepsats balance. A non-empty reason means the request must be
// refunded with it; errors are infrastructure failures that leave the
// op unprocessed.
func (b *Bridge) planPayment(ctx context.Context, op ops.Op,
	cust string, budgetMsats int64, classified memo.Memo,
	unit money.Currency) (*paymentPlan, string, error) {

	plan := &paymentPlan{
		payReq:      classified.Invoice,
		payWithSats: classified.PayWithSats,
	}

	if classified.Route() == memo.RoutePayAddress {
		payReq, reason, err := b.resolveAddress(ctx, classified,
			budgetMsats)
		if err != nil || reason != "" {
			return nil, reason, err
		}
		plan.payReq = payReq
	}

	decoded, err := b.cfg.Lightning.DecodePayReq(ctx, plan.payReq)
	if err != nil {
		return nil, fmt.Sprintf("Could not decode payment request: "+
			"%v", err), nil
	}

	plan.valueMsat = decoded.NumMsat
	if plan.valueMsat == 0 {
		// A zero-amount invoice takes whatever the budget covers.
		plan.amtMsat = b.affordableMsats(budgetMsats)
		plan.valueMsat = plan.amtMsat
	}

	err = b.cfg.Fees.CheckInvoiceSize(plan.valueMsat / 1000)
	if err != nil {
		return nil, err.Error(), nil
	}

	plan.serviceFeeMsats = b.cfg.Fees.MsatsFee(plan.valueMsat)
	plan.routingLimitMsats = b.cfg.Fees.RoutingFeeMsats(plan.valueMsat)

	if plan.payWithSats {
		if budgetMsats < plan.need() {
			return nil, fmt.Sprintf("Insufficient Keepsats "+
				"balance (%s) to cover payment request: %s sats",
				humanize.Comma(budgetMsats/1000),
				humanize.Comma(plan.need()/1000)), nil
		}

		return plan, "", nil
	}

	if budgetMsats+affordabilityBufferMsats < plan.need() {
		needed, err := b.hiveNeeded(ctx, op, unit, plan.need())
		if err != nil {
			return nil, "", err
		}

		return nil, fmt.Sprintf("Not enough sent to process this "+
			"payment request: %s HIVE", needed), nil
	}

	limits, err := b.checkLimits(ctx, cust, plan.need()/1000)
	if err != nil {
		return nil, "", err
	}
	if limits != nil && !limits.LimitOK {
		return nil, limits.LimitText(), nil
	}

	return plan, "", nil
}

// resolveAddress turns a lightning address or lnurl into an invoice
// for as much of the budget as the receiver accepts.
func (b *Bridge) resolveAddress(ctx context.Context, classified memo.Memo,
	budgetMsats int64) (string, string, error) {

	if b.cfg.Lnurl == nil {
		return "", "", ErrNotConfigured
	}

	params, err := b.cfg.Lnurl.PayParams(ctx, classified.Address)
	if err != nil {
		return "", fmt.Sprintf("Could not resolve %s: %v",
			classified.Address, err), nil
	}

	amountMsat := b.affordableMsats(budgetMsats)
	if !params.InRange(amountMsat) {
		return "", fmt.Sprintf("Amount %s sats is outside the range "+
			"%s accepts: %s to %s sats",
			humanize.Comma(amountMsat/1000), classified.Address,
			humanize.Comma(params.MinSats()),
			humanize.Comma(params.MaxSats())), nil
	}

	payReq, err := b.cfg.Lnurl.FetchInvoice(ctx, params, amountMsat,
		classified.After)
	if err != nil {
		return "", fmt.Sprintf("Could not fetch an invoice from %s: "+
			"%v", classified.Address, err), nil
	}

	return payReq, "", nil
}

// affordableMsats is the largest whole-sat payment whose value plus
// service and routing fees fits the budget.
func (b *Bridge) affordableMsats(budgetMsats int64) int64 {
	value := budgetMsats - b.cfg.Fees.MsatsFee(budgetMsats) -
		b.cfg.Fees.RoutingFeeMsats(budgetMsats)

	// The fees were computed on the budget, not the value, so the
	// first cut overshoots low. Walk back up while the total fits.
	for value > 0 {
		next := value + 1000
		total := next + b.cfg.Fees.MsatsFee(next) +
			b.cfg.Fees.RoutingFeeMsats(next)
		if total > budgetMsats {
			break
		}
		value = next
	}

	if value < 0 {
		return 0
	}

	return value - value%1000
}

// hiveNeeded renders what an unaffordable payment would have cost in
// the customer's own currency.
func (b *Bridge) hiveNeeded(ctx context.Context, op ops.Op,
	unit money.Currency, msats int64) (string, error) {

	quote, err := b.quoteFor(ctx, op)
	if err != nil {
		return "", err
	}

	conv, err := money.ConvFromMsats(msats, quote)
	if err != nil {
		return "", err
	}

	value, _ := conv.AmountFor(unit).Value.Float64()

	return humanize.FormatFloat("#,###.###", value), nil
}

// failureText renders an lnrpc failure reason for the refund memo,
// "FAILURE_REASON_NO_ROUTE" as "no route".
func failureText(reason string) string {
	text := reason
	if text == "" {
		text = lnrpc.PaymentFailureReason_FAILURE_REASON_ERROR.String()
	}

	return deSnake(text, "FAILURE_REASON_")
}
