package lndevents

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
)

// ForwardFee is the amount a forward moved and the fee it earned,
// both in millisatoshis.
type ForwardFee struct {
	AmountMsat int64
	FeeMsat    int64
}

// forwardFee derives amount and fee from the forward event opening a
// group. Events without forward info, such as bare link failures,
// yield zero values.
func forwardFee(event *routerrpc.HtlcEvent) ForwardFee {
	info := event.GetForwardEvent().GetInfo()
	if info == nil {
		return ForwardFee{}
	}

	out := int64(info.OutgoingAmtMsat)
	in := int64(info.IncomingAmtMsat)

	return ForwardFee{AmountMsat: out, FeeMsat: in - out}
}

// AmountSats is the forwarded amount rounded to the nearest satoshi.
func (f ForwardFee) AmountSats() int64 {
	return roundSats(f.AmountMsat)
}

func roundSats(msat int64) int64 {
	return int64(math.Round(float64(msat) / 1000))
}

// FeeSats is the fee earned in satoshis, with millisat precision.
func (f ForwardFee) FeeSats() float64 {
	return float64(f.FeeMsat) / 1000
}

// FeePercent is the fee as a percentage of the forwarded amount.
func (f ForwardFee) FeePercent() float64 {
	if f.AmountMsat == 0 {
		return 0
	}

	return float64(f.FeeMsat) / float64(f.AmountMsat) * 100
}

// FeePPM is the fee in parts per million of the forwarded amount.
func (f ForwardFee) FeePPM() float64 {
	if f.AmountMsat == 0 {
		return 0
	}

	return float64(f.FeeMsat) / float64(f.AmountMsat) * 1_000_000
}

func orUnknown(alias string) string {
	if alias == "" {
		return "Unknown"
	}

	return alias
}

// HtlcMessage renders one line for an htlc event. Events whose group
// is still in progress render a placeholder. Completed groups render
// by the type of their opening event, since the terminator closing a
// group is often a bare final resolution that says nothing about what
// the htlc was. The bool reports whether the line is worth surfacing:
// zero amount failed attempts are pathfinding probes and return
// false.
func (g *Group) HtlcMessage(event *routerrpc.HtlcEvent,
	destAlias string) (string, bool) {

	g.mu.Lock()
	defer g.mu.Unlock()

	id := htlcID(event)
	if id == 0 || !g.htlcCompleteLocked(event) {
		return fmt.Sprintf("%v %d in progress", event.EventType, id),
			true
	}

	switch g.htlcGroupLocked(id)[0].EventType {
	case routerrpc.HtlcEvent_SEND:
		return g.sendMessageLocked(id, destAlias), true

	case routerrpc.HtlcEvent_RECEIVE:
		return g.receiveMessageLocked(id), true

	default:
		return g.forwardMessageLocked(id)
	}
}

// forwardMessageLocked renders a completed forward group: the amount
// moved between the two channels and either the fee earned or how the
// forward failed.
func (g *Group) forwardMessageLocked(id uint64) (string, bool) {
	group := g.htlcGroupLocked(id)
	if len(group) < 2 {
		return "", false
	}

	primary := group[0]
	fee := forwardFee(primary)

	start := "💰 Attempted"
	end := "❌"

	switch {
	case len(group) == 2:
		if linkFail := primary.GetLinkFailEvent(); linkFail != nil {
			var amount int64
			if info := linkFail.GetInfo(); info != nil {
				amount = roundSats(int64(info.IncomingAmtMsat))
			}

			end = fmt.Sprintf("❌ %d %v", amount,
				linkFail.FailureString)
		}

	case group[2].EventType == routerrpc.HtlcEvent_FORWARD &&
		(group[2].GetForwardFailEvent() != nil ||
			group[2].GetLinkFailEvent() != nil):

		end = "❌ Forward Fail"

	case group[2].GetFinalHtlcEvent().GetSettled():
		start = "💰 Forwarded"
		end = fmt.Sprintf("✅ Earned %.3f %.2f%% %.0f ppm",
			fee.FeeSats(), fee.FeePercent(), fee.FeePPM())
	}

	msg := fmt.Sprintf("%v %v %v → %v %v (%d)",
		start, humanize.Comma(fee.AmountSats()),
		g.channelNameLocked(primary.IncomingChannelId),
		g.channelNameLocked(primary.OutgoingChannelId),
		end, id)

	worth := !(start == "💰 Attempted" && fee.AmountSats() == 0)

	return msg, worth
}

// sendMessageLocked renders a completed send group: the amount paid
// out of one of our channels, who received it and what it cost. The
// fee comes from the payment that revealed the same preimage.
func (g *Group) sendMessageLocked(id uint64, destAlias string) string {
	group := g.htlcGroupLocked(id)
	if len(group) < 2 {
		return ""
	}

	primary := group[0]

	start := "⚡️ Probing"
	end := "❌"
	if settle := group[1].GetSettleEvent(); settle != nil {
		var feeSats float64
		payment := g.paymentByPreimageLocked(settle.Preimage)
		if payment != nil {
			feeSats = float64(payment.FeeMsat) / 1000
		}

		start = "⚡️ Sent"
		end = fmt.Sprintf("fee: %.3f ✅", feeSats)
	}

	var amount int64
	if info := primary.GetForwardEvent().GetInfo(); info != nil {
		amount = roundSats(int64(info.OutgoingAmtMsat))
	}

	sentVia := "Unknown"
	if primary.OutgoingChannelId != 0 {
		sentVia = g.channelNameLocked(primary.OutgoingChannelId)
	}

	return fmt.Sprintf("%v %v to %v out %v. %v (%d)",
		start, humanize.Comma(amount), orUnknown(destAlias),
		sentVia, end, id)
}

// receiveMessageLocked renders a completed receive group: the amount
// that arrived, the memo of the invoice it settled and the channel it
// came in on.
func (g *Group) receiveMessageLocked(id uint64) string {
	group := g.htlcGroupLocked(id)
	if len(group) == 0 {
		return ""
	}

	primary := group[0]

	receivedVia := "Unknown"
	if primary.IncomingChannelId != 0 {
		receivedVia = g.channelNameLocked(primary.IncomingChannelId)
	}

	var (
		amount  int64
		forMemo string
		idStr   string
	)
	if invoice := g.invoiceByHtlcIDLocked(id); invoice != nil {
		amount = invoice.Value
		idStr = fmt.Sprintf(" (%d)", id)
		if invoice.Memo != "" {
			forMemo = fmt.Sprintf(" for %v", invoice.Memo)
		}
	}

	return fmt.Sprintf("💵 Received %v%v via %v%v",
		humanize.Comma(amount), forMemo, receivedVia, idStr)
}

// InvoiceMessage renders one line for an invoice update.
func InvoiceMessage(invoice *lnrpc.Invoice) string {
	return fmt.Sprintf("🧾 Invoice: %v (%d)",
		humanize.Comma(invoice.ValueMsat/1000), invoice.AddIndex)
}

// PaymentMessage renders one line for a payment update, including how
// long it has been in flight.
func PaymentMessage(payment *lnrpc.Payment, destAlias string) string {
	created := time.Unix(0, payment.CreationTimeNs).UTC()
	inFlight := time.Since(created).Round(time.Second)

	return fmt.Sprintf("💸 Payment: %v sats to: %v in flight: %v %v %d",
		humanize.Comma(payment.ValueMsat/1000), orUnknown(destAlias),
		inFlight, payment.Status, payment.PaymentIndex)
}
