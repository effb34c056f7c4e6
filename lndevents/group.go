// Package lndevents groups the raw events lnd streams at us into the
// units a human cares about. A single routed payment surfaces as
// several htlc events, an invoice shows up once on creation and again
// on settlement, and the payment that produced a settled htlc arrives
// on a third stream. The Group collects all of them, decides when a
// group of related events is complete and renders one line per
// completed group.
package lndevents

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
)

// htlcMaxAge is how long an unterminated htlc group is kept before
// pruning drops it. Groups normally leave through removal shortly
// after completing, this only catches events whose terminator never
// arrived.
const htlcMaxAge = time.Hour

// Group is an in memory collection of recent htlc events, invoices
// and payments, indexed loosely enough that the three streams can be
// cross referenced. It is safe for concurrent use.
type Group struct {
	mu sync.Mutex

	htlcs    []*routerrpc.HtlcEvent
	invoices []*lnrpc.Invoice
	payments []*lnrpc.Payment
	channels map[uint64]string
}

// NewGroup returns an empty event group.
func NewGroup() *Group {
	return &Group{
		channels: make(map[uint64]string),
	}
}

// htlcID is the key an event is grouped under: the incoming htlc id
// when the event has one, the outgoing id otherwise. Forwards carry
// both and their follow up events repeat the pair, so every event of
// one forward lands in the same group.
func htlcID(event *routerrpc.HtlcEvent) uint64 {
	if event.IncomingHtlcId != 0 {
		return event.IncomingHtlcId
	}

	return event.OutgoingHtlcId
}

// AddHtlc records an htlc event and returns the id it is grouped
// under.
func (g *Group) AddHtlc(event *routerrpc.HtlcEvent) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.htlcs = append(g.htlcs, event)

	return htlcID(event)
}

// AddInvoice records an invoice update and returns its add index.
func (g *Group) AddInvoice(invoice *lnrpc.Invoice) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.invoices = append(g.invoices, invoice)

	return invoice.AddIndex
}

// AddPayment records a payment update and returns its payment index.
func (g *Group) AddPayment(payment *lnrpc.Payment) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.payments = append(g.payments, payment)

	return payment.PaymentIndex
}

// AddChannelName records the peer alias a channel id renders as.
func (g *Group) AddChannelName(chanID uint64, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.channels[chanID] = name
}

// ChannelName returns the recorded name for a channel, or a plain
// "Channel <id>" placeholder for channels we never named.
func (g *Group) ChannelName(chanID uint64) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.channelNameLocked(chanID)
}

func (g *Group) channelNameLocked(chanID uint64) string {
	if name, ok := g.channels[chanID]; ok {
		return name
	}

	return fmt.Sprintf("Channel %d", chanID)
}

// HtlcGroup returns the events recorded under one htlc id, oldest
// first.
func (g *Group) HtlcGroup(htlcID uint64) []*routerrpc.HtlcEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.htlcGroupLocked(htlcID)
}

// HtlcEventType returns the type of the opening event of an htlc
// group, which types the whole group.
func (g *Group) HtlcEventType(id uint64) routerrpc.HtlcEvent_EventType {
	g.mu.Lock()
	defer g.mu.Unlock()

	group := g.htlcGroupLocked(id)
	if len(group) == 0 {
		return routerrpc.HtlcEvent_UNKNOWN
	}

	return group[0].EventType
}

func (g *Group) htlcGroupLocked(id uint64) []*routerrpc.HtlcEvent {
	var group []*routerrpc.HtlcEvent
	for _, event := range g.htlcs {
		if htlcID(event) == id {
			group = append(group, event)
		}
	}

	return group
}

// HtlcPreimage returns the preimage revealed by the settle event of
// an htlc group, or nil when the group has not settled.
func (g *Group) HtlcPreimage(htlcID uint64) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.htlcPreimageLocked(htlcID)
}

func (g *Group) htlcPreimageLocked(id uint64) []byte {
	for _, event := range g.htlcGroupLocked(id) {
		preimage := event.GetSettleEvent().GetPreimage()
		if len(preimage) != 0 {
			return preimage
		}
	}

	return nil
}

// PaymentByPreimage returns the recorded payment that revealed the
// given preimage, or nil.
func (g *Group) PaymentByPreimage(preimage []byte) *lnrpc.Payment {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.paymentByPreimageLocked(preimage)
}

func (g *Group) paymentByPreimageLocked(preimage []byte) *lnrpc.Payment {
	if len(preimage) == 0 {
		return nil
	}

	hexPreimage := hex.EncodeToString(preimage)
	for _, payment := range g.payments {
		if payment.PaymentPreimage == hexPreimage {
			return payment
		}
	}

	return nil
}

// InvoiceByHtlcID returns the recorded invoice one of whose accepted
// htlcs carries the given htlc index, or nil.
func (g *Group) InvoiceByHtlcID(htlcID uint64) *lnrpc.Invoice {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.invoiceByHtlcIDLocked(htlcID)
}

func (g *Group) invoiceByHtlcIDLocked(id uint64) *lnrpc.Invoice {
	for _, invoice := range g.invoices {
		for _, htlc := range invoice.Htlcs {
			if htlc.HtlcIndex == id {
				return invoice
			}
		}
	}

	return nil
}

// InvoicesByPreimage returns every recorded update of the invoice
// with the given preimage, oldest first. An invoice that has been
// created and settled has two.
func (g *Group) InvoicesByPreimage(preimage []byte) []*lnrpc.Invoice {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.invoicesByPreimageLocked(preimage)
}

func (g *Group) invoicesByPreimageLocked(preimage []byte) []*lnrpc.Invoice {
	var group []*lnrpc.Invoice
	for _, invoice := range g.invoices {
		if bytes.Equal(invoice.RPreimage, preimage) {
			group = append(group, invoice)
		}
	}

	return group
}

// HtlcComplete reports whether the group the event belongs to is
// finished, meaning no further events for it are expected:
//
//   - a forward is three events, the forward itself, a settle or fail
//     and the final htlc resolution, complete when the third arrives.
//     A link failure paired with only its final event is a complete
//     failed forward at two.
//   - sends and receives are two events, the attempt and its settle
//     or fail.
//
// Only the event closing the group reports true, earlier members of
// an already full group do not, so the caller notifies exactly once.
func (g *Group) HtlcComplete(event *routerrpc.HtlcEvent) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.htlcCompleteLocked(event)
}

func (g *Group) htlcCompleteLocked(event *routerrpc.HtlcEvent) bool {
	group := g.htlcGroupLocked(htlcID(event))
	if len(group) == 0 {
		return false
	}

	switch group[0].EventType {
	case routerrpc.HtlcEvent_FORWARD:
		if len(group) == 3 {
			return event == group[2]
		}

		if len(group) == 2 {
			var linkFail, final bool
			for _, ev := range group {
				if ev.EventType == routerrpc.HtlcEvent_FORWARD &&
					ev.GetLinkFailEvent() != nil {

					linkFail = true
				}
				if ev.EventType == routerrpc.HtlcEvent_UNKNOWN &&
					ev.GetFinalHtlcEvent() != nil {

					final = true
				}
			}

			return linkFail && final && event == group[1]
		}

		return false

	case routerrpc.HtlcEvent_SEND, routerrpc.HtlcEvent_RECEIVE:
		return len(group) == 2

	default:
		return true
	}
}

// InvoiceComplete reports whether no further updates are expected for
// an invoice: it expired, or both its creation and its settlement
// have been recorded.
func (g *Group) InvoiceComplete(invoice *lnrpc.Invoice) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if invoiceExpired(invoice, time.Now()) {
		return true
	}

	return len(g.invoicesByPreimageLocked(invoice.RPreimage)) == 2
}

func invoiceExpired(invoice *lnrpc.Invoice, now time.Time) bool {
	expiry := time.Unix(invoice.CreationDate+invoice.Expiry, 0)

	return now.After(expiry)
}

// RemoveHtlcGroup drops every event recorded under an htlc id.
func (g *Group) RemoveHtlcGroup(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var kept []*routerrpc.HtlcEvent
	for _, event := range g.htlcs {
		if htlcID(event) == id {
			continue
		}

		kept = append(kept, event)
	}

	g.htlcs = kept
}

// RemoveInvoiceGroup drops every update of the given invoice, then
// clears any invoices that have expired in the meantime.
func (g *Group) RemoveInvoiceGroup(invoice *lnrpc.Invoice) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var kept []*lnrpc.Invoice
	for _, entry := range g.invoices {
		if bytes.Equal(entry.RPreimage, invoice.RPreimage) {
			continue
		}

		kept = append(kept, entry)
	}

	g.invoices = kept
	g.pruneLocked(time.Now())
}

// RemovePayment drops one recorded payment update.
func (g *Group) RemovePayment(payment *lnrpc.Payment) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var kept []*lnrpc.Payment
	for _, entry := range g.payments {
		if entry == payment {
			continue
		}

		kept = append(kept, entry)
	}

	g.payments = kept
}

// Prune clears expired invoices and htlc events old enough that their
// terminator is not coming.
func (g *Group) Prune(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked(now)
}

func (g *Group) pruneLocked(now time.Time) {
	var invoices []*lnrpc.Invoice
	for _, invoice := range g.invoices {
		if invoiceExpired(invoice, now) {
			continue
		}

		invoices = append(invoices, invoice)
	}
	g.invoices = invoices

	cutoff := uint64(now.Add(-htlcMaxAge).UnixNano())
	var htlcs []*routerrpc.HtlcEvent
	for _, event := range g.htlcs {
		if event.TimestampNs != 0 && event.TimestampNs < cutoff {
			continue
		}

		htlcs = append(htlcs, event)
	}
	g.htlcs = htlcs
}

// Counts returns how many events of each kind are currently held.
func (g *Group) Counts() (htlcs, invoices, payments, channels int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.htlcs), len(g.invoices), len(g.payments),
		len(g.channels)
}

// String summarises the group sizes for status logging.
func (g *Group) String() string {
	htlcs, invoices, payments, channels := g.Counts()

	return fmt.Sprintf(
		"HTLC Events: %d, Invoices: %d, Payments: %d, "+
			"Channel Names: %d",
		htlcs, invoices, payments, channels,
	)
}
