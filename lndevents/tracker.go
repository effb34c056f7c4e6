package lndevents

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
)

const (
	// defaultSettleWait is the pause before looking up the payment
	// that settled an htlc. The payment arrives on a separate stream
	// and usually trails the settle event by a moment.
	defaultSettleWait = time.Second

	// defaultCompleteWait is the pause before checking whether an
	// event completed its group, long enough for a sibling event on
	// another stream to land first.
	defaultCompleteWait = 500 * time.Millisecond

	// defaultRemoveDelay is how long a completed group lingers before
	// its events are dropped, leaving room for stragglers to still
	// find it.
	defaultRemoveDelay = 10 * time.Second

	// minNotifySats is the smallest received invoice worth a
	// notification. Anything below is streaming sats noise.
	minNotifySats = 10
)

// GraphSource is the slice of the lnd wrapper the tracker resolves
// names through.
type GraphSource interface {
	// DecodePayReq decodes a bolt11 payment request.
	DecodePayReq(ctx context.Context,
		payReq string) (*lnrpc.PayReq, error)

	// NodeAlias returns the advertised alias of a node.
	NodeAlias(ctx context.Context, pubKey string) (string, error)

	// ListChannels returns our open channels.
	ListChannels(ctx context.Context,
		publicOnly bool) ([]*lnrpc.Channel, error)
}

// TrackerConfig bundles the dependencies and timing knobs of a
// Tracker.
type TrackerConfig struct {
	// Lnd resolves aliases and channels from the node.
	Lnd GraphSource

	// Notify receives one user visible line per completed event
	// group worth telling somebody about. Nil disables notifications,
	// the lines are still logged.
	Notify func(msg string)

	// SettleWait overrides the pause before cross referencing a
	// settled htlc with its payment. Zero selects the default.
	SettleWait time.Duration

	// CompleteWait overrides the pause before the completeness check.
	// Zero selects the default.
	CompleteWait time.Duration

	// RemoveDelay overrides how long completed groups linger. Zero
	// selects the default.
	RemoveDelay time.Duration
}

// Tracker consumes the three lnd event streams, logs a line per event
// and raises one notification per completed group. The Track methods
// are safe to call concurrently and block briefly while waiting for
// sibling events, callers stream into them from one goroutine per
// subscription.
type Tracker struct {
	cfg   TrackerConfig
	group *Group
}

// NewTracker returns a tracker with an empty event group.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.SettleWait == 0 {
		cfg.SettleWait = defaultSettleWait
	}
	if cfg.CompleteWait == 0 {
		cfg.CompleteWait = defaultCompleteWait
	}
	if cfg.RemoveDelay == 0 {
		cfg.RemoveDelay = defaultRemoveDelay
	}

	return &Tracker{
		cfg:   cfg,
		group: NewGroup(),
	}
}

// Group exposes the underlying event group.
func (t *Tracker) Group() *Group {
	return t.group
}

// FillChannelNames loads the peer alias of every open channel into
// the group so event messages name channels by who they lead to.
func (t *Tracker) FillChannelNames(ctx context.Context) error {
	channels, err := t.cfg.Lnd.ListChannels(ctx, false)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}

	for _, channel := range channels {
		alias, err := t.cfg.Lnd.NodeAlias(ctx, channel.RemotePubkey)
		if err != nil || alias == "" {
			log.Warnf("No alias for channel %d peer %v: %v",
				channel.ChanId, channel.RemotePubkey, err)
			continue
		}

		t.group.AddChannelName(channel.ChanId, alias)
		log.Infof("Channel %d -> %v", channel.ChanId, alias)
	}

	return nil
}

// TrackHtlc records an htlc event, logs its progress and notifies
// once its group completes. The subscribed marker lnd sends first is
// ignored.
func (t *Tracker) TrackHtlc(ctx context.Context,
	event *routerrpc.HtlcEvent) {

	if event.GetSubscribedEvent() != nil {
		return
	}

	id := t.group.AddHtlc(event)
	destAlias := t.htlcDestAlias(ctx, id)

	msg, _ := t.group.HtlcMessage(event, destAlias)
	log.Infof("%v", msg)

	t.sleep(ctx, t.cfg.CompleteWait)

	if !t.group.HtlcComplete(event) {
		return
	}

	notify := true
	if t.group.HtlcEventType(id) != routerrpc.HtlcEvent_UNKNOWN {
		invoice := t.group.InvoiceByHtlcID(id)
		if invoice != nil && invoice.Value < minNotifySats {
			notify = false
		}
	}

	msg, worth := t.group.HtlcMessage(event, destAlias)
	if worth {
		log.Infof("%v", msg)
		if notify {
			t.notify(msg)
		}
	}

	t.removeLater(func() { t.group.RemoveHtlcGroup(id) })
}

// TrackInvoice records an invoice update and logs it. Invoice groups
// complete silently, settlement notifications belong to the payment
// pipeline.
func (t *Tracker) TrackInvoice(ctx context.Context,
	invoice *lnrpc.Invoice) {

	t.group.AddInvoice(invoice)

	msg := InvoiceMessage(invoice)
	log.Infof("%v", msg)

	t.sleep(ctx, t.cfg.CompleteWait)

	if !t.group.InvoiceComplete(invoice) {
		return
	}

	log.Infof("%v", msg)
	t.removeLater(func() { t.group.RemoveInvoiceGroup(invoice) })
}

// TrackPayment records a payment update and logs it with the
// destination alias resolved from its payment request.
func (t *Tracker) TrackPayment(ctx context.Context,
	payment *lnrpc.Payment) {

	t.group.AddPayment(payment)

	destAlias := "Keysend"
	if payment.PaymentRequest != "" {
		destAlias = t.payReqAlias(ctx, payment.PaymentRequest)
	}

	log.Infof("%v", PaymentMessage(payment, destAlias))

	t.removeLater(func() { t.group.RemovePayment(payment) })
}

// htlcDestAlias resolves who a settled htlc paid: the preimage it
// revealed identifies our payment, whose payment request names the
// destination. A settled payment without a request was a keysend.
func (t *Tracker) htlcDestAlias(ctx context.Context, id uint64) string {
	preimage := t.group.HtlcPreimage(id)
	if len(preimage) == 0 {
		return ""
	}

	// The payment arrives on another stream, give it a moment.
	t.sleep(ctx, t.cfg.SettleWait)

	payment := t.group.PaymentByPreimage(preimage)
	if payment == nil {
		return ""
	}

	if payment.PaymentRequest == "" {
		return "Keysend"
	}

	return t.payReqAlias(ctx, payment.PaymentRequest)
}

// payReqAlias decodes a payment request and returns the alias of its
// destination node.
func (t *Tracker) payReqAlias(ctx context.Context, payReq string) string {
	decoded, err := t.cfg.Lnd.DecodePayReq(ctx, payReq)
	if err != nil {
		log.Debugf("Decode pay req for alias: %v", err)
		return ""
	}

	alias, err := t.cfg.Lnd.NodeAlias(ctx, decoded.Destination)
	if err != nil {
		log.Debugf("Alias lookup for %v: %v", decoded.Destination,
			err)
		return ""
	}

	return alias
}

func (t *Tracker) notify(msg string) {
	if t.cfg.Notify == nil {
		return
	}

	t.cfg.Notify(msg)
}

func (t *Tracker) removeLater(remove func()) {
	time.AfterFunc(t.cfg.RemoveDelay, remove)
}

func (t *Tracker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
