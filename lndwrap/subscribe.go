package lndwrap

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
)

// SubscribeInvoices streams invoice updates, resuming from the given
// add and settle indices. The invoice channel closes when the context
// ends, the error channel reports a connection that could not be
// restored. The resume indices advance with every delivered invoice so
// a reconnect never replays what the consumer already has.
func (c *Client) SubscribeInvoices(ctx context.Context, addIndex,
	settleIndex uint64) (<-chan *lnrpc.Invoice, <-chan error, error) {

	sub := &lnrpc.InvoiceSubscription{
		AddIndex:    addIndex,
		SettleIndex: settleIndex,
	}

	stream, err := c.ln.SubscribeInvoices(ctx, sub)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe invoices: %w", err)
	}

	log.Infof("Subscribed to invoices from add index %d, settle "+
		"index %d", addIndex, settleIndex)

	invChan := make(chan *lnrpc.Invoice)
	errChan := make(chan error, 1)

	go c.invoiceLoop(ctx, stream, sub, invChan, errChan)

	return invChan, errChan, nil
}

// invoiceLoop relays one invoice stream after another, restoring the
// connection between them, until the context ends or the connection is
// lost for good.
func (c *Client) invoiceLoop(ctx context.Context,
	stream lnrpc.Lightning_SubscribeInvoicesClient,
	sub *lnrpc.InvoiceSubscription, invChan chan *lnrpc.Invoice,
	errChan chan error) {

	defer close(invChan)

	for {
		err := c.forwardInvoices(ctx, stream, sub, invChan)
		if ctx.Err() != nil {
			return
		}

		log.Warnf("Invoice subscription lost at add index %d: %v",
			sub.AddIndex, err)

		if err := c.CheckConnection(ctx); err != nil {
			errChan <- err
			return
		}

		stream, err = c.ln.SubscribeInvoices(ctx, sub)
		if err != nil {
			errChan <- fmt.Errorf("resubscribe invoices: %w", err)
			return
		}

		log.Infof("Invoice subscription resumed from add index %d, "+
			"settle index %d", sub.AddIndex, sub.SettleIndex)
	}
}

// forwardInvoices relays invoices from one stream until it fails,
// advancing the subscription's resume indices as they pass through.
func (c *Client) forwardInvoices(ctx context.Context,
	stream lnrpc.Lightning_SubscribeInvoicesClient,
	sub *lnrpc.InvoiceSubscription,
	invChan chan<- *lnrpc.Invoice) error {

	for {
		invoice, err := stream.Recv()
		if err != nil {
			return err
		}

		if invoice.AddIndex > sub.AddIndex {
			sub.AddIndex = invoice.AddIndex
		}
		if invoice.SettleIndex > sub.SettleIndex {
			sub.SettleIndex = invoice.SettleIndex
		}

		select {
		case invChan <- invoice:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SubscribePayments streams updates for every outbound payment,
// in-flight states included. There is no resume cursor, a reconnect
// picks up from the node's current state and the payment store fills
// any hole from history.
func (c *Client) SubscribePayments(ctx context.Context) (
	<-chan *lnrpc.Payment, <-chan error, error) {

	stream, err := c.router.TrackPayments(
		ctx, &routerrpc.TrackPaymentsRequest{NoInflightUpdates: false},
	)
	if err != nil {
		return nil, nil, fmt.Errorf("track payments: %w", err)
	}

	log.Info("Subscribed to payment updates")

	payChan := make(chan *lnrpc.Payment)
	errChan := make(chan error, 1)

	go c.paymentLoop(ctx, stream, payChan, errChan)

	return payChan, errChan, nil
}

// paymentLoop relays one payment stream after another, restoring the
// connection between them.
func (c *Client) paymentLoop(ctx context.Context,
	stream routerrpc.Router_TrackPaymentsClient,
	payChan chan *lnrpc.Payment, errChan chan error) {

	defer close(payChan)

	for {
		err := forwardPayments(ctx, stream, payChan)
		if ctx.Err() != nil {
			return
		}

		log.Warnf("Payment subscription lost: %v", err)

		if err := c.CheckConnection(ctx); err != nil {
			errChan <- err
			return
		}

		stream, err = c.router.TrackPayments(
			ctx, &routerrpc.TrackPaymentsRequest{
				NoInflightUpdates: false,
			},
		)
		if err != nil {
			errChan <- fmt.Errorf("resubscribe payments: %w", err)
			return
		}

		log.Info("Payment subscription resumed")
	}
}

// forwardPayments relays payment updates from one stream until it
// fails.
func forwardPayments(ctx context.Context,
	stream routerrpc.Router_TrackPaymentsClient,
	payChan chan<- *lnrpc.Payment) error {

	for {
		payment, err := stream.Recv()
		if err != nil {
			return err
		}

		select {
		case payChan <- payment:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SubscribeHtlcEvents streams the node's HTLC lifecycle events. The
// first message after every subscribe is lnd's subscribed marker,
// consumers skip it.
func (c *Client) SubscribeHtlcEvents(ctx context.Context) (
	<-chan *routerrpc.HtlcEvent, <-chan error, error) {

	stream, err := c.router.SubscribeHtlcEvents(
		ctx, &routerrpc.SubscribeHtlcEventsRequest{},
	)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe htlc events: %w", err)
	}

	log.Info("Subscribed to htlc events")

	eventChan := make(chan *routerrpc.HtlcEvent)
	errChan := make(chan error, 1)

	go c.htlcLoop(ctx, stream, eventChan, errChan)

	return eventChan, errChan, nil
}

// htlcLoop relays one htlc event stream after another, restoring the
// connection between them.
func (c *Client) htlcLoop(ctx context.Context,
	stream routerrpc.Router_SubscribeHtlcEventsClient,
	eventChan chan *routerrpc.HtlcEvent, errChan chan error) {

	defer close(eventChan)

	for {
		err := forwardHtlcEvents(ctx, stream, eventChan)
		if ctx.Err() != nil {
			return
		}

		log.Warnf("Htlc event subscription lost: %v", err)

		if err := c.CheckConnection(ctx); err != nil {
			errChan <- err
			return
		}

		stream, err = c.router.SubscribeHtlcEvents(
			ctx, &routerrpc.SubscribeHtlcEventsRequest{},
		)
		if err != nil {
			errChan <- fmt.Errorf("resubscribe htlc events: %w",
				err)
			return
		}

		log.Info("Htlc event subscription resumed")
	}
}

// forwardHtlcEvents relays htlc events from one stream until it fails.
func forwardHtlcEvents(ctx context.Context,
	stream routerrpc.Router_SubscribeHtlcEventsClient,
	eventChan chan<- *routerrpc.HtlcEvent) error {

	for {
		event, err := stream.Recv()
		if err != nil {
			return err
		}

		select {
		case eventChan <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
