package lndwrap

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"

	"github.com/v4vapp/hivebridge/ops"
)

// defaultPayTimeout bounds pathfinding for one payment attempt, in
// seconds.
const defaultPayTimeout int32 = 60

// SendRequest describes an outbound bolt11 payment.
type SendRequest struct {
	// PaymentRequest is the bolt11 invoice to pay.
	PaymentRequest string

	// AmtMsat sets the amount for a zero-amount invoice. It must stay
	// zero when the invoice carries its own amount.
	AmtMsat int64

	// FeeLimitMsat caps the routing fee.
	FeeLimitMsat int64

	// TimeoutSeconds bounds pathfinding. Zero selects the default.
	TimeoutSeconds int32

	// HiveAccount and GroupID are stamped onto the payment as custom
	// records so the payment stream can correlate the settled payment
	// back to the operation that triggered it.
	HiveAccount string
	GroupID     string
}

// SendPayment pays a bolt11 invoice and blocks until the payment
// reaches a terminal state. The returned payment is the final update,
// SUCCEEDED or FAILED, failed payments are not an error. Self payments
// are allowed, users of the bridge pay each other across the same
// node.
func (c *Client) SendPayment(ctx context.Context, req SendRequest) (
	*lnrpc.Payment, error) {

	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = defaultPayTimeout
	}

	records := ops.EncodeCustomRecords(ops.CustomRecords{
		HiveAccname: req.HiveAccount,
		GroupID:     req.GroupID,
	})

	stream, err := c.router.SendPaymentV2(
		ctx, &routerrpc.SendPaymentRequest{
			PaymentRequest:    req.PaymentRequest,
			AmtMsat:           req.AmtMsat,
			TimeoutSeconds:    timeout,
			FeeLimitMsat:      req.FeeLimitMsat,
			DestCustomRecords: records,
			AllowSelfPayment:  true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("send payment: %w", err)
	}

	for {
		update, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("payment stream: %w", err)
		}

		switch update.Status {
		case lnrpc.Payment_SUCCEEDED, lnrpc.Payment_FAILED:
			return update, nil
		}

		log.Debugf("Payment %v in flight", update.PaymentHash)
	}
}
