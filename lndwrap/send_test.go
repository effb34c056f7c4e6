package lndwrap

import (
	"context"
	"testing"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/stretchr/testify/require"

	"github.com/v4vapp/hivebridge/ops"
)

// TestSendPayment tests that a payment is dispatched with the correlation
// records stamped on and blocks until the success update.
func TestSendPayment(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{
		sendStreams: []routerrpc.Router_SendPaymentV2Client{
			&fakePaymentStream{
				payments: []*lnrpc.Payment{
					{
						PaymentHash: "aa01",
						Status:      lnrpc.Payment_IN_FLIGHT,
					},
					{
						PaymentHash:     "aa01",
						Status:          lnrpc.Payment_SUCCEEDED,
						PaymentPreimage: "00ff",
						FeeMsat:         21,
					},
				},
			},
		},
	}
	client := &Client{cfg: &Config{}, router: router}

	payment, err := client.SendPayment(context.Background(), SendRequest{
		PaymentRequest: "lnbc100n1fake",
		FeeLimitMsat:   1_000,
		HiveAccount:    "alice",
		GroupID:        "12345-abcdef0123-0",
	})
	require.NoError(t, err)
	require.Equal(t, lnrpc.Payment_SUCCEEDED, payment.Status)
	require.Equal(t, "00ff", payment.PaymentPreimage)

	require.Len(t, router.sendReqs, 1)
	req := router.sendReqs[0]
	require.Equal(t, "lnbc100n1fake", req.PaymentRequest)
	require.EqualValues(t, 60, req.TimeoutSeconds)
	require.EqualValues(t, 1_000, req.FeeLimitMsat)
	require.True(t, req.AllowSelfPayment)
	require.Zero(t, req.AmtMsat)

	records := req.DestCustomRecords
	require.Equal(t, []byte("alice"), records[ops.RecordHiveAccount])
	require.Equal(
		t, []byte("12345-abcdef0123-0"), records[ops.RecordGroupID],
	)
}

// TestSendPaymentFailed tests that a terminal failure is returned as a
// payment, not an error, with the configured overrides applied.
func TestSendPaymentFailed(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{
		sendStreams: []routerrpc.Router_SendPaymentV2Client{
			&fakePaymentStream{
				payments: []*lnrpc.Payment{
					{
						PaymentHash:   "bb02",
						Status:        lnrpc.Payment_FAILED,
						FailureReason: lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE,
					},
				},
			},
		},
	}
	client := &Client{cfg: &Config{}, router: router}

	payment, err := client.SendPayment(context.Background(), SendRequest{
		PaymentRequest: "lnbc1fake",
		AmtMsat:        50_000,
		TimeoutSeconds: 120,
	})
	require.NoError(t, err)
	require.Equal(t, lnrpc.Payment_FAILED, payment.Status)
	require.Equal(
		t, lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE,
		payment.FailureReason,
	)

	req := router.sendReqs[0]
	require.EqualValues(t, 120, req.TimeoutSeconds)
	require.EqualValues(t, 50_000, req.AmtMsat)
	require.Empty(t, req.DestCustomRecords)
}

// TestSendPaymentStreamError tests that losing the update stream before
// a terminal state is an error, the payment store recovers the final
// state from history.
func TestSendPaymentStreamError(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{
		sendStreams: []routerrpc.Router_SendPaymentV2Client{
			&fakePaymentStream{
				payments: []*lnrpc.Payment{
					{
						PaymentHash: "cc03",
						Status:      lnrpc.Payment_IN_FLIGHT,
					},
				},
				err: errStream,
			},
		},
	}
	client := &Client{cfg: &Config{}, router: router}

	_, err := client.SendPayment(context.Background(), SendRequest{
		PaymentRequest: "lnbc1fake",
	})
	require.ErrorIs(t, err, errStream)
}
