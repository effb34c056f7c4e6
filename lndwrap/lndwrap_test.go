package lndwrap

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// errStream stands in for a gRPC transport failure.
var errStream = errors.New("connection reset")

// fakeLightning fakes the lightning stub with canned responses. The
// embedded interface panics on anything a test did not set up.
type fakeLightning struct {
	lightningClient

	mu sync.Mutex

	// walletErrs is how many WalletBalance calls fail before the
	// endpoint answers again.
	walletErrs  int
	walletCalls int

	channelBalance *lnrpc.ChannelBalanceResponse

	invoicePages []*lnrpc.ListInvoiceResponse
	invoiceReqs  []*lnrpc.ListInvoiceRequest

	paymentPages []*lnrpc.ListPaymentsResponse
	paymentReqs  []*lnrpc.ListPaymentsRequest

	subs       []*lnrpc.InvoiceSubscription
	invStreams []lnrpc.Lightning_SubscribeInvoicesClient

	aliases map[string]string
}

func (f *fakeLightning) WalletBalance(_ context.Context,
	_ *lnrpc.WalletBalanceRequest, _ ...grpc.CallOption) (
	*lnrpc.WalletBalanceResponse, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.walletCalls++
	if f.walletCalls <= f.walletErrs {
		return nil, errStream
	}

	return &lnrpc.WalletBalanceResponse{ConfirmedBalance: 21}, nil
}

func (f *fakeLightning) ChannelBalance(_ context.Context,
	_ *lnrpc.ChannelBalanceRequest, _ ...grpc.CallOption) (
	*lnrpc.ChannelBalanceResponse, error) {

	return f.channelBalance, nil
}

func (f *fakeLightning) GetNodeInfo(_ context.Context,
	req *lnrpc.NodeInfoRequest, _ ...grpc.CallOption) (*lnrpc.NodeInfo,
	error) {

	alias, ok := f.aliases[req.PubKey]
	if !ok {
		return nil, errors.New("node not found")
	}

	return &lnrpc.NodeInfo{
		Node: &lnrpc.LightningNode{PubKey: req.PubKey, Alias: alias},
	}, nil
}

func (f *fakeLightning) ListInvoices(_ context.Context,
	req *lnrpc.ListInvoiceRequest, _ ...grpc.CallOption) (
	*lnrpc.ListInvoiceResponse, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.invoiceReqs = append(f.invoiceReqs, req)
	if len(f.invoicePages) == 0 {
		return nil, errStream
	}

	next := f.invoicePages[0]
	f.invoicePages = f.invoicePages[1:]

	return next, nil
}

func (f *fakeLightning) ListPayments(_ context.Context,
	req *lnrpc.ListPaymentsRequest, _ ...grpc.CallOption) (
	*lnrpc.ListPaymentsResponse, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.paymentReqs = append(f.paymentReqs, req)
	if len(f.paymentPages) == 0 {
		return nil, errStream
	}

	next := f.paymentPages[0]
	f.paymentPages = f.paymentPages[1:]

	return next, nil
}

func (f *fakeLightning) SubscribeInvoices(_ context.Context,
	sub *lnrpc.InvoiceSubscription, _ ...grpc.CallOption) (
	lnrpc.Lightning_SubscribeInvoicesClient, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	// The loop mutates its subscription in place, so record a copy.
	f.subs = append(f.subs, &lnrpc.InvoiceSubscription{
		AddIndex:    sub.AddIndex,
		SettleIndex: sub.SettleIndex,
	})

	if len(f.invStreams) == 0 {
		return nil, errStream
	}

	next := f.invStreams[0]
	f.invStreams = f.invStreams[1:]

	return next, nil
}

// recordedSubs snapshots the subscription requests seen so far.
func (f *fakeLightning) recordedSubs() []*lnrpc.InvoiceSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*lnrpc.InvoiceSubscription(nil), f.subs...)
}

// fakeRouter fakes the router stub.
type fakeRouter struct {
	routerClient

	mu sync.Mutex

	sendReqs    []*routerrpc.SendPaymentRequest
	sendStreams []routerrpc.Router_SendPaymentV2Client

	trackCalls   int
	trackStreams []routerrpc.Router_TrackPaymentsClient

	htlcStreams []routerrpc.Router_SubscribeHtlcEventsClient
}

func (f *fakeRouter) SendPaymentV2(_ context.Context,
	req *routerrpc.SendPaymentRequest, _ ...grpc.CallOption) (
	routerrpc.Router_SendPaymentV2Client, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.sendReqs = append(f.sendReqs, req)
	if len(f.sendStreams) == 0 {
		return nil, errStream
	}

	next := f.sendStreams[0]
	f.sendStreams = f.sendStreams[1:]

	return next, nil
}

func (f *fakeRouter) TrackPayments(_ context.Context,
	_ *routerrpc.TrackPaymentsRequest, _ ...grpc.CallOption) (
	routerrpc.Router_TrackPaymentsClient, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.trackCalls++
	if len(f.trackStreams) == 0 {
		return nil, errStream
	}

	next := f.trackStreams[0]
	f.trackStreams = f.trackStreams[1:]

	return next, nil
}

func (f *fakeRouter) SubscribeHtlcEvents(_ context.Context,
	_ *routerrpc.SubscribeHtlcEventsRequest, _ ...grpc.CallOption) (
	routerrpc.Router_SubscribeHtlcEventsClient, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.htlcStreams) == 0 {
		return nil, errStream
	}

	next := f.htlcStreams[0]
	f.htlcStreams = f.htlcStreams[1:]

	return next, nil
}

// fakeInvoiceStream feeds a fixed invoice sequence, then blocks on
// hold when set, then fails with err or a plain EOF.
type fakeInvoiceStream struct {
	grpc.ClientStream

	invoices []*lnrpc.Invoice
	hold     chan struct{}
	err      error
}

func (f *fakeInvoiceStream) Recv() (*lnrpc.Invoice, error) {
	if len(f.invoices) > 0 {
		next := f.invoices[0]
		f.invoices = f.invoices[1:]

		return next, nil
	}

	if f.hold != nil {
		<-f.hold
	}

	if f.err != nil {
		return nil, f.err
	}

	return nil, io.EOF
}

// fakePaymentStream feeds payment updates the same way. It satisfies
// both the send and the track stream interfaces.
type fakePaymentStream struct {
	grpc.ClientStream

	payments []*lnrpc.Payment
	hold     chan struct{}
	err      error
}

func (f *fakePaymentStream) Recv() (*lnrpc.Payment, error) {
	if len(f.payments) > 0 {
		next := f.payments[0]
		f.payments = f.payments[1:]

		return next, nil
	}

	if f.hold != nil {
		<-f.hold
	}

	if f.err != nil {
		return nil, f.err
	}

	return nil, io.EOF
}

// fakeHtlcStream feeds htlc events the same way.
type fakeHtlcStream struct {
	grpc.ClientStream

	events []*routerrpc.HtlcEvent
	hold   chan struct{}
	err    error
}

func (f *fakeHtlcStream) Recv() (*routerrpc.HtlcEvent, error) {
	if len(f.events) > 0 {
		next := f.events[0]
		f.events = f.events[1:]

		return next, nil
	}

	if f.hold != nil {
		<-f.hold
	}

	if f.err != nil {
		return nil, f.err
	}

	return nil, io.EOF
}

// setFastBackoff compresses the connection check schedule so failure
// paths run in test time.
func setFastBackoff(t *testing.T) {
	t.Helper()

	oldBase, oldCap := connectRetryBase, connectRetryCap
	connectRetryBase = time.Millisecond
	connectRetryCap = 2 * time.Millisecond

	t.Cleanup(func() {
		connectRetryBase, connectRetryCap = oldBase, oldCap
	})
}

// recv reads one item off a subscription channel, failing the test
// after a timeout.
func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case item, ok := <-ch:
		require.True(t, ok, "channel closed early")
		return item

	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for item")
		return *new(T)
	}
}

// requireClosed waits for a subscription channel to close.
func requireClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()

	select {
	case item, ok := <-ch:
		require.False(t, ok, "unexpected item %v", item)

	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

// TestCheckConnection tests that the connection check retries the
// wallet ping until the node answers.
func TestCheckConnection(t *testing.T) {
	setFastBackoff(t)

	fake := &fakeLightning{walletErrs: 2}
	client := &Client{cfg: &Config{}, ln: fake}

	require.NoError(t, client.CheckConnection(context.Background()))
	require.Equal(t, 3, fake.walletCalls)
}

// TestCheckConnectionGivesUp tests that the check surfaces a fatal
// connection loss once its try budget is spent.
func TestCheckConnectionGivesUp(t *testing.T) {
	setFastBackoff(t)

	fake := &fakeLightning{walletErrs: 100}
	client := &Client{cfg: &Config{ConnectRetries: 3}, ln: fake}

	err := client.CheckConnection(context.Background())
	require.ErrorIs(t, err, ErrConnectionLost)
	require.Equal(t, 3, fake.walletCalls)
}

// TestLocalChannelSats tests reading the summed local channel balance.
func TestLocalChannelSats(t *testing.T) {
	t.Parallel()

	fake := &fakeLightning{
		channelBalance: &lnrpc.ChannelBalanceResponse{
			LocalBalance: &lnrpc.Amount{Sat: 123_456},
		},
	}
	client := &Client{cfg: &Config{}, ln: fake}

	sats, err := client.LocalChannelSats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 123_456, sats)

	// A node without channels reports no local balance at all.
	fake.channelBalance = &lnrpc.ChannelBalanceResponse{}
	sats, err = client.LocalChannelSats(context.Background())
	require.NoError(t, err)
	require.Zero(t, sats)
}

// TestNodeAlias tests graph alias resolution.
func TestNodeAlias(t *testing.T) {
	t.Parallel()

	fake := &fakeLightning{
		aliases: map[string]string{"02aabb": "WalletOfSatoshi.com"},
	}
	client := &Client{cfg: &Config{}, ln: fake}

	alias, err := client.NodeAlias(context.Background(), "02aabb")
	require.NoError(t, err)
	require.Equal(t, "WalletOfSatoshi.com", alias)

	_, err = client.NodeAlias(context.Background(), "02ffff")
	require.Error(t, err)
}

// TestListInvoicesPaginated tests that the forward listing keeps
// querying until a short page arrives.
func TestListInvoicesPaginated(t *testing.T) {
	t.Parallel()

	fake := &fakeLightning{
		invoicePages: []*lnrpc.ListInvoiceResponse{
			{
				Invoices: []*lnrpc.Invoice{
					{AddIndex: 11}, {AddIndex: 12},
				},
				LastIndexOffset: 12,
			},
			{
				Invoices:        []*lnrpc.Invoice{{AddIndex: 13}},
				LastIndexOffset: 13,
			},
		},
	}
	client := &Client{cfg: &Config{}, ln: fake}

	invoices, err := client.ListInvoices(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, invoices, 3)

	require.Len(t, fake.invoiceReqs, 2)
	require.EqualValues(t, 0, fake.invoiceReqs[0].IndexOffset)
	require.EqualValues(t, 2, fake.invoiceReqs[0].NumMaxInvoices)
	require.False(t, fake.invoiceReqs[0].Reversed)
	require.EqualValues(t, 12, fake.invoiceReqs[1].IndexOffset)
}

// TestImportInvoices tests the newest first history import: full pages
// follow the first index offset downwards, a short page ends the walk.
func TestImportInvoices(t *testing.T) {
	t.Parallel()

	first := make([]*lnrpc.Invoice, importBatchSize)
	for i := range first {
		first[i] = &lnrpc.Invoice{AddIndex: uint64(2000 - i)}
	}

	fake := &fakeLightning{
		invoicePages: []*lnrpc.ListInvoiceResponse{
			{Invoices: first, FirstIndexOffset: 1001},
			{
				Invoices: []*lnrpc.Invoice{
					{AddIndex: 1000}, {AddIndex: 999},
				},
				FirstIndexOffset: 999,
			},
		},
	}
	client := &Client{cfg: &Config{}, ln: fake}

	var got []uint64
	err := client.ImportInvoices(
		context.Background(), func(inv *lnrpc.Invoice) error {
			got = append(got, inv.AddIndex)
			return nil
		},
	)
	require.NoError(t, err)
	require.Len(t, got, importBatchSize+2)
	require.EqualValues(t, 2000, got[0])
	require.EqualValues(t, 999, got[len(got)-1])

	require.Len(t, fake.invoiceReqs, 2)
	require.True(t, fake.invoiceReqs[0].Reversed)
	require.EqualValues(t, 0, fake.invoiceReqs[0].IndexOffset)
	require.EqualValues(t, 1001, fake.invoiceReqs[1].IndexOffset)
}

// TestImportInvoicesHandlerError tests that a failing handler aborts
// the import.
func TestImportInvoicesHandlerError(t *testing.T) {
	t.Parallel()

	errUpsert := errors.New("store down")
	fake := &fakeLightning{
		invoicePages: []*lnrpc.ListInvoiceResponse{
			{Invoices: []*lnrpc.Invoice{{AddIndex: 1}}},
		},
	}
	client := &Client{cfg: &Config{}, ln: fake}

	err := client.ImportInvoices(
		context.Background(), func(*lnrpc.Invoice) error {
			return errUpsert
		},
	)
	require.ErrorIs(t, err, errUpsert)
}

// TestListPaymentsPaginated tests the payment history walk.
func TestListPaymentsPaginated(t *testing.T) {
	t.Parallel()

	fake := &fakeLightning{
		paymentPages: []*lnrpc.ListPaymentsResponse{
			{
				Payments: []*lnrpc.Payment{
					{PaymentIndex: 1}, {PaymentIndex: 2},
				},
				LastIndexOffset: 2,
			},
			{
				Payments:        []*lnrpc.Payment{{PaymentIndex: 3}},
				LastIndexOffset: 3,
			},
		},
	}
	client := &Client{cfg: &Config{}, ln: fake}

	payments, err := client.ListPayments(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, payments, 3)

	require.Len(t, fake.paymentReqs, 2)
	require.True(t, fake.paymentReqs[0].IncludeIncomplete)
	require.EqualValues(t, 2, fake.paymentReqs[1].IndexOffset)
}
