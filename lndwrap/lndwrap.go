// Package lndwrap wraps the lnd gRPC interface for the bridge: a basic
// macaroon connection, paginated history queries, event subscriptions
// that survive connection loss, and bolt11 payment dispatch. It deals
// in raw lnrpc types, conversion into tracked operations lives in ops.
package lndwrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"google.golang.org/grpc"

	"github.com/v4vapp/hivebridge/paginater"
)

const (
	// defaultConnectRetries bounds the connection checks run after a
	// subscription drops before the loss is reported as fatal.
	defaultConnectRetries = 20

	// importBatchSize is how many invoices one history page holds
	// during the startup import.
	importBatchSize = 1000
)

var (
	// connectRetryBase is the backoff after the first failed
	// connection check. It doubles per failure up to connectRetryCap.
	// Variables so tests can compress the schedule.
	connectRetryBase = 2 * time.Second
	connectRetryCap  = 60 * time.Second
)

// ErrConnectionLost is returned once the connection check budget is
// spent without reaching the node. Consumers treat it as fatal.
var ErrConnectionLost = errors.New("lnd connection lost")

// Config holds the lnd connection parameters.
type Config struct {
	// RPCServer is the host:port of lnd's gRPC interface.
	RPCServer string

	// TLSCertPath is the path to lnd's tls certificate.
	TLSCertPath string

	// MacaroonDir is the directory holding lnd's macaroons.
	MacaroonDir string

	// MacaroonFile is the name of the macaroon to use inside
	// MacaroonDir.
	MacaroonFile string

	// Network is the bitcoin network lnd runs on.
	Network string

	// ConnectRetries overrides how many connection checks run after a
	// subscription drops. Zero selects the default.
	ConnectRetries int
}

// lightningClient is the subset of the lnrpc stub the wrapper calls.
type lightningClient interface {
	GetInfo(ctx context.Context, in *lnrpc.GetInfoRequest,
		opts ...grpc.CallOption) (*lnrpc.GetInfoResponse, error)

	WalletBalance(ctx context.Context, in *lnrpc.WalletBalanceRequest,
		opts ...grpc.CallOption) (*lnrpc.WalletBalanceResponse, error)

	ChannelBalance(ctx context.Context, in *lnrpc.ChannelBalanceRequest,
		opts ...grpc.CallOption) (*lnrpc.ChannelBalanceResponse, error)

	ListChannels(ctx context.Context, in *lnrpc.ListChannelsRequest,
		opts ...grpc.CallOption) (*lnrpc.ListChannelsResponse, error)

	GetNodeInfo(ctx context.Context, in *lnrpc.NodeInfoRequest,
		opts ...grpc.CallOption) (*lnrpc.NodeInfo, error)

	DecodePayReq(ctx context.Context, in *lnrpc.PayReqString,
		opts ...grpc.CallOption) (*lnrpc.PayReq, error)

	ListInvoices(ctx context.Context, in *lnrpc.ListInvoiceRequest,
		opts ...grpc.CallOption) (*lnrpc.ListInvoiceResponse, error)

	ListPayments(ctx context.Context, in *lnrpc.ListPaymentsRequest,
		opts ...grpc.CallOption) (*lnrpc.ListPaymentsResponse, error)

	SubscribeInvoices(ctx context.Context, in *lnrpc.InvoiceSubscription,
		opts ...grpc.CallOption) (
		lnrpc.Lightning_SubscribeInvoicesClient, error)
}

// routerClient is the subset of the routerrpc stub the wrapper calls.
type routerClient interface {
	SendPaymentV2(ctx context.Context, in *routerrpc.SendPaymentRequest,
		opts ...grpc.CallOption) (routerrpc.Router_SendPaymentV2Client,
		error)

	TrackPayments(ctx context.Context, in *routerrpc.TrackPaymentsRequest,
		opts ...grpc.CallOption) (routerrpc.Router_TrackPaymentsClient,
		error)

	SubscribeHtlcEvents(ctx context.Context,
		in *routerrpc.SubscribeHtlcEventsRequest,
		opts ...grpc.CallOption) (
		routerrpc.Router_SubscribeHtlcEventsClient, error)
}

// Client is a connection to one lnd node.
type Client struct {
	cfg  *Config
	conn *grpc.ClientConn

	ln     lightningClient
	router routerClient
}

// NewClient dials lnd with the macaroon and tls certificate from the
// config and wraps the raw stubs.
func NewClient(cfg *Config) (*Client, error) {
	conn, err := lndclient.NewBasicConn(
		cfg.RPCServer, cfg.TLSCertPath, cfg.MacaroonDir, cfg.Network,
		lndclient.MacFilename(cfg.MacaroonFile),
	)
	if err != nil {
		return nil, fmt.Errorf("dial lnd %v: %w", cfg.RPCServer, err)
	}

	return &Client{
		cfg:    cfg,
		conn:   conn,
		ln:     lnrpc.NewLightningClient(conn),
		router: routerrpc.NewRouterClient(conn),
	}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// Info returns the node's identity and sync state.
func (c *Client) Info(ctx context.Context) (*lnrpc.GetInfoResponse, error) {
	return c.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
}

// CheckConnection pings the node's WalletBalance endpoint until it
// answers, backing off between attempts. It returns ErrConnectionLost
// once the configured try count is spent. The subscription loops run
// it whenever their stream drops, so a node restart stalls them
// instead of killing them.
func (c *Client) CheckConnection(ctx context.Context) error {
	retries := c.cfg.ConnectRetries
	if retries == 0 {
		retries = defaultConnectRetries
	}

	delay := connectRetryBase
	for tries := 1; tries <= retries; tries++ {
		_, err := c.ln.WalletBalance(
			ctx, &lnrpc.WalletBalanceRequest{},
		)
		if err == nil {
			if tries > 1 {
				log.Infof("Connection to lnd restored "+
					"after %d checks", tries)
			}

			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warnf("Lnd connection check %d/%d failed: %v, backing "+
			"off %v", tries, retries, err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > connectRetryCap {
			delay = connectRetryCap
		}
	}

	return fmt.Errorf("%w after %d checks", ErrConnectionLost, retries)
}

// WalletSats returns the confirmed on chain wallet balance in
// satoshis.
func (c *Client) WalletSats(ctx context.Context) (int64, error) {
	resp, err := c.ln.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return 0, err
	}

	return resp.ConfirmedBalance, nil
}

// LocalChannelSats returns the summed local balance of every open
// channel in satoshis, the node side figure the lightning sanity check
// compares the ledger against.
func (c *Client) LocalChannelSats(ctx context.Context) (int64, error) {
	resp, err := c.ln.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return 0, err
	}

	if resp.LocalBalance == nil {
		return 0, nil
	}

	return int64(resp.LocalBalance.Sat), nil
}

// ListChannels lists the node's open channels, optionally restricted
// to public ones.
func (c *Client) ListChannels(ctx context.Context, publicOnly bool) (
	[]*lnrpc.Channel, error) {

	resp, err := c.ln.ListChannels(ctx, &lnrpc.ListChannelsRequest{
		PublicOnly: publicOnly,
	})
	if err != nil {
		return nil, err
	}

	return resp.Channels, nil
}

// NodeAlias resolves a node's graph alias.
func (c *Client) NodeAlias(ctx context.Context, pubKey string) (string,
	error) {

	resp, err := c.ln.GetNodeInfo(ctx, &lnrpc.NodeInfoRequest{
		PubKey: pubKey,
	})
	if err != nil {
		return "", err
	}

	if resp.Node == nil {
		return "", nil
	}

	return resp.Node.Alias, nil
}

// DecodePayReq decodes a bolt11 payment request on the node.
func (c *Client) DecodePayReq(ctx context.Context, payReq string) (
	*lnrpc.PayReq, error) {

	return c.ln.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: payReq})
}

// ListInvoices makes paginated calls to lnd to get the full set of
// invoices from startOffset onwards.
func (c *Client) ListInvoices(ctx context.Context, startOffset,
	maxInvoices uint64) ([]*lnrpc.Invoice, error) {

	var invoices []*lnrpc.Invoice

	query := func(offset, maxInvoices uint64) (uint64, uint64, error) {
		resp, err := c.ln.ListInvoices(
			ctx, &lnrpc.ListInvoiceRequest{
				IndexOffset:    offset,
				NumMaxInvoices: maxInvoices,
			},
		)
		if err != nil {
			return 0, 0, err
		}

		invoices = append(invoices, resp.Invoices...)

		return resp.LastIndexOffset, uint64(len(resp.Invoices)), nil
	}

	// Make paginated calls to the invoices API, starting at our start
	// offset and querying our max number of invoices each time.
	if err := paginater.WalkPages(
		ctx, query, startOffset, maxInvoices,
	); err != nil {
		return nil, err
	}

	return invoices, nil
}

// ImportInvoices pages through the node's invoice history newest first
// and hands every invoice to handle. The startup import uses it to
// backfill the invoice store before subscribing. Paging stops after
// the first short batch.
func (c *Client) ImportInvoices(ctx context.Context,
	handle func(*lnrpc.Invoice) error) error {

	query := func(offset, maxInvoices uint64) (uint64, uint64, error) {
		resp, err := c.ln.ListInvoices(
			ctx, &lnrpc.ListInvoiceRequest{
				IndexOffset:    offset,
				NumMaxInvoices: maxInvoices,
				Reversed:       true,
			},
		)
		if err != nil {
			return 0, 0, err
		}

		for _, invoice := range resp.Invoices {
			if err := handle(invoice); err != nil {
				return 0, 0, err
			}
		}

		// Reversed paging walks down from the newest invoice, so
		// the next page starts below the first index of this one.
		return resp.FirstIndexOffset, uint64(len(resp.Invoices)), nil
	}

	return paginater.WalkPages(ctx, query, 0, importBatchSize)
}

// ListPayments makes paginated calls to lnd to get the full set of
// payments from startOffset onwards, incomplete ones included.
func (c *Client) ListPayments(ctx context.Context, startOffset,
	maxPayments uint64) ([]*lnrpc.Payment, error) {

	var payments []*lnrpc.Payment

	query := func(offset, maxPayments uint64) (uint64, uint64, error) {
		resp, err := c.ln.ListPayments(
			ctx, &lnrpc.ListPaymentsRequest{
				IncludeIncomplete: true,
				IndexOffset:       offset,
				MaxPayments:       maxPayments,
			},
		)
		if err != nil {
			return 0, 0, err
		}

		payments = append(payments, resp.Payments...)

		return resp.LastIndexOffset, uint64(len(resp.Payments)), nil
	}

	// Make paginated calls to the payments API, starting at our start
	// offset and querying our max number of payments each time.
	if err := paginater.WalkPages(
		ctx, query, startOffset, maxPayments,
	); err != nil {
		return nil, err
	}

	return payments, nil
}
