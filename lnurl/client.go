package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// defaultTimeout bounds each http call to an lnurl service.
	defaultTimeout = time.Second * 30

	// payRequestTag is the tag an lnurlp endpoint must serve.
	payRequestTag = "payRequest"

	// statusError marks a failure response from an lnurl service.
	statusError = "ERROR"
)

var (
	// ErrAmountOutOfRange is returned when a requested amount falls
	// outside the service's sendable range.
	ErrAmountOutOfRange = errors.New("amount outside sendable range")

	// ErrServiceFailure is returned when an lnurl service reports an
	// error instead of a result.
	ErrServiceFailure = errors.New("lnurl service failure")
)

// PayParams is the pay request metadata an lnurlp endpoint serves. The
// sendable bounds are millisats. A zero CommentAllowed means the
// service takes no comments.
type PayParams struct {
	Tag            string `json:"tag"`
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`
	MaxSendable    int64  `json:"maxSendable"`
	Metadata       string `json:"metadata"`
	CommentAllowed int    `json:"commentAllowed"`
}

// MinSats returns the smallest whole sat amount the service accepts.
func (p *PayParams) MinSats() int64 {
	return (p.MinSendable + 999) / 1000
}

// MaxSats returns the largest whole sat amount the service accepts.
func (p *PayParams) MaxSats() int64 {
	return p.MaxSendable / 1000
}

// InRange reports whether an msat amount is within the sendable range.
func (p *PayParams) InRange(amountMsat int64) bool {
	return amountMsat >= p.MinSendable && amountMsat <= p.MaxSendable
}

// serviceStatus is the error shape any lnurl endpoint may serve in
// place of a result.
type serviceStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// invoiceResult is the callback response carrying the invoice.
type invoiceResult struct {
	serviceStatus

	PR string `json:"pr"`
}

// Config holds lnurl client settings.
type Config struct {
	// Timeout bounds each http call, zero for the default.
	Timeout time.Duration
}

// Client fetches pay request parameters and invoices from lnurl
// services.
type Client struct {
	client *http.Client
}

// NewClient returns a client for lnurl services.
func NewClient(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Client{
		client: &http.Client{Timeout: timeout},
	}
}

// PayParams resolves a lightning address, bech32 lnurl or lnurlp url
// and fetches the pay request parameters it points at.
func (c *Client) PayParams(ctx context.Context, anything string) (
	*PayParams, error) {

	payURL, err := Resolve(anything)
	if err != nil {
		return nil, err
	}

	log.Infof("Resolving lnurlp %v", payURL)

	body, err := c.get(ctx, payURL)
	if err != nil {
		return nil, err
	}

	if err := checkServiceStatus(body); err != nil {
		return nil, err
	}

	var params PayParams
	if err := json.Unmarshal(body, &params); err != nil {
		return nil, fmt.Errorf("pay params: %w", err)
	}

	if params.Tag != payRequestTag {
		return nil, fmt.Errorf("%w: tag %q is not a pay request",
			ErrServiceFailure, params.Tag)
	}

	if params.Callback == "" {
		return nil, fmt.Errorf("%w: no callback", ErrServiceFailure)
	}

	if params.MinSendable <= 0 ||
		params.MaxSendable < params.MinSendable {

		return nil, fmt.Errorf("%w: sendable range [%d, %d]",
			ErrServiceFailure, params.MinSendable,
			params.MaxSendable)
	}

	return &params, nil
}

// FetchInvoice calls the pay request callback for an invoice over the
// given msat amount. The comment rides along when the service accepts
// comments, truncated to the length it allows.
func (c *Client) FetchInvoice(ctx context.Context, params *PayParams,
	amountMsat int64, comment string) (string, error) {

	if !params.InRange(amountMsat) {
		return "", fmt.Errorf("%w: %d msat outside [%d, %d]",
			ErrAmountOutOfRange, amountMsat, params.MinSendable,
			params.MaxSendable)
	}

	callback, err := url.Parse(params.Callback)
	if err != nil {
		return "", fmt.Errorf("callback url: %w", err)
	}

	query := callback.Query()
	query.Set("amount", strconv.FormatInt(amountMsat, 10))

	if comment != "" && params.CommentAllowed > 0 {
		query.Set("comment",
			truncate(comment, params.CommentAllowed))
	}

	callback.RawQuery = query.Encode()

	body, err := c.get(ctx, callback.String())
	if err != nil {
		return "", err
	}

	var result invoiceResult
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("callback response: %w", err)
	}

	if result.Status == statusError {
		return "", fmt.Errorf("%w: %v", ErrServiceFailure,
			result.Reason)
	}

	if result.PR == "" {
		return "", fmt.Errorf("%w: callback returned no payment "+
			"request", ErrServiceFailure)
	}

	return result.PR, nil
}

// get performs one http get against an lnurl service.
func (c *Client) get(ctx context.Context, queryURL string) ([]byte,
	error) {

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, queryURL, nil,
	)
	if err != nil {
		return nil, err
	}

	response, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lnurl status: %v",
			response.StatusCode)
	}

	return io.ReadAll(response.Body)
}

// checkServiceStatus surfaces an error body served with http 200.
func checkServiceStatus(body []byte) error {
	var status serviceStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("lnurl response: %w", err)
	}

	if status.Status == statusError {
		return fmt.Errorf("%w: %v", ErrServiceFailure, status.Reason)
	}

	return nil
}

// truncate caps a string at n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n])
}
