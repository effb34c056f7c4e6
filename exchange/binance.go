package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// mainnetBaseURL and testnetBaseURL are the binance spot API hosts.
	mainnetBaseURL = "https://api.binance.com"
	testnetBaseURL = "https://testnet.binance.vision"

	// recvWindowMs is how far our signed timestamp may lag binance's
	// clock before the request is rejected.
	recvWindowMs = 5000

	requestTimeout = 20 * time.Second
)

// OrderSide is the direction of a spot order in the symbol's base
// asset.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// ErrNoCredentials is returned when a signed call is attempted without
// an API key pair.
var ErrNoCredentials = errors.New("exchange api credentials not set")

// SymbolRules carries the exchange's trading filters for one symbol:
// the quantity step and minimum, and the minimum notional value of an
// order in the quote asset.
type SymbolRules struct {
	Symbol      string
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// ClampQty floors a quantity onto the symbol's step grid.
func (r *SymbolRules) ClampQty(qty decimal.Decimal) decimal.Decimal {
	if r.StepSize.IsZero() {
		return qty
	}

	steps := qty.Div(r.StepSize).Floor()

	return steps.Mul(r.StepSize)
}

// Tradeable reports whether an order of this quantity at this price
// passes the symbol's filters.
func (r *SymbolRules) Tradeable(qty, price decimal.Decimal) bool {
	if qty.LessThan(r.MinQty) || qty.IsZero() {
		return false
	}

	return qty.Mul(price).GreaterThanOrEqual(r.MinNotional)
}

// Fill is one execution of an order.
type Fill struct {
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
}

// OrderResult is a filled spot order.
type OrderResult struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Status        string
	Side          OrderSide

	// ExecutedQty is in the base asset, QuoteQty in the quote asset.
	ExecutedQty decimal.Decimal
	QuoteQty    decimal.Decimal

	TransactTime time.Time
	Fills        []Fill
}

// AvgPrice is the volume weighted execution price in quote per base.
func (o *OrderResult) AvgPrice() decimal.Decimal {
	if o.ExecutedQty.IsZero() {
		return decimal.Zero
	}

	return o.QuoteQty.Div(o.ExecutedQty)
}

// Commission sums the fills' commissions paid in the given asset.
func (o *OrderResult) Commission(asset string) decimal.Decimal {
	total := decimal.Zero
	for _, fill := range o.Fills {
		if fill.CommissionAsset == asset {
			total = total.Add(fill.Commission)
		}
	}

	return total
}

// BinanceConfig sets up a binance spot client.
type BinanceConfig struct {
	APIKey    string
	APISecret string

	// Testnet points the client at the binance spot testnet.
	Testnet bool

	// HTTPClient is swapped out in tests.
	HTTPClient *http.Client

	// Now is the clock signed timestamps come from.
	Now func() time.Time
}

// Binance is a minimal binance spot REST client: trading filters,
// ticker prices and market orders.
type Binance struct {
	cfg     BinanceConfig
	baseURL string
	client  *http.Client
}

// NewBinance returns a binance client.
func NewBinance(cfg *BinanceConfig) *Binance {
	binance := &Binance{
		cfg:     *cfg,
		baseURL: mainnetBaseURL,
		client:  cfg.HTTPClient,
	}

	if cfg.Testnet {
		binance.baseURL = testnetBaseURL
	}
	if binance.client == nil {
		binance.client = &http.Client{Timeout: requestTimeout}
	}
	if binance.cfg.Now == nil {
		binance.cfg.Now = time.Now
	}

	return binance
}

// binanceError is the error body binance returns on non-2xx statuses.
type binanceError struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

// do issues one request and decodes the response into out, translating
// binance error bodies into errors.
func (b *Binance) do(ctx context.Context, method, path string,
	query url.Values, signed bool, out interface{}) error {

	if signed {
		if b.cfg.APIKey == "" || b.cfg.APISecret == "" {
			return ErrNoCredentials
		}

		query.Set("timestamp", strconv.FormatInt(
			b.cfg.Now().UnixMilli(), 10))
		query.Set("recvWindow", strconv.Itoa(recvWindowMs))
		query.Set("signature", b.sign(query.Encode()))
	}

	requestURL := fmt.Sprintf("%s%s?%s", b.baseURL, path,
		query.Encode())

	request, err := http.NewRequestWithContext(ctx, method, requestURL,
		nil)
	if err != nil {
		return err
	}

	if signed {
		request.Header.Set("X-MBX-APIKEY", b.cfg.APIKey)
	}

	log.Debugf("binance %v %v", method, path)

	response, err := b.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode != http.StatusOK {
		var apiErr binanceError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			return fmt.Errorf("binance %v: %v (%v)",
				response.StatusCode, apiErr.Msg, apiErr.Code)
		}

		return fmt.Errorf("binance status: %v", response.StatusCode)
	}

	return json.Unmarshal(body, out)
}

// sign produces the hex HMAC-SHA256 of the query string under the API
// secret.
func (b *Binance) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	mac.Write([]byte(payload))

	return hex.EncodeToString(mac.Sum(nil))
}

// exchangeInfoResponse is the slice of /api/v3/exchangeInfo we read.
type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// Rules fetches the trading filters for a symbol.
func (b *Binance) Rules(ctx context.Context, symbol string) (
	*SymbolRules, error) {

	query := url.Values{}
	query.Set("symbol", symbol)

	var info exchangeInfoResponse
	err := b.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", query,
		false, &info)
	if err != nil {
		return nil, err
	}

	for _, entry := range info.Symbols {
		if entry.Symbol != symbol {
			continue
		}

		rules := &SymbolRules{Symbol: symbol}
		for _, filter := range entry.Filters {
			switch filter.FilterType {
			case "LOT_SIZE":
				rules.StepSize, err = decimal.NewFromString(
					filter.StepSize)
				if err != nil {
					return nil, err
				}

				rules.MinQty, err = decimal.NewFromString(
					filter.MinQty)
				if err != nil {
					return nil, err
				}

			case "MIN_NOTIONAL", "NOTIONAL":
				rules.MinNotional, err = decimal.NewFromString(
					filter.MinNotional)
				if err != nil {
					return nil, err
				}
			}
		}

		return rules, nil
	}

	return nil, fmt.Errorf("symbol %v not listed", symbol)
}

// tickerResponse is the /api/v3/ticker/price body.
type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Price fetches the spot ticker price for a symbol, in quote per base.
func (b *Binance) Price(ctx context.Context, symbol string) (
	decimal.Decimal, error) {

	query := url.Values{}
	query.Set("symbol", symbol)

	var ticker tickerResponse
	err := b.do(ctx, http.MethodGet, "/api/v3/ticker/price", query,
		false, &ticker)
	if err != nil {
		return decimal.Zero, err
	}

	return decimal.NewFromString(ticker.Price)
}

// orderResponse is the FULL response of /api/v3/order.
type orderResponse struct {
	Symbol          string `json:"symbol"`
	OrderID         int64  `json:"orderId"`
	ClientOrderID   string `json:"clientOrderId"`
	TransactTime    int64  `json:"transactTime"`
	ExecutedQty     string `json:"executedQty"`
	CumulativeQuote string `json:"cummulativeQuoteQty"`
	Status          string `json:"status"`
	Side            string `json:"side"`
	Fills           []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

// MarketOrder places a market order for qty of the symbol's base
// asset and returns the fill.
func (b *Binance) MarketOrder(ctx context.Context, symbol string,
	side OrderSide, qty decimal.Decimal) (*OrderResult, error) {

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("side", string(side))
	query.Set("type", "MARKET")
	query.Set("quantity", qty.String())
	query.Set("newClientOrderId", uuid.NewString())
	query.Set("newOrderRespType", "FULL")

	var response orderResponse
	err := b.do(ctx, http.MethodPost, "/api/v3/order", query, true,
		&response)
	if err != nil {
		return nil, err
	}

	return parseOrder(&response)
}

// parseOrder converts the wire order into decimals.
func parseOrder(response *orderResponse) (*OrderResult, error) {
	executed, err := decimal.NewFromString(response.ExecutedQty)
	if err != nil {
		return nil, err
	}

	quote, err := decimal.NewFromString(response.CumulativeQuote)
	if err != nil {
		return nil, err
	}

	result := &OrderResult{
		Symbol:        response.Symbol,
		OrderID:       response.OrderID,
		ClientOrderID: response.ClientOrderID,
		Status:        response.Status,
		Side:          OrderSide(response.Side),
		ExecutedQty:   executed,
		QuoteQty:      quote,
		TransactTime: time.UnixMilli(
			response.TransactTime).UTC(),
	}

	for _, fill := range response.Fills {
		price, err := decimal.NewFromString(fill.Price)
		if err != nil {
			return nil, err
		}

		qty, err := decimal.NewFromString(fill.Qty)
		if err != nil {
			return nil, err
		}

		commission, err := decimal.NewFromString(fill.Commission)
		if err != nil {
			return nil, err
		}

		result.Fills = append(result.Fills, Fill{
			Price:           price,
			Qty:             qty,
			Commission:      commission,
			CommissionAsset: fill.CommissionAsset,
		})
	}

	return result, nil
}
