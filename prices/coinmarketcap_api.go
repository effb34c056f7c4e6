package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
)

const (
	// coinMarketCapQuoteAPI is the endpoint we hit for latest quotes.
	coinMarketCapQuoteAPI = "https://pro-api.coinmarketcap.com/v1/" +
		"cryptocurrency/quotes/latest"

	// coinMarketCapKeyHeader carries the api key on every request.
	coinMarketCapKeyHeader = "X-CMC_PRO_API_KEY"

	cmcBTCSymbol  = "BTC"
	cmcHiveSymbol = "HIVE"
	cmcHBDSymbol  = "HBD"
)

// coinMarketCapAPI implements the Backend interface. Coinmarketcap lists
// all three markets but requires a pro api key.
type coinMarketCapAPI struct {
	// query is the function that makes the http call out to
	// coinmarketcap. It is set within the struct so that it can be
	// mocked for testing.
	query func() ([]byte, error)
}

// newCoinMarketCapAPI returns a coinmarketcap backend using the given api
// key.
func newCoinMarketCapAPI(apiKey string) *coinMarketCapAPI {
	return &coinMarketCapAPI{
		query: func() ([]byte, error) {
			return queryCoinMarketCap(apiKey)
		},
	}
}

// Name identifies the backend.
func (c *coinMarketCapAPI) Name() string {
	return CoinMarketCapSource.String()
}

// queryCoinMarketCap requests usd quotes for all three assets in a single
// call, authenticated with the pro api key header.
func queryCoinMarketCap(apiKey string) ([]byte, error) {
	queryURL := fmt.Sprintf("%v?symbol=%v,%v,%v&convert=USD",
		coinMarketCapQuoteAPI, cmcBTCSymbol, cmcHiveSymbol,
		cmcHBDSymbol)

	log.Debugf("coinmarketcap url: %v", queryURL)

	request, err := http.NewRequest(http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set(coinMarketCapKeyHeader, apiKey)

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coinmarketcap status: %v",
			response.StatusCode)
	}

	return io.ReadAll(response.Body)
}

type cmcResponse struct {
	Data map[string]cmcAsset `json:"data"`
}

type cmcAsset struct {
	Quote map[string]cmcQuote `json:"quote"`
}

type cmcQuote struct {
	Price float64 `json:"price"`
}

// parseCoinMarketCapData parses http response data into the rate set.
func parseCoinMarketCapData(data []byte) (RawRates, error) {
	var response cmcResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return RawRates{}, err
	}

	rate := func(symbol string) decimal.Decimal {
		asset, ok := response.Data[symbol]
		if !ok {
			return decimal.Decimal{}
		}

		return decimal.NewFromFloat(asset.Quote["USD"].Price)
	}

	return RawRates{
		HiveUSD: rate(cmcHiveSymbol),
		HBDUSD:  rate(cmcHBDSymbol),
		BTCUSD:  rate(cmcBTCSymbol),
	}, nil
}

// Rates retrieves spot rates from coinmarketcap's api.
func (c *coinMarketCapAPI) Rates(ctx context.Context) (RawRates, error) {
	return retryQuery(ctx, c.query, parseCoinMarketCapData)
}
