package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

const (
	// binanceTickerAPI is the endpoint we hit for spot ticker prices.
	binanceTickerAPI = "https://api.binance.com/api/v3/ticker/price"

	binanceBTCSymbol  = "BTCUSDT"
	binanceHiveSymbol = "HIVEUSDT"
)

// binanceAPI implements the Backend interface, reading spot tickers from
// binance. Binance lists HIVE and BTC but not HBD.
type binanceAPI struct {
	// query is the function that makes the http call out to binance's
	// api. It is set within the struct so that it can be mocked for
	// testing.
	query func() ([]byte, error)
}

// newBinanceAPI returns a binance backend which can be used to query spot
// prices.
func newBinanceAPI() *binanceAPI {
	return &binanceAPI{
		query: queryBinance,
	}
}

// Name identifies the backend.
func (b *binanceAPI) Name() string {
	return BinanceSource.String()
}

// queryBinance requests the BTC and HIVE usdt tickers in a single call.
func queryBinance() ([]byte, error) {
	symbols := fmt.Sprintf(`["%v","%v"]`, binanceBTCSymbol,
		binanceHiveSymbol)

	queryURL := fmt.Sprintf("%v?symbols=%v", binanceTickerAPI,
		url.QueryEscape(symbols))

	log.Debugf("binance url: %v", queryURL)

	// Query the http endpoint with the url provided
	// #nosec G107
	response, err := http.Get(queryURL)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance status: %v",
			response.StatusCode)
	}

	return io.ReadAll(response.Body)
}

type binanceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// parseBinanceData parses http response data into the rate set, treating
// usdt tickers as usd.
func parseBinanceData(data []byte) (RawRates, error) {
	var tickers []binanceTicker
	if err := json.Unmarshal(data, &tickers); err != nil {
		return RawRates{}, err
	}

	var rates RawRates

	for _, ticker := range tickers {
		price, err := decimal.NewFromString(ticker.Price)
		if err != nil {
			return RawRates{}, err
		}

		switch ticker.Symbol {
		case binanceBTCSymbol:
			rates.BTCUSD = price

		case binanceHiveSymbol:
			rates.HiveUSD = price
		}
	}

	return rates, nil
}

// Rates retrieves spot rates from binance's api.
func (b *binanceAPI) Rates(ctx context.Context) (RawRates, error) {
	return retryQuery(ctx, b.query, parseBinanceData)
}
