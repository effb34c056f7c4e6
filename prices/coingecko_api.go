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
	// coinGeckoPriceAPI is the endpoint we hit for simple spot prices.
	coinGeckoPriceAPI = "https://api.coingecko.com/api/v3/simple/price"

	coinGeckoBTCID  = "bitcoin"
	coinGeckoHiveID = "hive"
	coinGeckoHBDID  = "hive_dollar"
)

// coinGeckoAPI implements the Backend interface. Coingecko lists all three
// markets we need, including the hive dollar.
type coinGeckoAPI struct {
	// query is the function that makes the http call out to coingecko.
	// It is set within the struct so that it can be mocked for testing.
	query func() ([]byte, error)
}

// newCoinGeckoAPI returns a coingecko backend which can be used to query
// spot prices.
func newCoinGeckoAPI() *coinGeckoAPI {
	return &coinGeckoAPI{
		query: queryCoinGecko,
	}
}

// Name identifies the backend.
func (c *coinGeckoAPI) Name() string {
	return CoinGeckoSource.String()
}

// queryCoinGecko requests usd prices for all three assets in a single call.
func queryCoinGecko() ([]byte, error) {
	queryURL := fmt.Sprintf("%v?ids=%v,%v,%v&vs_currencies=usd",
		coinGeckoPriceAPI, coinGeckoBTCID, coinGeckoHiveID,
		coinGeckoHBDID)

	log.Debugf("coingecko url: %v", queryURL)

	// Query the http endpoint with the url provided
	// #nosec G107
	response, err := http.Get(queryURL)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko status: %v",
			response.StatusCode)
	}

	return io.ReadAll(response.Body)
}

// parseCoinGeckoData parses http response data into the rate set.
func parseCoinGeckoData(data []byte) (RawRates, error) {
	var prices map[string]map[string]float64
	if err := json.Unmarshal(data, &prices); err != nil {
		return RawRates{}, err
	}

	rate := func(id string) decimal.Decimal {
		usd, ok := prices[id]["usd"]
		if !ok {
			return decimal.Decimal{}
		}

		return decimal.NewFromFloat(usd)
	}

	return RawRates{
		HiveUSD: rate(coinGeckoHiveID),
		HBDUSD:  rate(coinGeckoHBDID),
		BTCUSD:  rate(coinGeckoBTCID),
	}, nil
}

// Rates retrieves spot rates from coingecko's api.
func (c *coinGeckoAPI) Rates(ctx context.Context) (RawRates, error) {
	return retryQuery(ctx, c.query, parseCoinGeckoData)
}
