package prices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/v4vapp/hivebridge/money"
)

const (
	// maxRetries is the maximum number of retries we allow per call to
	// an api.
	maxRetries = 3

	// retrySleep is the period we backoff for between tries, set to 0.5
	// second.
	retrySleep = time.Millisecond * 500

	// fetchTimeout bounds a refresh across all backends.
	fetchTimeout = time.Second * 10
)

var (
	errShuttingDown  = errors.New("shutting down")
	errRetriesFailed = errors.New("could not get data within max retries")

	// ErrNoQuotes is returned when no backend produced a usable set of
	// rates.
	ErrNoQuotes = errors.New("no backend returned a quote")

	// ErrNoHBDRate is returned when no backend lists HBD and no cross
	// rate source is configured.
	ErrNoHBDRate = errors.New("no source for an HBD rate")
)

// RawRates is the set of USD spot rates a single backend reports. A zero
// field means the backend does not list that market.
type RawRates struct {
	HiveUSD decimal.Decimal
	HBDUSD  decimal.Decimal
	BTCUSD  decimal.Decimal
}

// Backend fetches spot rates from one market data source.
type Backend interface {
	// Name identifies the backend in logs and stored quotes.
	Name() string

	// Rates returns the backend's current spot rates.
	Rates(ctx context.Context) (RawRates, error)
}

// QuoteSource identifies a supported market data source.
type QuoteSource int

const (
	// UnknownQuoteSource is a placeholder for unrecognised sources.
	UnknownQuoteSource QuoteSource = iota

	// BinanceSource reads spot tickers from binance.
	BinanceSource

	// CoinGeckoSource reads simple prices from coingecko.
	CoinGeckoSource

	// CoinMarketCapSource reads latest quotes from coinmarketcap. It
	// requires an api key.
	CoinMarketCapSource
)

// sourceNames maps config strings to quote sources.
var sourceNames = map[string]QuoteSource{
	"binance":       BinanceSource,
	"coingecko":     CoinGeckoSource,
	"coinmarketcap": CoinMarketCapSource,
}

// String returns the string representation of a quote source.
func (q QuoteSource) String() string {
	switch q {
	case BinanceSource:
		return "binance"

	case CoinGeckoSource:
		return "coingecko"

	case CoinMarketCapSource:
		return "coinmarketcap"

	default:
		return "unknown"
	}
}

// NewBackend returns the backend implementation for a source name.
func NewBackend(source, apiKey string) (Backend, error) {
	switch sourceNames[strings.ToLower(source)] {
	case BinanceSource:
		return newBinanceAPI(), nil

	case CoinGeckoSource:
		return newCoinGeckoAPI(), nil

	case CoinMarketCapSource:
		if apiKey == "" {
			return nil, fmt.Errorf("coinmarketcap requires an " +
				"api key")
		}

		return newCoinMarketCapAPI(apiKey), nil

	default:
		return nil, fmt.Errorf("unknown quote source: %v", source)
	}
}

// retryQuery calls an api until it succeeds, or we hit our maximum retries.
// It sleeps between calls and can be terminated early by cancelling the
// context passed in. It takes query and convert functions as parameters for
// testing purposes.
func retryQuery(ctx context.Context, queryAPI func() ([]byte, error),
	convert func([]byte) (RawRates, error)) (RawRates, error) {

	for i := 0; i < maxRetries; i++ {
		// If our request fails, log the error, sleep for the retry
		// period and then continue so we can try again.
		response, err := queryAPI()
		if err != nil {
			log.Errorf("http get attempt: %v failed: %v", i, err)

			select {
			case <-time.After(retrySleep):
			case <-ctx.Done():
				return RawRates{}, errShuttingDown
			}

			continue
		}

		return convert(response)
	}

	return RawRates{}, errRetriesFailed
}

// Option overrides a default of the quote service.
type Option func(*Service)

// WithStore sets a rate store every refreshed quote is recorded to.
func WithStore(store *Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithHiveHBD sets a cross-rate source for the HIVE:HBD ratio, used to
// derive an HBD rate when no backend lists the HBD market directly. The
// internal Hive market is the usual source.
func WithHiveHBD(cross func(context.Context) (decimal.Decimal,
	error)) Option {

	return func(s *Service) {
		s.crossRate = cross
	}
}

// Service aggregates spot rates from its backends into a single median
// quote, caches the result for reuse within the quote's validity window and
// records every refreshed quote to the rate store.
type Service struct {
	backends  []Backend
	store     *Store
	crossRate func(context.Context) (decimal.Decimal, error)

	mtx  sync.Mutex
	last money.Quote
}

// NewService returns a quote service reading from the given backends.
func NewService(backends []Backend, opts ...Option) *Service {
	service := &Service{
		backends: backends,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service
}

// Latest returns the cached quote while it is fresh, refreshing it from the
// backends otherwise.
func (s *Service) Latest(ctx context.Context) (money.Quote, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.last.Validate() == nil && !s.last.Stale(time.Now()) {
		return s.last, nil
	}

	return s.refresh(ctx)
}

// Refresh discards the cached quote and rebuilds it from the backends.
func (s *Service) Refresh(ctx context.Context) (money.Quote, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.refresh(ctx)
}

// QuoteAt returns the rates in force at the given time. Times within
// the quote validity window are served by the live quote; older times
// are answered from the rate store.
func (s *Service) QuoteAt(ctx context.Context, at time.Time) (money.Quote,
	error) {

	if time.Since(at) < money.QuoteMaxAge {
		return s.Latest(ctx)
	}

	if s.store == nil {
		log.Warnf("No rate store configured, pricing %v at the "+
			"live quote", at.Format(time.RFC3339))
		return s.Latest(ctx)
	}

	quote, err := s.store.Nearest(ctx, NearestQuery{Target: at})
	if err != nil {
		return money.Quote{}, err
	}

	return quote, nil
}

// refresh must be called with the service mutex held.
func (s *Service) refresh(ctx context.Context) (money.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	type result struct {
		name  string
		rates RawRates
		err   error
	}

	results := make(chan result, len(s.backends))

	for _, backend := range s.backends {
		backend := backend

		go func() {
			rates, err := backend.Rates(ctx)
			results <- result{
				name:  backend.Name(),
				rates: rates,
				err:   err,
			}
		}()
	}

	var (
		hiveRates, hbdRates, btcRates []decimal.Decimal
		sources                       []string
	)

	for range s.backends {
		res := <-results
		if res.err != nil {
			log.Warnf("quote backend %v failed: %v", res.name,
				res.err)

			continue
		}

		sources = append(sources, res.name)

		if res.rates.HiveUSD.IsPositive() {
			hiveRates = append(hiveRates, res.rates.HiveUSD)
		}

		if res.rates.HBDUSD.IsPositive() {
			hbdRates = append(hbdRates, res.rates.HBDUSD)
		}

		if res.rates.BTCUSD.IsPositive() {
			btcRates = append(btcRates, res.rates.BTCUSD)
		}
	}

	if len(hiveRates) == 0 || len(btcRates) == 0 {
		return money.Quote{}, ErrNoQuotes
	}

	hiveUSD := median(hiveRates)

	// When no backend lists HBD directly we derive its rate from the
	// HIVE:HBD cross rate.
	var hbdUSD decimal.Decimal
	switch {
	case len(hbdRates) > 0:
		hbdUSD = median(hbdRates)

	case s.crossRate != nil:
		cross, err := s.crossRate(ctx)
		if err != nil {
			return money.Quote{}, fmt.Errorf("cross rate: %w",
				err)
		}
		if !cross.IsPositive() {
			return money.Quote{}, ErrNoHBDRate
		}

		hbdUSD = hiveUSD.Div(cross)

	default:
		return money.Quote{}, ErrNoHBDRate
	}

	sort.Strings(sources)
	quote, err := money.NewQuote(
		hiveUSD, hbdUSD, median(btcRates),
		fmt.Sprintf("median(%v)", strings.Join(sources, ",")),
		time.Now().UTC(),
	)
	if err != nil {
		return money.Quote{}, err
	}

	log.Debugf("refreshed quote from %v sources: hive=%v hbd=%v btc=%v",
		len(sources), quote.HiveUSD, quote.HBDUSD, quote.BTCUSD)

	if s.store != nil {
		if err := s.store.Put(ctx, quote); err != nil {
			log.Errorf("could not record quote: %v", err)
		}
	}

	s.last = quote

	return quote, nil
}

// median returns the midpoint value of a set of rates, averaging the two
// central values for even-sized sets.
func median(rates []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(rates))
	copy(sorted, rates)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}

	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
