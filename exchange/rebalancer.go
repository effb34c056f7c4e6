// Package exchange keeps the treasury hedged: every conversion the
// bridge books pushes the operator's hive/sats split one way, and the
// rebalancer trades the drift back on a spot exchange. Amounts too
// small to trade accumulate in mongo until they clear the exchange's
// lot size and notional minimums.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/v4vapp/hivebridge/bridge"
	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
)

// DefaultSymbol is the spot pair the treasury trades: HIVE base, BTC
// quote.
const DefaultSymbol = "HIVEBTC"

// defaultInterval is how often the accumulators are checked for a
// tradeable balance.
const defaultInterval = 10 * time.Minute

// satsPerBTC scales a BTC quote quantity to satoshis.
var satsPerBTC = decimal.New(1, 8)

// msatsPerBTC scales a BTC quote quantity to millisatoshis.
var msatsPerBTC = decimal.New(1, 11)

// ErrBelowMinimums is returned by a forced execution whose quantity
// does not pass the exchange's filters.
var ErrBelowMinimums = errors.New("quantity below exchange minimums")

// Trader is the slice of the exchange client the rebalancer uses.
type Trader interface {
	Rules(ctx context.Context, symbol string) (*SymbolRules, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	MarketOrder(ctx context.Context, symbol string, side OrderSide,
		qty decimal.Decimal) (*OrderResult, error)
}

// Accumulator is the pending-amount store.
type Accumulator interface {
	Add(ctx context.Context, symbol, direction string, sats int64) (
		int64, error)
	Take(ctx context.Context, symbol, direction string,
		sats int64) error
	Pending(ctx context.Context, symbol, direction string) (int64,
		error)
}

// LedgerWriter books the executed trades.
type LedgerWriter interface {
	Save(ctx context.Context, entry *ledger.Entry) error
}

// Config holds the rebalancer's dependencies and identity.
type Config struct {
	Trader Trader
	Store  Accumulator
	Ledger LedgerWriter
	Quotes ops.QuoteSource

	// Symbol is the spot pair traded; DefaultSymbol when empty.
	Symbol string

	// ExchangeName is the sub account trades are booked against, and
	// names the exchange in descriptions.
	ExchangeName string

	// MinSats is the operator's own execution floor on top of the
	// exchange filters, keeping trades from firing on every
	// conversion.
	MinSats int64

	// Interval between accumulator sweeps; defaultInterval when zero.
	Interval time.Duration
}

// Rebalancer accumulates conversion drift and trades it back. It
// implements the bridge's rebalance hook.
type Rebalancer struct {
	cfg Config

	// rules caches the symbol filters after the first fetch.
	rulesMtx sync.Mutex
	rules    *SymbolRules

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New validates the configuration and returns a rebalancer.
func New(cfg *Config) (*Rebalancer, error) {
	if cfg.Trader == nil || cfg.Store == nil || cfg.Ledger == nil ||
		cfg.Quotes == nil || cfg.ExchangeName == "" {

		return nil, errors.New("rebalancer dependency not configured")
	}

	rebalancer := &Rebalancer{
		cfg:  *cfg,
		quit: make(chan struct{}),
	}

	if rebalancer.cfg.Symbol == "" {
		rebalancer.cfg.Symbol = DefaultSymbol
	}
	if rebalancer.cfg.Interval == 0 {
		rebalancer.cfg.Interval = defaultInterval
	}

	return rebalancer, nil
}

// Enqueue accumulates one conversion's sats onto the direction's
// bucket. Trades happen on the sweep, not here, so pipelines never
// wait on the exchange.
func (r *Rebalancer) Enqueue(ctx context.Context,
	direction bridge.RebalanceDirection, sats int64) error {

	total, err := r.cfg.Store.Add(ctx, r.cfg.Symbol,
		string(direction), sats)
	if err != nil {
		return err
	}

	log.Debugf("Accumulated %v sats %v, %v sats pending", sats,
		direction, total)

	return nil
}

// Start launches the sweep loop.
func (r *Rebalancer) Start() error {
	r.started.Do(func() {
		r.wg.Add(1)
		go r.sweep()
	})

	return nil
}

// Stop shuts the sweep loop down and waits for it.
func (r *Rebalancer) Stop() error {
	r.stopped.Do(func() {
		close(r.quit)
	})
	r.wg.Wait()

	return nil
}

func (r *Rebalancer) sweep() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(
				context.Background(), time.Minute)
			if err := r.RunOnce(ctx); err != nil {
				log.Errorf("Rebalance sweep: %v", err)
			}
			cancel()

		case <-r.quit:
			return
		}
	}
}

// RunOnce checks both directions and trades whatever has accumulated
// past the execution floor.
func (r *Rebalancer) RunOnce(ctx context.Context) error {
	directions := []bridge.RebalanceDirection{
		bridge.SellBaseForQuote,
		bridge.BuyBaseWithQuote,
	}

	for _, direction := range directions {
		pending, err := r.cfg.Store.Pending(ctx, r.cfg.Symbol,
			string(direction))
		if err != nil {
			return err
		}

		if pending < r.cfg.MinSats || pending <= 0 {
			continue
		}

		if err := r.execute(ctx, direction, pending, false); err != nil {
			return err
		}
	}

	return nil
}

// Force trades the accumulated balance of one direction regardless of
// the operator's execution floor. The exchange's own filters still
// apply.
func (r *Rebalancer) Force(ctx context.Context,
	direction bridge.RebalanceDirection) error {

	pending, err := r.cfg.Store.Pending(ctx, r.cfg.Symbol,
		string(direction))
	if err != nil {
		return err
	}
	if pending <= 0 {
		return fmt.Errorf("nothing pending %v", direction)
	}

	return r.execute(ctx, direction, pending, true)
}

// execute trades sats worth of the base asset in the given direction
// and books the fill.
func (r *Rebalancer) execute(ctx context.Context,
	direction bridge.RebalanceDirection, sats int64,
	force bool) error {

	rules, err := r.symbolRules(ctx)
	if err != nil {
		return err
	}

	price, err := r.cfg.Trader.Price(ctx, r.cfg.Symbol)
	if err != nil {
		return err
	}
	if !price.IsPositive() {
		return fmt.Errorf("bad %v price: %v", r.cfg.Symbol, price)
	}

	satsPerBase := price.Mul(satsPerBTC)
	qty := rules.ClampQty(decimal.NewFromInt(sats).Div(satsPerBase))

	if !rules.Tradeable(qty, price) {
		if force {
			return fmt.Errorf("%w: %v %v", ErrBelowMinimums, qty,
				r.cfg.Symbol)
		}

		log.Debugf("%v sats %v not yet tradeable on %v", sats,
			direction, r.cfg.Symbol)
		return nil
	}

	side := SideSell
	if direction == bridge.BuyBaseWithQuote {
		side = SideBuy
	}

	order, err := r.cfg.Trader.MarketOrder(ctx, r.cfg.Symbol, side,
		qty)
	if err != nil {
		return err
	}

	log.Infof("Executed %v %v %v for %v BTC (order %v)", side,
		order.ExecutedQty, r.cfg.Symbol, order.QuoteQty,
		order.OrderID)

	executedSats := order.QuoteQty.Mul(satsPerBTC).IntPart()
	err = r.cfg.Store.Take(ctx, r.cfg.Symbol, string(direction),
		executedSats)
	if err != nil {
		return err
	}

	return r.bookExecution(ctx, direction, order)
}

// symbolRules fetches the symbol filters once and caches them.
func (r *Rebalancer) symbolRules(ctx context.Context) (*SymbolRules,
	error) {

	r.rulesMtx.Lock()
	defer r.rulesMtx.Unlock()

	if r.rules != nil {
		return r.rules, nil
	}

	rules, err := r.cfg.Trader.Rules(ctx, r.cfg.Symbol)
	if err != nil {
		return nil, err
	}

	r.rules = rules

	return rules, nil
}

// bookExecution cuts the ledger entries for a fill. Both sides are
// priced at the executed price, not the oracle quote, so the entry
// records what the exchange actually did; the oracle quote only
// supplies the USD legs.
func (r *Rebalancer) bookExecution(ctx context.Context,
	direction bridge.RebalanceDirection, order *OrderResult) error {

	quote, err := r.cfg.Quotes.QuoteAt(ctx, order.TransactTime)
	if err != nil {
		return err
	}

	price := order.AvgPrice()
	if !price.IsPositive() {
		return fmt.Errorf("order %v has no executed quantity",
			order.OrderID)
	}

	fill := quote
	fill.SatsHive = price.Mul(satsPerBTC)
	fill.HiveUSD = quote.BTCUSD.Mul(price)
	fill.HiveHBD = fill.HiveUSD.Div(quote.HBDUSD)
	fill.Source = strings.ToLower(r.cfg.ExchangeName) + " fill"
	fill.FetchTime = order.TransactTime

	hiveAmount := money.NewAmount(order.ExecutedQty, money.HIVE)
	hiveConv, err := money.NewConv(hiveAmount, fill)
	if err != nil {
		return err
	}

	msats := order.QuoteQty.Mul(msatsPerBTC).IntPart()
	satsAmount := money.MsatsAmount(msats)
	satsConv, err := money.ConvFromMsats(msats, fill)
	if err != nil {
		return err
	}

	hiveDeposits := ledger.NewAsset("Exchange Deposits Hive",
		r.cfg.ExchangeName)
	lightningDeposits := ledger.NewAsset("Exchange Deposits Lightning",
		r.cfg.ExchangeName)

	gid := fmt.Sprintf("%s-%d", strings.ToLower(order.Symbol),
		order.OrderID)
	shortID := strconv.FormatInt(order.OrderID, 10)

	params := ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", gid,
			ledger.ExchangeConversion),
		ShortID:   shortID,
		Type:      ledger.ExchangeConversion,
		Timestamp: order.TransactTime,
		CustID:    r.cfg.ExchangeName,
	}

	if direction == bridge.SellBaseForQuote {
		params.Description = fmt.Sprintf("Sell %s for %s sats on %s",
			hiveAmount, humanize.Comma(msats/1000),
			r.cfg.ExchangeName)
		params.Debit = lightningDeposits
		params.DebitAmount = satsAmount
		params.DebitConv = satsConv
		params.Credit = hiveDeposits
		params.CreditAmount = hiveAmount
		params.CreditConv = hiveConv
	} else {
		params.Description = fmt.Sprintf("Buy %s with %s sats on %s",
			hiveAmount, humanize.Comma(msats/1000),
			r.cfg.ExchangeName)
		params.Debit = hiveDeposits
		params.DebitAmount = hiveAmount
		params.DebitConv = hiveConv
		params.Credit = lightningDeposits
		params.CreditAmount = satsAmount
		params.CreditConv = satsConv
	}

	if err := r.saveEntry(ctx, params); err != nil {
		return err
	}

	return r.bookFees(ctx, order, fill, gid, shortID, hiveDeposits,
		lightningDeposits)
}

// bookFees expenses the exchange commissions of a fill. Commissions
// paid in assets the books do not carry are logged and skipped.
func (r *Rebalancer) bookFees(ctx context.Context, order *OrderResult,
	fill money.Quote, gid, shortID string, hiveDeposits,
	lightningDeposits ledger.Account) error {

	feeExpense := ledger.NewExpense("Fee Expenses Hive",
		r.cfg.ExchangeName)

	if hiveFee := order.Commission("HIVE"); hiveFee.IsPositive() {
		amount := money.NewAmount(hiveFee, money.HIVE)
		conv, err := money.NewConv(amount, fill)
		if err != nil {
			return err
		}

		err = r.saveEntry(ctx, ledger.EntryParams{
			GroupID: fmt.Sprintf("%s-%s", gid,
				ledger.ExchangeFees),
			ShortID:   shortID,
			Type:      ledger.ExchangeFees,
			Timestamp: order.TransactTime,
			Description: fmt.Sprintf("%s fee %s on order %d",
				r.cfg.ExchangeName, amount, order.OrderID),
			CustID:       r.cfg.ExchangeName,
			Debit:        feeExpense,
			Credit:       hiveDeposits,
			DebitAmount:  amount,
			CreditAmount: amount,
			DebitConv:    conv,
			CreditConv:   conv,
		})
		if err != nil {
			return err
		}
	}

	if btcFee := order.Commission("BTC"); btcFee.IsPositive() {
		msats := btcFee.Mul(msatsPerBTC).IntPart()
		amount := money.MsatsAmount(msats)
		conv, err := money.ConvFromMsats(msats, fill)
		if err != nil {
			return err
		}

		err = r.saveEntry(ctx, ledger.EntryParams{
			GroupID: fmt.Sprintf("%s-%s-btc", gid,
				ledger.ExchangeFees),
			ShortID:   shortID,
			Type:      ledger.ExchangeFees,
			Timestamp: order.TransactTime,
			Description: fmt.Sprintf("%s fee %d msats on order %d",
				r.cfg.ExchangeName, msats, order.OrderID),
			CustID:       r.cfg.ExchangeName,
			Debit:        feeExpense,
			Credit:       lightningDeposits,
			DebitAmount:  amount,
			CreditAmount: amount,
			DebitConv:    conv,
			CreditConv:   conv,
		})
		if err != nil {
			return err
		}
	}

	for _, f := range order.Fills {
		if f.CommissionAsset != "HIVE" && f.CommissionAsset != "BTC" &&
			f.Commission.IsPositive() {

			log.Warnf("Order %d commission %v %v not booked",
				order.OrderID, f.Commission, f.CommissionAsset)
		}
	}

	return nil
}

func (r *Rebalancer) saveEntry(ctx context.Context,
	params ledger.EntryParams) error {

	entry, err := ledger.NewEntry(params)
	if err != nil {
		return err
	}

	if err := r.cfg.Ledger.Save(ctx, entry); err != nil {
		return fmt.Errorf("save entry %v: %w", entry.GroupID, err)
	}

	log.Infof("%v", entry.LogLine())

	return nil
}
