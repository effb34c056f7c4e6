// Package hivebridge contains the main function for the bridge daemon.
package hivebridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/v4vapp/hivebridge/bridge"
	"github.com/v4vapp/hivebridge/exchange"
	"github.com/v4vapp/hivebridge/hive"
	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/lndevents"
	"github.com/v4vapp/hivebridge/lndwrap"
	"github.com/v4vapp/hivebridge/lnurl"
	"github.com/v4vapp/hivebridge/lock"
	"github.com/v4vapp/hivebridge/ops"
	"github.com/v4vapp/hivebridge/pending"
	"github.com/v4vapp/hivebridge/prices"
	"github.com/v4vapp/hivebridge/utils"

	"github.com/shopspring/decimal"
)

const (
	// exchangeName is the sub account rebalance trades are booked
	// against.
	exchangeName = "binance"

	// quoteRefreshInterval is how often the live quote is refreshed so
	// that the rate store keeps a history for back-dated pricing.
	quoteRefreshInterval = time.Minute

	// sanityInterval is how often the ledger sanity checks run.
	sanityInterval = time.Hour
)

// Main is the real entry point for hivebridge. It is required to ensure
// that defers are properly executed when os.Exit() is called.
func Main() error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %v", err)
	}

	interceptor, err := signal.Intercept()
	if err != nil {
		return fmt.Errorf("cannot intercept signals: %v", err)
	}

	logWriter := build.NewRotatingLogWriter()
	logMgr := build.NewSubLoggerManager(build.NewDefaultLogHandlers(
		build.DefaultLogConfig(), logWriter,
	)...)
	SetupLoggers(logMgr, interceptor)

	// Everything below runs until shutdown cancels this context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mongoClient, err := mongo.Connect(
		ctx, options.Client().ApplyURI(cfg.Mongo.URI),
	)
	if err != nil {
		return fmt.Errorf("cannot connect to mongo: %v", err)
	}
	defer func() {
		_ = mongoClient.Disconnect(context.Background())
	}()
	db := mongoClient.Database(cfg.Mongo.Database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	lnd, err := lndwrap.NewClient(&lndwrap.Config{
		RPCServer:    cfg.Lnd.RPCServer,
		TLSCertPath:  cfg.Lnd.TLSCertPath,
		MacaroonDir:  cfg.Lnd.MacaroonDir,
		MacaroonFile: cfg.Lnd.MacaroonFile,
		Network:      cfg.Lnd.Network(),
	})
	if err != nil {
		return fmt.Errorf("cannot connect to lightning client: %v",
			err)
	}
	defer lnd.Close()

	// The node may still be starting; wait for it rather than fail the
	// whole daemon on a slow boot.
	err = utils.Retry(ctx, func() error {
		return lnd.CheckConnection(ctx)
	})
	if err != nil {
		return fmt.Errorf("lightning node unreachable: %v", err)
	}

	nodeName := cfg.Hive.NodeName
	if nodeName == "" {
		info, err := lnd.Info(ctx)
		if err != nil {
			return fmt.Errorf("cannot read node info: %v", err)
		}
		nodeName = info.Alias
	}

	// Stores.
	opStore := ops.NewStore(db)
	cache := ledger.NewCache(rdb, 0)
	ledgerStore := ledger.NewStore(db, cache)
	balances := ledger.NewBalances(ledgerStore, cache)
	limits := ledger.NewLimitChecker(ledgerStore, cfg.Limits.RateLimits())
	pendingStore := pending.NewStore(db)
	rateStore := prices.NewStore(db)
	exchangeStore := exchange.NewStore(db)

	prepare := []func(context.Context) error{
		opStore.EnsureIndexes,
		ledgerStore.EnsureIndexes,
		pendingStore.EnsureIndexes,
		exchangeStore.EnsureIndexes,
		rateStore.EnsureCollection,
	}
	for _, ensure := range prepare {
		if err := ensure(ctx); err != nil {
			return fmt.Errorf("cannot prepare collections: %v",
				err)
		}
	}

	// Hive. Without a signer the client logs broadcasts instead of
	// sending them, which is the dry-run mode.
	var (
		signer    hive.Signer
		decrypter hive.MemoDecrypter
	)
	if cfg.Hive.SignerEndpoint != "" {
		remote := hive.NewRemoteSigner(cfg.Hive.SignerEndpoint)
		signer = remote
		decrypter = remote
	} else {
		log.Warnf("No signer configured, hive broadcasts are " +
			"logged only")
	}

	nodes := cfg.Hive.Nodes
	if len(nodes) == 0 {
		nodes = hive.NewNodeSource(rdb).GoodNodes(ctx)
	}
	hiveClient := hive.NewClient(&hive.Config{
		Nodes:       nodes,
		Signer:      signer,
		NoBroadcast: signer == nil,
	})
	badActors := hive.NewBadActorSource(rdb, cfg.Hive.BadActors)

	// Prices.
	backends := make([]prices.Backend, 0, len(cfg.Prices.Sources))
	for _, source := range cfg.Prices.Sources {
		backend, err := prices.NewBackend(
			source, cfg.Prices.CoinMarketCapKey,
		)
		if err != nil {
			return fmt.Errorf("cannot build quote backend: %v",
				err)
		}
		backends = append(backends, backend)
	}
	quotes := prices.NewService(
		backends,
		prices.WithStore(rateStore),
		prices.WithHiveHBD(hiveClient.InternalMarketRate),
	)

	locks := lock.NewManager(rdb)
	resolver := lnurl.NewClient(&lnurl.Config{})

	// The rebalancer only runs with exchange credentials; without them
	// conversions run unhedged.
	var rebalancer *exchange.Rebalancer
	if cfg.Exchange.APIKey != "" {
		rebalancer, err = exchange.New(&exchange.Config{
			Trader: exchange.NewBinance(&exchange.BinanceConfig{
				APIKey:    cfg.Exchange.APIKey,
				APISecret: cfg.Exchange.APISecret,
				Testnet:   cfg.Exchange.Testnet,
			}),
			Store:        exchangeStore,
			Ledger:       ledgerStore,
			Quotes:       quotes,
			ExchangeName: exchangeName,
			MinSats:      cfg.Exchange.MinSats,
			Interval:     cfg.Exchange.Interval,
		})
		if err != nil {
			return fmt.Errorf("cannot build rebalancer: %v", err)
		}
	}

	bridgeCfg := &bridge.Config{
		Ops:              opStore,
		Ledger:           ledgerStore,
		Balances:         balances,
		Limits:           limits,
		Locks:            locks,
		Chain:            hiveClient,
		Lightning:        lnd,
		Lnurl:            resolver,
		Quotes:           quotes,
		Pending:          pendingStore,
		BadActors:        badActors,
		Fees:             cfg.Fees.FeeSchedule(),
		ServerAccount:    cfg.Hive.ServerAccount,
		TreasuryAccount:  cfg.Hive.TreasuryAccount,
		FundingAccount:   cfg.Hive.FundingAccount,
		ExchangeAccounts: cfg.Hive.ExchangeAccounts,
		NodeName:         nodeName,
		SuspectAccount:   cfg.Hive.SuspectAccount,
		TinySats:         cfg.Fees.TinySats,
	}
	if rebalancer != nil {
		bridgeCfg.Rebalancer = rebalancer
	}
	processor, err := bridge.New(bridgeCfg)
	if err != nil {
		return fmt.Errorf("cannot build bridge: %v", err)
	}

	sanity := ledger.NewSanity(&ledger.SanityConfig{
		AccountBalance: func(ctx context.Context,
			account ledger.Account) (*ledger.AccountBalance,
			error) {

			return balances.AccountBalance(
				ctx, account, time.Time{}, 0,
			)
		},
		BalanceSheet: func(ctx context.Context) (
			*ledger.BalanceSheet, error) {

			return balances.BalanceSheet(ctx, time.Time{})
		},
		ServerID: cfg.Hive.ServerAccount,
		HiveBalances: func(ctx context.Context, account string) (
			hiveBal, hbdBal decimal.Decimal, err error) {

			acct, err := hiveClient.GetAccount(ctx, account)
			if err != nil {
				return decimal.Zero, decimal.Zero, err
			}

			return acct.HiveBalance.Value, acct.HBDBalance.Value,
				nil
		},
		LocalChannelSats: lnd.LocalChannelSats,
	})

	tracker := lndevents.NewTracker(lndevents.TrackerConfig{Lnd: lnd})
	if err := tracker.FillChannelNames(ctx); err != nil {
		log.Warnf("Could not fill channel names: %v", err)
	}

	resender := pending.NewResender(&pending.ResenderConfig{
		Store:         pendingStore,
		Chain:         hiveClient,
		ServerAccount: cfg.Hive.ServerAccount,
	})

	// Backfill the invoice history before subscribing so the stream
	// can resume from the newest known indices.
	var addIndex, settleIndex uint64
	err = lnd.ImportInvoices(ctx, func(proto *lnrpc.Invoice) error {
		if proto.AddIndex > addIndex {
			addIndex = proto.AddIndex
		}
		if proto.SettleIndex > settleIndex {
			settleIndex = proto.SettleIndex
		}

		return saveNewOp(ctx, opStore, ops.InvoiceFromProto(proto))
	})
	if err != nil {
		return fmt.Errorf("cannot import invoices: %v", err)
	}

	// Every saved op comes back off the change streams and is
	// dispatched, so processing survives a crash between the write and
	// the pipeline; replays are absorbed by the processed stamp.
	dispatchDoc := func(ctx context.Context, doc bson.Raw) error {
		op, err := ops.DecodeOp(doc)
		if err != nil {
			return err
		}

		return processor.Dispatch(ctx, op)
	}
	// Journal writes also land from operator tooling and from other
	// replicas, so cached balances are invalidated off the stream
	// rather than only on this process's own saves.
	invalidateDoc := func(ctx context.Context, doc bson.Raw) error {
		var entry struct {
			Debit  ledger.Account `bson:"debit"`
			Credit ledger.Account `bson:"credit"`
		}
		if err := bson.Unmarshal(doc, &entry); err != nil {
			return err
		}

		cache.InvalidateAccounts(ctx, entry.Debit, entry.Credit)

		return nil
	}
	logRateDoc := func(_ context.Context, doc bson.Raw) error {
		var rate struct {
			Source    string    `bson:"source"`
			Timestamp time.Time `bson:"timestamp"`
		}
		if err := bson.Unmarshal(doc, &rate); err != nil {
			return err
		}

		log.Debugf("Rate snapshot from %v at %v", rate.Source,
			rate.Timestamp)

		return nil
	}

	// The dispatcher stamps process_time and pushes replies on the
	// same documents the ops watches follow; ignoring those fields
	// keeps its own bookkeeping writes from re-delivering every op.
	ignored := []string{"process_time", "replies"}
	monitor := ops.NewMonitor(
		db, ops.NewRedisTokenStore(rdb),
		ops.WatchSpec{
			Name:       ops.WatchHiveOps,
			Collection: ops.CollectionOps,
			Pipeline:   ops.HiveOpsPipeline(ignored...),
			Handler:    dispatchDoc,
		},
		ops.WatchSpec{
			Name:       ops.WatchInvoices,
			Collection: ops.CollectionOps,
			Pipeline:   ops.InvoicesPipeline(ignored...),
			Handler:    dispatchDoc,
		},
		ops.WatchSpec{
			Name:       ops.WatchPayments,
			Collection: ops.CollectionOps,
			Pipeline:   ops.PaymentsPipeline(ignored...),
			Handler:    dispatchDoc,
		},
		ops.WatchSpec{
			Name:       ops.WatchLedger,
			Collection: ledger.CollectionLedger,
			Pipeline:   ops.LedgerPipeline(),
			Handler:    invalidateDoc,
		},
		ops.WatchSpec{
			Name:       ops.WatchRates,
			Collection: prices.CollectionRates,
			Pipeline:   ops.RatesPipeline(),
			Handler:    logRateDoc,
		},
	)

	if rebalancer != nil {
		if err := rebalancer.Start(); err != nil {
			return fmt.Errorf("cannot start rebalancer: %v", err)
		}
		defer func() {
			if err := rebalancer.Stop(); err != nil {
				log.Errorf("Stopping rebalancer: %v", err)
			}
		}()
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Criticalf("%v failed: %v", name, err)
				interceptor.RequestShutdown()
			}
		}()
	}

	run("change monitor", monitor.Run)
	run("pending resender", resender.Run)
	watchUsers := make(map[string]struct{})
	for _, user := range cfg.Hive.WatchUsers {
		watchUsers[user] = struct{}{}
	}

	run("hive stream", func(ctx context.Context) error {
		return runHiveStream(ctx, cfg.Hive.StartBlock, hiveClient,
			decrypter, opStore, watchUsers)
	})
	run("invoice subscription", func(ctx context.Context) error {
		return runInvoices(ctx, lnd, opStore, tracker, addIndex,
			settleIndex)
	})
	run("payment subscription", func(ctx context.Context) error {
		return runPayments(ctx, lnd, opStore, tracker)
	})
	run("htlc subscription", func(ctx context.Context) error {
		return runHtlcEvents(ctx, lnd, tracker)
	})
	run("quote refresh", func(ctx context.Context) error {
		return runQuoteRefresh(ctx, quotes)
	})
	run("sanity checks", func(ctx context.Context) error {
		return runSanity(ctx, sanity)
	})

	log.Infof("Bridge running as %v on node %v",
		cfg.Hive.ServerAccount, nodeName)

	// Run until the user terminates.
	<-interceptor.ShutdownChannel()
	log.Infof("Received shutdown signal.")

	cancel()
	wg.Wait()

	return nil
}

// saveNewOp stores an op unless an earlier run already processed it, so
// re-imports and replayed stream events never wipe a processed stamp.
func saveNewOp(ctx context.Context, store *ops.Store, op ops.Op) error {
	stored, err := store.Load(ctx, op.Common().GroupID)
	if err == nil && stored.Common().Processed() {
		return nil
	}
	if err != nil && !errors.Is(err, ops.ErrOpNotFound) {
		return err
	}

	return store.Save(ctx, op)
}

// runHiveStream reads tracked operations off the chain and stores them
// for dispatch. Position markers replace the stored stream position;
// ops the bridge never acts on are dropped before the store.
func runHiveStream(ctx context.Context, startBlock int64,
	client *hive.Client, decrypter hive.MemoDecrypter,
	store *ops.Store, watchUsers map[string]struct{}) error {

	start := startBlock
	if start == 0 {
		marker, err := store.LoadBlockMarker(ctx)
		switch {
		case err == nil:
			start = marker.BlockNum + 1

		case errors.Is(err, ops.ErrOpNotFound):
			// First run, start at the head.

		default:
			return err
		}
	}

	opChan, errChan, err := client.StreamOps(ctx, hive.StreamConfig{
		Start:     start,
		Decrypter: decrypter,
	})
	if err != nil {
		return err
	}

	for {
		select {
		case op, ok := <-opChan:
			if !ok {
				return nil
			}

			if skipHiveOp(op) {
				continue
			}

			notifyWatched(op, watchUsers)

			if err := saveNewOp(ctx, store, op); err != nil {
				log.Errorf("Could not store op %v: %v",
					op.Common().GroupID, err)
			}

		case err := <-errChan:
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// notifyWatched surfaces transfers touching a watched account.
func notifyWatched(op ops.Op, watchUsers map[string]struct{}) {
	if len(watchUsers) == 0 {
		return
	}

	transfer, ok := op.(*ops.Transfer)
	if !ok {
		return
	}

	_, fromWatched := watchUsers[transfer.From]
	_, toWatched := watchUsers[transfer.To]
	if fromWatched || toWatched {
		log.Infof("Watched transfer: %v", transfer.LogLine())
	}
}

// skipHiveOp drops stream ops the pipelines would only skip: foreign
// custom_jsons and the bridge's own notifications. Markers pass, they
// carry the stream position.
func skipHiveOp(op ops.Op) bool {
	customJson, ok := op.(*ops.CustomJson)
	if !ok {
		return false
	}

	return !customJson.Recognized() ||
		customJson.CJID == ops.KeepsatsNotificationID
}

// runInvoices follows the node's invoice stream. Settled invoices are
// stored for dispatch, every update feeds the event tracker.
func runInvoices(ctx context.Context, lnd *lndwrap.Client,
	store *ops.Store, tracker *lndevents.Tracker, addIndex,
	settleIndex uint64) error {

	invChan, errChan, err := lnd.SubscribeInvoices(
		ctx, addIndex, settleIndex,
	)
	if err != nil {
		return err
	}

	for {
		select {
		case invoice, ok := <-invChan:
			if !ok {
				return nil
			}

			go tracker.TrackInvoice(ctx, invoice)

			if invoice.State != lnrpc.Invoice_SETTLED {
				continue
			}

			inv := ops.InvoiceFromProto(invoice)
			if err := saveNewOp(ctx, store, inv); err != nil {
				log.Errorf("Could not store invoice %v: %v",
					inv.GroupID, err)
			}

		case err := <-errChan:
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runPayments follows the node's payment stream. Terminal payments are
// stored for dispatch, every update feeds the event tracker.
func runPayments(ctx context.Context, lnd *lndwrap.Client,
	store *ops.Store, tracker *lndevents.Tracker) error {

	payChan, errChan, err := lnd.SubscribePayments(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case payment, ok := <-payChan:
			if !ok {
				return nil
			}

			go tracker.TrackPayment(ctx, payment)

			terminal := payment.Status == lnrpc.Payment_SUCCEEDED ||
				payment.Status == lnrpc.Payment_FAILED
			if !terminal {
				continue
			}

			pmt := ops.PaymentFromProto(payment)
			if err := saveNewOp(ctx, store, pmt); err != nil {
				log.Errorf("Could not store payment %v: %v",
					pmt.GroupID, err)
			}

		case err := <-errChan:
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runHtlcEvents feeds forwarding events to the tracker.
func runHtlcEvents(ctx context.Context, lnd *lndwrap.Client,
	tracker *lndevents.Tracker) error {

	eventChan, errChan, err := lnd.SubscribeHtlcEvents(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				return nil
			}

			go tracker.TrackHtlc(ctx, event)

		case err := <-errChan:
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runQuoteRefresh keeps the live quote fresh so back-dated pricing
// always finds a stored rate nearby. Latest only hits the backends
// once the cached quote has gone stale.
func runQuoteRefresh(ctx context.Context, quotes *prices.Service) error {
	ticker := time.NewTicker(quoteRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := quotes.Latest(ctx); err != nil {
				log.Warnf("Quote refresh: %v", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runSanity runs the ledger sanity checks on a cadence, logging
// failures.
func runSanity(ctx context.Context, sanity *ledger.Sanity) error {
	ticker := time.NewTicker(sanityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sanity.LogAll(ctx, true, "")

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Compile-time wiring checks: the concrete clients satisfy the
// pipeline interfaces.
var (
	_ bridge.Chain       = (*hive.Client)(nil)
	_ bridge.Lightning   = (*lndwrap.Client)(nil)
	_ bridge.PayResolver = (*lnurl.Client)(nil)
	_ bridge.Rebalancer  = (*exchange.Rebalancer)(nil)
	_ ops.QuoteSource    = (*prices.Service)(nil)
)
