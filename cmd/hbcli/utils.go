package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/lock"
	"github.com/v4vapp/hivebridge/pending"
)

// connectTimeout bounds the initial mongo connection.
const connectTimeout = 10 * time.Second

// fatal logs an error and exits.
func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "[hbcli] %v\n", err)
	os.Exit(1)
}

// printJSON prints a value as indented json.
func printJSON(resp interface{}) {
	b, err := json.Marshal(resp)
	if err != nil {
		fatal(err)
	}

	var out bytes.Buffer
	_ = json.Indent(&out, b, "", "\t")
	out.WriteString("\n")
	_, _ = out.WriteTo(os.Stdout)
}

// stores bundles the read-side clients a command works against.
type stores struct {
	db       *mongo.Database
	ledger   *ledger.Store
	balances *ledger.Balances
	pending  *pending.Store
	locks    *lock.Manager
	redis    *redis.Client
}

// getStores connects to mongo and redis from the global flags and
// returns the read-side stores.
func getStores(ctx *cli.Context) (*stores, func()) {
	connectCtx, cancel := context.WithTimeout(
		context.Background(), connectTimeout,
	)
	defer cancel()

	mongoClient, err := mongo.Connect(
		connectCtx,
		options.Client().ApplyURI(ctx.GlobalString("mongouri")),
	)
	if err != nil {
		fatal(fmt.Errorf("cannot connect to mongo: %v", err))
	}
	db := mongoClient.Database(ctx.GlobalString("mongodb"))

	rdb := redis.NewClient(&redis.Options{
		Addr:     ctx.GlobalString("redisaddr"),
		Password: ctx.GlobalString("redispassword"),
		DB:       ctx.GlobalInt("redisdb"),
	})

	// The cli reads straight from the collections; the daemon owns the
	// cache, so none is wired here.
	ledgerStore := ledger.NewStore(db, nil)

	cleanUp := func() {
		_ = rdb.Close()
		_ = mongoClient.Disconnect(context.Background())
	}

	return &stores{
		db:       db,
		ledger:   ledgerStore,
		balances: ledger.NewBalances(ledgerStore, nil),
		pending:  pending.NewStore(db),
		locks:    lock.NewManager(rdb),
		redis:    rdb,
	}, cleanUp
}

// accountTypes maps the --type flag to the ledger's account types.
var accountTypes = map[string]ledger.AccountType{
	"asset":     ledger.TypeAsset,
	"liability": ledger.TypeLiability,
	"equity":    ledger.TypeEquity,
	"revenue":   ledger.TypeRevenue,
	"expense":   ledger.TypeExpense,
}

// accountFromFlags builds the ledger account a command addresses.
func accountFromFlags(ctx *cli.Context) (ledger.Account, error) {
	accountType, ok := accountTypes[ctx.String("type")]
	if !ok {
		return ledger.Account{}, fmt.Errorf("unknown account type "+
			"%v, use one of asset, liability, equity, revenue, "+
			"expense", ctx.String("type"))
	}

	account := ledger.Account{
		Name:   ctx.String("name"),
		Type:   accountType,
		Sub:    ctx.String("sub"),
		Contra: ctx.Bool("contra"),
	}
	if account.Name == "" {
		return ledger.Account{}, fmt.Errorf("--name is required")
	}

	return account, nil
}
