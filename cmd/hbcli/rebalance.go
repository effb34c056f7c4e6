package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli"

	"github.com/v4vapp/hivebridge/bridge"
	"github.com/v4vapp/hivebridge/exchange"
	"github.com/v4vapp/hivebridge/prices"
)

var rebalanceCommand = cli.Command{
	Name:     "rebalance",
	Category: "operations",
	Usage:    "Trades one direction's accumulated drift now.",
	Description: "Forces the accumulated conversion drift of one " +
		"direction through the exchange, ignoring the daemon's " +
		"execution floor. The exchange's own trading filters " +
		"still apply. Direction sell trades hive for sats, buy " +
		"trades sats for hive.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "direction",
			Usage: "one of sell, buy",
		},
		cli.StringFlag{
			Name:  "apikey",
			Usage: "binance api key",
		},
		cli.StringFlag{
			Name:  "apisecret",
			Usage: "binance api secret",
		},
		cli.BoolFlag{
			Name:  "exchtestnet",
			Usage: "trade against the binance spot testnet",
		},
		cli.StringFlag{
			Name:  "symbol",
			Value: exchange.DefaultSymbol,
			Usage: "spot pair to trade",
		},
	},
	Action: forceRebalance,
}

func forceRebalance(ctx *cli.Context) error {
	var direction bridge.RebalanceDirection
	switch ctx.String("direction") {
	case "sell":
		direction = bridge.SellBaseForQuote
	case "buy":
		direction = bridge.BuyBaseWithQuote
	default:
		return fmt.Errorf("unknown direction %v, use sell or buy",
			ctx.String("direction"))
	}

	if ctx.String("apikey") == "" || ctx.String("apisecret") == "" {
		return fmt.Errorf("--apikey and --apisecret are required")
	}

	client, cleanUp := getStores(ctx)
	defer cleanUp()

	backend, err := prices.NewBackend("binance", "")
	if err != nil {
		return err
	}

	rebalancer, err := exchange.New(&exchange.Config{
		Trader: exchange.NewBinance(&exchange.BinanceConfig{
			APIKey:    ctx.String("apikey"),
			APISecret: ctx.String("apisecret"),
			Testnet:   ctx.Bool("exchtestnet"),
		}),
		Store:        exchange.NewStore(client.db),
		Ledger:       client.ledger,
		Quotes:       prices.NewService([]prices.Backend{backend}),
		Symbol:       ctx.String("symbol"),
		ExchangeName: "binance",
	})
	if err != nil {
		return err
	}

	err = rebalancer.Force(context.Background(), direction)
	if err != nil {
		return err
	}

	fmt.Printf("traded pending %v on %v\n", direction,
		ctx.String("symbol"))

	return nil
}
