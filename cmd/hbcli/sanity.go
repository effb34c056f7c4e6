package main

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli"

	"github.com/v4vapp/hivebridge/hive"
	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/lndwrap"
)

var sanityCommand = cli.Command{
	Name:     "sanity",
	Category: "operations",
	Usage:    "Audits the ledger against the hive chain and lnd.",
	Description: "Runs the ledger invariant checks: clearing " +
		"accounts at zero, a balanced balance sheet, customer " +
		"deposits matching the server's on chain balances, and " +
		"channel liquidity matching the external lightning " +
		"account. Checks whose source is not configured report " +
		"as failed with a note.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "serveraccount",
			Usage: "hive account the daemon operates as, " +
				"enables the on chain deposit check",
		},
		cli.StringFlag{
			Name:  "rpcserver",
			Usage: "host:port of lnd's rpc server",
		},
		cli.StringFlag{
			Name:  "tlscertpath",
			Usage: "path to lnd's tls certificate",
		},
		cli.StringFlag{
			Name:  "macaroondir",
			Usage: "directory containing lnd's macaroons",
		},
		cli.StringFlag{
			Name:  "macaroonfile",
			Value: "admin.macaroon",
			Usage: "macaroon to use inside macaroondir",
		},
		cli.StringFlag{
			Name:  "network",
			Value: "mainnet",
			Usage: "bitcoin network lnd runs on",
		},
	},
	Action: runSanity,
}

func runSanity(ctx *cli.Context) error {
	client, cleanUp := getStores(ctx)
	defer cleanUp()

	cfg := ledger.SanityConfigFromBalances(client.balances)
	cfg.ServerID = ctx.String("serveraccount")

	if cfg.ServerID != "" {
		hiveClient := hive.NewClient(&hive.Config{})
		cfg.HiveBalances = func(ctx context.Context,
			account string) (decimal.Decimal, decimal.Decimal,
			error) {

			acct, err := hiveClient.GetAccount(ctx, account)
			if err != nil {
				return decimal.Zero, decimal.Zero, err
			}

			return acct.HiveBalance.Value, acct.HBDBalance.Value,
				nil
		}
	}

	if ctx.String("rpcserver") != "" {
		lnd, err := lndwrap.NewClient(&lndwrap.Config{
			RPCServer:    ctx.String("rpcserver"),
			TLSCertPath:  ctx.String("tlscertpath"),
			MacaroonDir:  ctx.String("macaroondir"),
			MacaroonFile: ctx.String("macaroonfile"),
			Network:      ctx.String("network"),
		})
		if err != nil {
			return err
		}
		defer lnd.Close()

		cfg.LocalChannelSats = lnd.LocalChannelSats
	}

	results := ledger.NewSanity(cfg).RunAll(context.Background())
	printJSON(results)

	return nil
}
