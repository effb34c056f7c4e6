package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli"

	"github.com/v4vapp/hivebridge/utils"
)

var balancesCommand = cli.Command{
	Name:     "balances",
	Category: "ledger",
	Usage:    "Closing balances of every ledger account.",
	Description: "Computes the closing balance of every account " +
		"seen in the ledger as of now. With --custid only that " +
		"customer's spendable keepsats balance is shown.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "custid",
			Usage: "(optional) customer to show the keepsats " +
				"balance for",
		},
	},
	Action: queryBalances,
}

func queryBalances(ctx *cli.Context) error {
	client, cleanUp := getStores(ctx)
	defer cleanUp()

	if custID := ctx.String("custid"); custID != "" {
		sats, balance, err := client.balances.KeepsatsBalance(
			context.Background(), custID,
		)
		if err != nil {
			return err
		}

		fmt.Printf("%v holds %v msats\n", custID, sats)
		fmt.Println(balance.Printout(false))

		return nil
	}

	balances, err := client.balances.AllBalances(
		context.Background(), time.Time{},
	)
	if err != nil {
		return err
	}

	for _, balance := range balances {
		fmt.Println(balance.Printout(false))
	}

	return nil
}

var statementCommand = cli.Command{
	Name:     "statement",
	Category: "ledger",
	Usage:    "Full statement of a single ledger account.",
	Description: "Lists every entry touching the account together " +
		"with its running balance. The account is addressed by " +
		"--name, --type and an optional --sub.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "name",
			Usage: "name of the account, as on the chart",
		},
		cli.StringFlag{
			Name: "type",
			Usage: "one of asset, liability, equity, revenue, " +
				"expense",
			Value: "asset",
		},
		cli.StringFlag{
			Name: "sub",
			Usage: "(optional) sub account, a customer or " +
				"exchange id",
		},
		cli.BoolFlag{
			Name:  "contra",
			Usage: "the account carries a reversed sign",
		},
		cli.Int64Flag{
			Name: "start_time",
			Usage: "(optional) unix start of the statement " +
				"window",
		},
		cli.Int64Flag{
			Name: "end_time",
			Usage: "(optional) unix end of the statement " +
				"window, defaults to now",
		},
	},
	Action: queryStatement,
}

func queryStatement(ctx *cli.Context) error {
	account, err := accountFromFlags(ctx)
	if err != nil {
		return err
	}

	var (
		asOf time.Time
		age  time.Duration
	)
	if ctx.IsSet("end_time") {
		asOf = time.Unix(ctx.Int64("end_time"), 0)
	}
	if ctx.IsSet("start_time") {
		start := time.Unix(ctx.Int64("start_time"), 0)

		end := asOf
		if end.IsZero() {
			end = time.Now()
		}

		err := utils.ValidateTimeRange(
			start, end, utils.DisallowFutureRange,
		)
		if err != nil {
			return err
		}

		age = end.Sub(start)
	}

	client, cleanUp := getStores(ctx)
	defer cleanUp()

	statement, err := client.balances.Statement(
		context.Background(), account, asOf, age,
	)
	if err != nil {
		return err
	}

	fmt.Println(statement.Printout(true))

	return nil
}
