package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli"
)

var sheetCommand = cli.Command{
	Name:     "sheet",
	Category: "ledger",
	Usage:    "Balance sheet of the whole ledger.",
	Description: "Aggregates every account into assets, liabilities " +
		"and equity, converted into sats. With --all the sheet " +
		"is shown in every currency the ledger quotes.",
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name: "as_of",
			Usage: "(optional) unix time the sheet is drawn " +
				"up for, defaults to now",
		},
		cli.BoolFlag{
			Name:  "all",
			Usage: "render the sheet in every currency",
		},
	},
	Action: querySheet,
}

func querySheet(ctx *cli.Context) error {
	client, cleanUp := getStores(ctx)
	defer cleanUp()

	var asOf time.Time
	if ctx.IsSet("as_of") {
		asOf = time.Unix(ctx.Int64("as_of"), 0)
	}

	sheet, err := client.balances.BalanceSheet(
		context.Background(), asOf,
	)
	if err != nil {
		return err
	}

	if ctx.Bool("all") {
		fmt.Println(sheet.AllCurrenciesPrintout())
		return nil
	}

	fmt.Println(sheet.Printout())

	return nil
}

var profitAndLossCommand = cli.Command{
	Name:     "pnl",
	Category: "ledger",
	Usage:    "Income statement over a trailing window.",
	Description: "Sums the revenue and expense accounts over the " +
		"window ending at --as_of. Without --days the whole " +
		"history is covered.",
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name: "as_of",
			Usage: "(optional) unix end of the window, " +
				"defaults to now",
		},
		cli.IntFlag{
			Name: "days",
			Usage: "(optional) trailing days to cover, zero " +
				"for all history",
		},
	},
	Action: queryProfitAndLoss,
}

func queryProfitAndLoss(ctx *cli.Context) error {
	client, cleanUp := getStores(ctx)
	defer cleanUp()

	var asOf time.Time
	if ctx.IsSet("as_of") {
		asOf = time.Unix(ctx.Int64("as_of"), 0)
	}

	age := time.Duration(ctx.Int("days")) * 24 * time.Hour

	pnl, err := client.balances.ProfitAndLoss(
		context.Background(), asOf, age,
	)
	if err != nil {
		return err
	}

	fmt.Println(pnl.Printout())

	return nil
}
