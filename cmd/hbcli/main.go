package main

import (
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "hbcli"
	app.Usage = "command line tool for the hive lightning bridge"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "mongouri",
			Value: "mongodb://localhost:27017",
			Usage: "mongo connection string",
		},
		cli.StringFlag{
			Name:  "mongodb",
			Value: "hivebridge",
			Usage: "database holding the ops and ledger " +
				"collections",
		},
		cli.StringFlag{
			Name:  "redisaddr",
			Value: "localhost:6379",
			Usage: "host:port of the redis server",
		},
		cli.StringFlag{
			Name:  "redispassword",
			Usage: "redis password, empty for none",
		},
		cli.IntFlag{
			Name:  "redisdb",
			Usage: "redis database number",
		},
	}
	app.Commands = []cli.Command{
		balancesCommand,
		statementCommand,
		sheetCommand,
		profitAndLossCommand,
		locksCommand,
		pendingCommand,
		sanityCommand,
		rebalanceCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
