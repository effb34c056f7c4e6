package main

import (
	"context"

	"github.com/urfave/cli"

	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/pending"
)

var locksCommand = cli.Command{
	Name:     "locks",
	Category: "operations",
	Usage:    "Locks currently held in redis.",
	Description: "Lists every processing lock a daemon holds right " +
		"now, with its owner and remaining ttl.",
	Action: queryLocks,
}

func queryLocks(ctx *cli.Context) error {
	client, cleanUp := getStores(ctx)
	defer cleanUp()

	locks, err := client.locks.Active(context.Background())
	if err != nil {
		return err
	}

	printJSON(locks)

	return nil
}

var pendingCommand = cli.Command{
	Name:     "pending",
	Category: "operations",
	Usage:    "Hive broadcasts waiting to be resent.",
	Description: "Shows the transfers and custom jsons that failed " +
		"to broadcast and are queued for resending, together " +
		"with the per currency totals still owed.",
	Action: queryPending,
}

func queryPending(ctx *cli.Context) error {
	client, cleanUp := getStores(ctx)
	defer cleanUp()

	transfers, err := client.pending.Transfers(context.Background())
	if err != nil {
		return err
	}

	customJsons, err := client.pending.CustomJsons(
		context.Background(),
	)
	if err != nil {
		return err
	}

	totals, err := client.pending.Totals(context.Background())
	if err != nil {
		return err
	}

	printJSON(struct {
		Transfers   []*pending.Transfer             `json:"transfers"`
		CustomJsons []*pending.CustomJson           `json:"custom_jsons"`
		Totals      map[money.Currency]money.Amount `json:"totals"`
	}{
		Transfers:   transfers,
		CustomJsons: customJsons,
		Totals:      totals,
	})

	return nil
}
