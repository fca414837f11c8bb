package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "auction-engine"
	app.Usage = "real-time auction bidding engine"
	app.Action = cli.ShowAppHelp
	app.Commands = []*cli.Command{
		{
			Action:      serve,
			Name:        "serve",
			Usage:       "Start HTTP api and background workers",
			Category:    "Api",
			Description: `Runs the HTTP api, the lifecycle scheduler, the outbox relays and the reward worker in one process.`,
		},
		{
			Action:      sweepOnce,
			Name:        "sweep",
			Usage:       "Run one lifecycle sweep and exit",
			Category:    "Worker",
			Description: `Activates due auctions, ends expired ones and republishes pending events.`,
		},
		{
			Action:   migrate,
			Name:     "migrate",
			Usage:    "Create or update database tables",
			Category: "Database",
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
