package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/usdb-labs/vaultd/internal/config"
)

// Version will be set during build time
var Version string

func main() {
	app := cli.NewApp()
	app.Name = "vaultd"
	app.Usage = "taproot BTC collateral vault daemon"
	app.Version = Version
	app.Flags = config.Flags
	app.Commands = append(
		app.Commands,
		startCmd,
		infoCmd,
		descriptorCmd,
		previewCmd,
		mintCmd,
		vaultCmd,
		withdrawCmd,
	)
	app.Action = startAction

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		log.Exit(1)
	}
}
