package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	x402 "github.com/vitwit/awesome402"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "awesome402",
		Usage: "x402 payment facilitator and paying HTTP client",
		Description: `Run a facilitator that verifies and settles x402 payments on EVM and
Solana networks, or fetch a paid resource as a buyer.`,
		Version: fmt.Sprintf("%s (commit: %s, library: %s)", version, commit, x402.Version),
		Commands: []*cli.Command{
			{
				Name:  "facilitator",
				Usage: "Facilitator commands",
				Subcommands: []*cli.Command{
					serveCommand(),
					supportedCommand(),
				},
			},
			fetchCommand(),
		},
	}
}
