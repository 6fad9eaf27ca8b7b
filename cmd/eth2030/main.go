// Command eth2030 runs a CORE node: state engine, chain manager,
// consensus, sync engine, transaction pool and JSON-RPC façade.
//
// Usage:
//
//	eth2030 [flags]
//	eth2030 keygen
//	eth2030 create_account
//	eth2030 clean [flags]
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mapprotocol/ori/log"
	"github.com/mapprotocol/ori/node"
)

// version is overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0"
var version = "v0.1.0-dev"

func main() {
	app := &cli.App{
		Name:    "eth2030",
		Usage:   "a proof-of-stake blockchain node",
		Version: version,
		Flags:   nodeFlags,
		Action:  runNode,
		Commands: []*cli.Command{
			keygenCommand,
			createAccountCommand,
			cleanCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "eth2030: %v\n", err)
		os.Exit(1)
	}
}

// runNode is the default action: start the node and block until a
// termination signal arrives.
func runNode(c *cli.Context) error {
	cfg := configFromContext(c)

	log.SetDefault(log.NewWithFormat(log.ParseLevel(cfg.LogLevel), cfg.LogFormat))
	logger := log.Default().Module("main")
	logger.Info("starting eth2030", "version", version, "datadir", cfg.DataDir)

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	if err := n.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	if err := n.Stop(); err != nil {
		return fmt.Errorf("stop node: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
