package main

import (
	"github.com/urfave/cli/v2"

	"github.com/mapprotocol/ori/node"
)

// Flags make up the node's CLI surface: datadir, log level, RPC bind,
// P2P port, bootstrap peers, the single-validator dev switch, the
// RPC/validator signing key, and the proposer-role switch.
var (
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "root data directory",
		Value: node.DefaultConfig().DataDir,
	}
	logFlag = &cli.StringFlag{
		Name:  "log",
		Usage: "log level (trace|debug|info|warn|error|crit)",
		Value: "info",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log_format",
		Usage: "log line format (text|json|color)",
		Value: node.DefaultConfig().LogFormat,
	}
	rpcAddrFlag = &cli.StringFlag{
		Name:  "rpc_addr",
		Usage: "JSON-RPC HTTP bind address",
		Value: "127.0.0.1",
	}
	rpcPortFlag = &cli.IntFlag{
		Name:  "rpc_port",
		Usage: "JSON-RPC HTTP port",
		Value: 9545,
	}
	p2pPortFlag = &cli.IntFlag{
		Name:  "p2p_port",
		Usage: "P2P listen port",
		Value: 40313,
	}
	dialAddrsFlag = &cli.StringSliceFlag{
		Name:  "dial_addrs",
		Usage: "comma-separated multiaddrs to dial on startup",
	}
	singleFlag = &cli.BoolFlag{
		Name:  "single",
		Usage: "enable dev single-validator mode",
	}
	keyFlag = &cli.StringFlag{
		Name:  "key",
		Usage: "hex-encoded validator/RPC signing key seed",
	}
	sealFlag = &cli.BoolFlag{
		Name:  "seal",
		Usage: "enable the proposer role (block production)",
	}
)

// nodeFlags is the flag set for the root command (run the node).
var nodeFlags = []cli.Flag{
	datadirFlag,
	logFlag,
	logFormatFlag,
	rpcAddrFlag,
	rpcPortFlag,
	p2pPortFlag,
	dialAddrsFlag,
	singleFlag,
	keyFlag,
	sealFlag,
}

// configFromContext builds a node.Config from the resolved CLI flags.
func configFromContext(c *cli.Context) node.Config {
	cfg := node.DefaultConfig()
	cfg.DataDir = c.String(datadirFlag.Name)
	cfg.LogLevel = c.String(logFlag.Name)
	cfg.LogFormat = c.String(logFormatFlag.Name)
	cfg.RPCAddr = c.String(rpcAddrFlag.Name)
	cfg.RPCPort = c.Int(rpcPortFlag.Name)
	cfg.P2PPort = c.Int(p2pPortFlag.Name)
	cfg.DialAddrs = c.StringSlice(dialAddrsFlag.Name)
	cfg.Single = c.Bool(singleFlag.Name)
	cfg.Key = c.String(keyFlag.Name)
	cfg.Seal = c.Bool(sealFlag.Name)
	return cfg
}
