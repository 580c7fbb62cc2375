/*
main.go - walletctl entry point

PURPOSE:
  Operator CLI over a configured wallet ledger. Every subcommand loads the
  config, wires the ledger through the factory, runs one operation and
  prints the result as JSON.

COMMANDS:
  balance     --client C --country CC --currency CUR [--issuer I]
  credit AMT  --ref R  <key flags>
  debit AMT   --ref R  <key flags>
  void REF
  balances CLIENT
  transfer ID_OR_REF
  partitions
  verify      [--partition N]   (0 checks every partition)

CONFIGURATION:
  --config wallet.yaml (default), overridden by .env and LEDGER_* env vars.
  See config/config.go. The memory driver forgets everything between
  invocations; use sqlite, pebble or postgres.

EXAMPLES:
  walletctl --config prod.yaml credit 50.00 --ref order-42 \
      --client alice --country US --currency USD
  walletctl void order-42
  walletctl verify
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/warp/wallet-ledger/config"
	"github.com/warp/wallet-ledger/factory"
	"github.com/warp/wallet-ledger/logging"
)

var Version = "dev"

func main() {
	root := newRootCmd(buildFromConfig)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func buildFromConfig(ctx context.Context, configPath string) (*factory.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}
	return factory.Build(ctx, cfg, factory.WithLogger(logger))
}
