// Package main is the relay worker: it drains the transactional outbox to
// RabbitMQ and consumes integration events idempotently.
//
// Usage:
//
//	relay run --config ./relay.yaml
//	relay migrate --config ./relay.yaml
//	relay health --config ./relay.yaml
//
// Every setting can be overridden with RELAY_* environment variables, for
// example RELAY_MESSAGING_PROVIDER=rabbitmq.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Transactional outbox relay and idempotent event consumer",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (RELAY_* env vars override it)")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newMigrateCmd(opts),
		newHealthCmd(opts),
	)

	return rootCmd
}
