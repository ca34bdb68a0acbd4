package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	v          = viper.New()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "learner",
	Short: "TD3 continuous-control learner",
	Long: `Learner trains TD3 actor-critic agents against local or remote
environments.

Agents can be trained directly from the command line, driven through the
HTTP control API, or pointed at an environment served over gRPC by another
learner process.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("storage", "memory", "Run registry backend (memory, sqlite, postgres)")
	flags.String("storage-dsn", "", "SQLite file path or PostgreSQL connection string")
	flags.String("nats-url", "", "NATS server URL for event publishing (empty disables)")

	// Bind flags to viper so config files and LEARNER_* variables share keys
	bindFlags(flags, map[string]string{
		"log-level":   "log_level",
		"storage":     "storage.kind",
		"storage-dsn": "storage.dsn",
		"nats-url":    "events.nats_url",
	})

	rootCmd.AddCommand(trainCmd, serveCmd, envServerCmd)
}

func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
