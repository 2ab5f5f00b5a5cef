// Command opticalsend is the reference CLI driving the protocol engine:
// a sender and a receiver subcommand, each wiring the crypto, codec,
// block, journal, handshake and transfer packages into one end-to-end
// transfer over a visual (stdio-framed) channel and an optional binary
// (websocket) channel.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rani-wehbe/opticalsend/config"
	"github.com/rani-wehbe/opticalsend/internal/logger"
	"github.com/rani-wehbe/opticalsend/internal/metrics"
	"github.com/rani-wehbe/opticalsend/pkg/version"
)

var (
	cfgPath     string
	journalDSN  string
	metricsAddr string
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:     "opticalsend",
		Short:   "Dual-channel encrypted file transfer engine",
		Version: version.Short(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if metricsAddr != "" {
				go func() {
					if err := metrics.StartServer(metricsAddr); err != nil {
						fmt.Fprintf(os.Stderr, "metrics server stopped: %v\n", err)
					}
				}()
			}
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a config YAML file")
	root.PersistentFlags().StringVar(&journalDSN, "journal-dsn", "", "Postgres DSN for the journal (memory store if empty)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")

	root.AddCommand(newSendCmd())
	root.AddCommand(newReceiveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromFile(cfgPath)
	} else {
		cfg, err = config.LoadForEnvironment(config.GetEnvironment())
	}
	if err != nil {
		return nil, err
	}

	for _, v := range config.ValidateConfiguration(cfg) {
		if v.Level == "error" {
			return nil, fmt.Errorf("invalid config: %s", v)
		}
		fmt.Fprintln(os.Stderr, v.String())
	}
	return cfg, nil
}

func newLogger() logger.Logger {
	return logger.NewDefaultLogger()
}
