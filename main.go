package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"jarvis/internal/config"
	"jarvis/internal/logging"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "jarvis",
		Short:         "Single-page LLM chat with a durable exchange log",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logging.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("JARVIS_CONFIG"),
		"config file (json, yaml or toml); defaults to config.json")

	serve := newServeCmd(opts)
	root.RunE = serve.RunE
	root.AddCommand(serve, newHistoryCmd(opts), newClearCmd(opts))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "jarvis cannot start: %v\n", cfgErr)
		} else {
			fmt.Fprintf(os.Stderr, "jarvis: %v\n", err)
		}
		os.Exit(1)
	}
}
