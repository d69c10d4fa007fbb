package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"jarvis/internal/events"
	"jarvis/internal/logging"
	"jarvis/internal/redis"
	"jarvis/internal/storage"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print every stored exchange, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			store := storage.NewHistoryStore(cfg.BasicConfig.DatabaseDriver, cfg.BasicConfig.DatabasePath)
			if err := store.Initialize(cmd.Context()); err != nil {
				return err
			}
			records, err := store.ListAll(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No stored conversations.")
				return nil
			}
			for _, r := range records {
				fmt.Fprintf(out, "%s\nUser: %s\nBot: %s\n---\n", r.Timestamp, r.UserMessage, r.BotResponse)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored exchange",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			store := storage.NewHistoryStore(cfg.BasicConfig.DatabaseDriver, cfg.BasicConfig.DatabasePath)
			if err := store.Initialize(cmd.Context()); err != nil {
				return err
			}
			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Chat history cleared!")

			// running servers drop their live conversation and re-render
			if cfg.Redis.Enabled {
				rdb, err := redis.NewRedisClient(cfg.Redis)
				if err != nil {
					logging.AppLogger.Warn("skip clear broadcast", zap.Error(err))
					return nil
				}
				defer rdb.Close()
				bus := events.NewBus("cli", events.NewRedisSink(rdb, cfg.Redis.Channel, logging.AppLogger))
				bus.Refresh(events.ReasonHistoryCleared)
			}
			return nil
		},
	}
}
