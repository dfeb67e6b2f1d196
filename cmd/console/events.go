package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"opsconsole/internal/infrastructure/distributed"
	"opsconsole/pkg/config"
	"opsconsole/pkg/logger"

	"github.com/spf13/cobra"
)

// newEventsCmd tails the Redis event channel another console instance
// publishes to, one JSON event per line.
func newEventsCmd() *cobra.Command {
	var eventType string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print alert and room events relayed over Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			zapLogger, err := logger.NewWithFormat(cfg.Logging.Level, "console")
			if err != nil {
				return err
			}
			defer zapLogger.Sync()
			log := zapLogger.Sugar()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := distributed.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, 1, log)
			if err != nil {
				return err
			}
			defer client.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = distributed.Subscribe(ctx, client, cfg.Redis.Channel, log, func(ev *distributed.Event) error {
				if eventType != "" && ev.Type != eventType {
					return nil
				}
				if err := enc.Encode(ev); err != nil {
					return fmt.Errorf("write event: %w", err)
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "only print events of this type (alert.created, alert.resolved, room.update)")
	return cmd
}
