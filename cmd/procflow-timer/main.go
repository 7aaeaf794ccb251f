// Package main provides the procflow timer poller daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/procflow/procflow/pkg/cmd"
	"github.com/procflow/procflow/pkg/log"
	"github.com/procflow/procflow/pkg/services"
)

const defaultInterval = 30 * time.Second

func main() {
	command := &cli.Command{
		Name:                  "procflow-timer",
		Usage:                 "Fire timer transitions on running instances",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "poller-id",
				Aliases: []string{"id"},
				Usage:   "Custom poller ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("POLLER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the review configuration store",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "tenant",
				Usage:   "Restrict polling to a single tenant (all tenants when empty)",
				Sources: cli.EnvVars("TENANT"),
			},
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "How often to poll for due timers",
				Value:   defaultInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			pollerID := command.String("poller-id")
			if pollerID == "" {
				pollerID = fmt.Sprintf("timer-%s", uuid.New().String()[:8])
			}

			logger := log.WithModule("timer")

			logger.InfoContext(ctx, "Initializing Procflow timer poller", "poller_id", pollerID)

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			kvStore := cmd.NewKVStore(ctx, command.String("redis-url"))

			runtime := services.NewInstanceRuntime(persistence, eventBus, kvStore, logger)

			poller := NewPoller(
				pollerID,
				runtime,
				logger,
				command.String("tenant"),
				command.Duration("interval"),
			)

			poller.Start(ctx)

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
