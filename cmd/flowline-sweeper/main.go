// Package main provides the Flowline sweeper, a background service that
// scans for SLA breaches, overdue tasks, and retryable failed instances.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"

	"github.com/flowlinehq/flowline/pkg/cmd"
	"github.com/flowlinehq/flowline/pkg/log"
	"github.com/flowlinehq/flowline/pkg/otelhelper"
	"github.com/flowlinehq/flowline/pkg/services"
	"github.com/flowlinehq/flowline/pkg/sweeper"
)

const defaultMaxRetries = 3

func main() {
	logger := log.WithModule("sweeper")

	command := &cli.Command{
		Name:                  "flowline-sweeper",
		Usage:                 "Start the Flowline deadline sweeper service",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron expression controlling how often sweeps run",
				Value:   "* * * * *",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.IntFlag{
				Name:    "max-retries",
				Usage:   "Maximum retry offers per failed instance",
				Value:   defaultMaxRetries,
				Sources: cli.EnvVars("MAX_RETRIES"),
			},
			&cli.BoolFlag{
				Name:    "fail-on-sla-breach",
				Usage:   "Fail running instances that exceed their SLA deadline",
				Sources: cli.EnvVars("FAIL_ON_SLA_BREACH"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for distributed locking (in-process locking when empty)",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
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

			logger.InfoContext(ctx, "Initializing Flowline Sweeper")

			tracerProvider, err := otelhelper.InitTracer(ctx, "flowline-sweeper")
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}

			defer func() {
				if err := tracerProvider.Shutdown(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
				}
			}()

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

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

			locks, err := cmd.NewLocker(ctx, logger, command.String("redis-addr"), command.String("redis-password"))
			if err != nil {
				return err
			}

			validate := validator.New(validator.WithRequiredStructEnabled())
			instanceService := services.NewInstance(persistence, eventBus, locks, validate, logger)

			s := sweeper.New(persistence, instanceService, eventBus, sweeper.Config{
				Schedule:        command.String("schedule"),
				MaxRetries:      command.Int("max-retries"),
				FailOnSLABreach: command.Bool("fail-on-sla-breach"),
			}, logger)

			if err := s.Start(ctx); err != nil {
				return fmt.Errorf("failed to start sweeper: %w", err)
			}

			logger.InfoContext(ctx, "Sweeper started", "schedule", command.String("schedule"))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			<-sigChan
			logger.InfoContext(ctx, "Shutting down sweeper...")
			s.Stop()

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
