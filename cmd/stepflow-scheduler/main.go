// Package main runs flows on their cron schedules.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/dukex/stepflow/pkg/log"
	"github.com/dukex/stepflow/pkg/scheduler"
	"github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:  "stepflow-scheduler",
		Usage: "Run flows on their schedules",
		Flags: append(cmd.CommonFlags(),
			&cli.DurationFlag{
				Name:    "refresh-interval",
				Usage:   "How often flow schedules are reloaded from persistence",
				Value:   scheduler.DefaultRefreshInterval,
				Sources: cli.EnvVars("SCHEDULER_REFRESH_INTERVAL"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("scheduler")

			logger.InfoContext(ctx, "Initializing stepflow scheduler")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runtime, err := cmd.NewRuntime(ctx, logger, cmd.OptionsFromCommand(command))
			if err != nil {
				return err
			}

			defer func() {
				if err := runtime.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			if _, err := runtime.StartWatchdog(ctx); err != nil {
				return err
			}

			s := scheduler.NewScheduler(
				runtime.Persistence.FlowRepository(),
				runtime.Runner,
				logger,
				scheduler.WithRefreshInterval(command.Duration("refresh-interval")),
			)

			err = s.Start(ctx)

			logger.InfoContext(ctx, "Scheduler stopped")

			return err
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
