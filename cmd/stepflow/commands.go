package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/dukex/stepflow/pkg/config"
	"github.com/dukex/stepflow/pkg/log"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/urfave/cli/v3"
)

const (
	exitFailed              = 1
	exitCompletedWithErrors = 2
)

var errMissingArgument = errors.New("missing argument")

// withRuntime builds the runtime from the root flags, runs fn and closes it.
func withRuntime(ctx context.Context, command *cli.Command, fn func(context.Context, *cmd.Runtime) error) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("cli")

	rt, err := cmd.NewRuntime(ctx, logger, cmd.OptionsFromCommand(command))
	if err != nil {
		return err
	}

	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
		}
	}()

	return fn(log.ContextWithLogger(ctx, logger), rt)
}

func argument(command *cli.Command, name string) (string, error) {
	value := command.Args().First()
	if value == "" {
		return "", fmt.Errorf("%w: <%s>", errMissingArgument, name)
	}

	return value, nil
}

// parseParams turns repeated key=value flags into flow parameters.
func parseParams(values []string) (map[string]string, error) {
	params := make(map[string]string, len(values))

	for _, value := range values {
		key, val, ok := strings.Cut(value, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter '%s', expected key=value", value)
		}

		params[key] = val
	}

	return params, nil
}

func exitCode(err error) int {
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return exitFailed
}

func statusError(status models.FlowRunStatus, err error) error {
	switch status {
	case models.FlowRunStatusSucceeded:
		return nil
	case models.FlowRunStatusCompletedWithErrors:
		return cli.Exit("flow completed with errors", exitCompletedWithErrors)
	default:
		if err == nil {
			err = fmt.Errorf("flow ended with status %s", status)
		}

		return cli.Exit(err.Error(), exitFailed)
	}
}

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Run a flow and stream its progress",
		ArgsUsage: "<alias>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "param",
				Aliases: []string{"p"},
				Usage:   "Flow parameter as key=value, repeatable",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			alias, err := argument(command, "alias")
			if err != nil {
				return err
			}

			params, err := parseParams(command.StringSlice("param"))
			if err != nil {
				return err
			}

			// An interrupt cancels the flow at its next progress line; the
			// run record and pending notes are still written.
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
				if _, err := rt.StartWatchdog(ctx); err != nil {
					return err
				}

				return statusError(rt.Runner.RunToWriter(ctx, alias, params, command.Root().Writer))
			})
		},
	}
}

func PlanCommand() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "Print the execution order of a flow without running it",
		ArgsUsage: "<alias>",
		Action: func(ctx context.Context, command *cli.Command) error {
			alias, err := argument(command, "alias")
			if err != nil {
				return err
			}

			return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
				flow, plan, err := rt.Runner.Plan(ctx, alias)
				if err != nil {
					return err
				}

				return printPlan(command.Root().Writer, flow, plan.Describe())
			})
		},
	}
}

func printPlan(w io.Writer, flow *models.Flow, lines []string) error {
	if _, err := fmt.Fprintf(w, "Plan of '%s' (%d steps):\n", flow.Alias, len(lines)); err != nil {
		return err
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, "  "+line); err != nil {
			return err
		}
	}

	return nil
}

func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List recent runs of a flow",
		ArgsUsage: "<alias>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of runs to show",
				Value: 10,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			alias, err := argument(command, "alias")
			if err != nil {
				return err
			}

			return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
				flow, err := rt.Persistence.FlowRepository().FlowByAlias(ctx, alias)
				if err != nil {
					return err
				}

				runs, err := rt.Persistence.RunLedger().FlowRunsByFlow(ctx, flow.ID, command.Int("limit"))
				if err != nil {
					return err
				}

				return printHistory(command.Root().Writer, runs)
			})
		},
	}
}

func printHistory(w io.Writer, runs []*models.FlowRun) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tDURATION\tERROR")

	for _, run := range runs {
		duration := "-"
		if run.EndTime != nil {
			duration = run.EndTime.Sub(run.StartTime).Round(time.Millisecond).String()
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Status, run.StartTime.Format(time.RFC3339), duration, run.ErrorMessage)
	}

	return tw.Flush()
}

func InvalidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "invalidate",
		Usage:     "Forget the continuation state of a step so its next run starts over",
		ArgsUsage: "<step-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			stepID, err := argument(command, "step-id")
			if err != nil {
				return err
			}

			return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
				count, err := rt.Persistence.RunLedger().InvalidateStepRuns(ctx, stepID)
				if err != nil {
					return err
				}

				_, err = fmt.Fprintf(command.Root().Writer, "Invalidated %d runs of step '%s'\n", count, stepID)

				return err
			})
		},
	}
}

func ImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Store flow definitions from a YAML file or a directory of YAML files",
		ArgsUsage: "<file.yaml|dir>",
		Action: func(ctx context.Context, command *cli.Command) error {
			path, err := argument(command, "file.yaml")
			if err != nil {
				return err
			}

			return withRuntime(ctx, command, func(ctx context.Context, rt *cmd.Runtime) error {
				flows, err := loadFlows(path)
				if err != nil {
					return err
				}

				for _, flow := range flows {
					if err := rt.Registry.Validate(flow); err != nil {
						return fmt.Errorf("flow '%s': %w", flow.Alias, err)
					}
				}

				for _, flow := range flows {
					if err := rt.Persistence.FlowRepository().SaveFlow(ctx, flow); err != nil {
						return err
					}

					fmt.Fprintf(command.Root().Writer, "Imported flow '%s' (%d steps)\n", flow.Alias, len(flow.Steps))
				}

				return nil
			})
		},
	}
}

func loadFlows(path string) ([]*models.Flow, error) {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		flow, err := config.LoadFlowFile(path)
		if err != nil {
			return nil, err
		}

		return []*models.Flow{flow}, nil
	}

	return config.LoadFlowDir(path)
}

func PrototypesCommand() *cli.Command {
	return &cli.Command{
		Name:  "prototypes",
		Usage: "List the registered step prototypes",
		Action: func(ctx context.Context, command *cli.Command) error {
			return withRuntime(ctx, command, func(_ context.Context, rt *cmd.Runtime) error {
				tw := tabwriter.NewWriter(command.Root().Writer, 0, 0, 2, ' ', 0)

				fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION")

				for _, factory := range rt.Registry.Factories() {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", factory.ID(), factory.Name(), factory.Description())
				}

				return tw.Flush()
			})
		},
	}
}
