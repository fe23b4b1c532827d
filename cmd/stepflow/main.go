// Package main is the stepflow command line: run, plan and inspect flows.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/urfave/cli/v3"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "stepflow",
		Usage:                 "Run and inspect step-based data flows",
		EnableShellCompletion: true,
		Flags:                 cmd.CommonFlags(),
		Commands: []*cli.Command{
			RunCommand(),
			PlanCommand(),
			HistoryCommand(),
			InvalidateCommand(),
			ImportCommand(),
			PrototypesCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
