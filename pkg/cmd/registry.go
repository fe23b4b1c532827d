// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/registry"
	"github.com/dukex/stepflow/pkg/steps/fileexport"
	"github.com/dukex/stepflow/pkg/steps/httpimport"
	steplog "github.com/dukex/stepflow/pkg/steps/log"
	"github.com/dukex/stepflow/pkg/steps/transform"
)

func registerNativeSteps(reg *registry.Registry) {
	reg.Register(steplog.NewFactory())
	reg.Register(transform.NewFactory())
	reg.Register(httpimport.NewFactory(nil))
	reg.Register(fileexport.NewFactory())
}

func registerStepPlugins(reg *registry.Registry, pluginsPath string) error {
	plugins, err := reg.LoadPlugins(pluginsPath)
	if err != nil {
		return fmt.Errorf("failed to load step plugins: %w", err)
	}

	for _, plugin := range plugins {
		reg.Register(plugin)
	}

	return nil
}

// NewRegistry registers the built-in prototypes and then the plugins, so a
// plugin may replace a built-in.
func NewRegistry(log *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)

	registerNativeSteps(reg)

	if err := registerStepPlugins(reg, pluginsPath); err != nil {
		return nil, err
	}

	return reg, nil
}
