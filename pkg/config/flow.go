// Package config loads flow definitions from YAML files
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ErrInvalidFlow is returned for flow definitions that fail validation.
var ErrInvalidFlow = errors.New("invalid flow definition")

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseFlow decodes and validates one flow definition. Steps are returned
// sorted by their level hint.
func ParseFlow(data []byte) (*models.Flow, error) {
	var flow models.Flow
	if err := yaml.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("failed to parse YAML flow: %w", err)
	}

	if flow.ID == "" {
		flow.ID = flow.Alias
	}

	for _, step := range flow.Steps {
		if step != nil {
			step.FlowID = flow.ID
		}
	}

	if err := ValidateFlow(&flow); err != nil {
		return nil, err
	}

	flow.Steps = models.SortByLevel(flow.Steps)

	return &flow, nil
}

// LoadFlowFile reads a flow definition from a YAML file.
func LoadFlowFile(path string) (*models.Flow, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file %s: %w", path, err)
	}

	flow, err := ParseFlow(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return flow, nil
}

// LoadFlowDir reads every *.yaml and *.yml file of a directory.
func LoadFlowDir(dir string) ([]*models.Flow, error) {
	root := os.DirFS(dir)

	var files []string

	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := fs.Glob(root, pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to list flow files: %w", err)
		}

		files = append(files, matches...)
	}

	flows := make([]*models.Flow, 0, len(files))

	for _, file := range files {
		flow, err := LoadFlowFile(filepath.Join(dir, file))
		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	return flows, nil
}

// MarshalFlow encodes a flow definition as YAML.
func MarshalFlow(flow *models.Flow) ([]byte, error) {
	data, err := yaml.Marshal(flow)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal flow %s: %w", flow.Alias, err)
	}

	return data, nil
}

// ValidateFlow checks struct constraints, step id uniqueness and the schedule.
func ValidateFlow(flow *models.Flow) error {
	if err := validate.Struct(flow); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return fmt.Errorf("%w: %s", ErrInvalidFlow, describe(validationErrors))
		}

		return fmt.Errorf("%w: %w", ErrInvalidFlow, err)
	}

	seen := make(map[string]bool, len(flow.Steps))

	for i, step := range flow.Steps {
		if step == nil {
			return fmt.Errorf("%w: steps[%d] is empty", ErrInvalidFlow, i)
		}

		if seen[step.ID] {
			return fmt.Errorf("%w: duplicate step id '%s'", ErrInvalidFlow, step.ID)
		}

		seen[step.ID] = true
	}

	if flow.Schedule != "" {
		if _, err := cron.ParseStandard(flow.Schedule); err != nil {
			return fmt.Errorf("%w: schedule '%s': %w", ErrInvalidFlow, flow.Schedule, err)
		}
	}

	return nil
}

func describe(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
	}

	return strings.Join(parts, ", ")
}
