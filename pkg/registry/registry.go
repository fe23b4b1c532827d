// Package registry keeps the step prototypes a flow can reference.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

// PluginSymbol is the symbol a step plugin must export.
const PluginSymbol = "Step"

var (
	ErrPrototypeNotRegistered = errors.New("prototype not registered")
	ErrInvalidConfig          = errors.New("invalid step config")
	ErrInvalidPlugin          = errors.New("invalid step plugin")
)

type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	factories map[string]protocol.StepFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log,
		factories: make(map[string]protocol.StepFactory),
	}
}

// Register adds a prototype, replacing any previous one with the same ID.
func (r *Registry) Register(factory protocol.StepFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[factory.ID()]; exists {
		r.logger.Warn("Replacing registered prototype", "prototype", factory.ID())
	}

	r.factories[factory.ID()] = factory
}

func (r *Registry) Factory(prototype string) (protocol.StepFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[prototype]

	return factory, ok
}

// Factories returns every registered prototype ordered by ID.
func (r *Registry) Factories() []protocol.StepFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	factories := make([]protocol.StepFactory, 0, len(ids))
	for _, id := range ids {
		factories = append(factories, r.factories[id])
	}

	return factories
}

// Create instantiates the prototype a step definition references, after
// validating its config against the prototype schema.
func (r *Registry) Create(step *models.StepDefinition) (protocol.Step, error) {
	factory, ok := r.Factory(step.Prototype)
	if !ok {
		return nil, fmt.Errorf("step '%s': %w: '%s'", step.ID, ErrPrototypeNotRegistered, step.Prototype)
	}

	config := step.Config
	if config == nil {
		config = map[string]any{}
	}

	if err := ValidateConfig(factory.Schema(), config); err != nil {
		return nil, fmt.Errorf("step '%s': %w", step.ID, err)
	}

	return factory.Create(config, r.logger.With("prototype", step.Prototype, "step_id", step.ID))
}

// Validate checks every step of a flow against the registered prototypes
// without creating anything.
func (r *Registry) Validate(flow *models.Flow) error {
	var errs []error

	for _, step := range flow.Steps {
		factory, ok := r.Factory(step.Prototype)
		if !ok {
			errs = append(errs, fmt.Errorf("step '%s': %w: '%s'", step.ID, ErrPrototypeNotRegistered, step.Prototype))

			continue
		}

		config := step.Config
		if config == nil {
			config = map[string]any{}
		}

		if err := ValidateConfig(factory.Schema(), config); err != nil {
			errs = append(errs, fmt.Errorf("step '%s': %w", step.ID, err))
		}
	}

	return errors.Join(errs...)
}

// ValidateConfig validates a step config against a JSON schema. An empty
// schema accepts anything.
func ValidateConfig(schema map[string]any, config map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	res, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if !res.Valid() {
		messages := make([]string, 0, len(res.Errors()))
		for _, desc := range res.Errors() {
			messages = append(messages, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(messages, "; "))
	}

	return nil
}

// LoadPlugins opens every *.so file below pluginsPath/steps and returns the
// factories they export under PluginSymbol. A missing directory yields none.
func (r *Registry) LoadPlugins(pluginsPath string) ([]protocol.StepFactory, error) {
	if pluginsPath == "" {
		return nil, nil
	}

	rootPath := filepath.Join(pluginsPath, "steps")

	var pluginPathList []string

	err := fs.WalkDir(os.DirFS(rootPath), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && strings.HasSuffix(path, ".so") {
			pluginPathList = append(pluginPathList, path)
		}

		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan plugins in %s: %w", rootPath, err)
	}

	l := r.logger.With(slog.String("path", rootPath))
	l.Info("Loading plugins", "count", len(pluginPathList))

	factories := make([]protocol.StepFactory, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(filepath.Join(rootPath, p))
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(PluginSymbol)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrInvalidPlugin, p, err)
		}

		factory, err := asFactory(v)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrInvalidPlugin, p, err)
		}

		factories = append(factories, factory)

		l.Info("Loaded step plugin", slog.String("plugin", p), slog.String("prototype", factory.ID()))
	}

	return factories, nil
}

func asFactory(symbol any) (protocol.StepFactory, error) {
	switch v := symbol.(type) {
	case protocol.StepFactory:
		return v, nil
	case *protocol.StepFactory:
		if v != nil && *v != nil {
			return *v, nil
		}
	}

	return nil, fmt.Errorf("symbol %s of type %T is not a step factory", PluginSymbol, symbol)
}
