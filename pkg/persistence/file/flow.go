package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/stepflow/pkg/config"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// FlowRepository stores each flow as flows/<alias>.yaml, the same format the
// CLI imports.
type FlowRepository struct {
	root string
	mu   *sync.RWMutex
}

func (fr *FlowRepository) path(alias string) string {
	return filepath.Join(fr.root, "flows", alias+".yaml")
}

func (fr *FlowRepository) Flows(ctx context.Context) ([]*models.Flow, error) {
	fr.mu.RLock()
	defer fr.mu.RUnlock()

	files, err := fs.Glob(os.DirFS(fr.root), "flows/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to list flow files: %w", err)
	}

	flows := make([]*models.Flow, 0, len(files))

	for _, file := range files {
		alias := strings.TrimSuffix(filepath.Base(file), ".yaml")

		flow, err := fr.load(alias)
		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	slices.SortFunc(flows, func(a, b *models.Flow) int {
		return strings.Compare(a.Alias, b.Alias)
	})

	return flows, nil
}

func (fr *FlowRepository) FlowByAlias(_ context.Context, alias string) (*models.Flow, error) {
	if err := persistence.ValidateID(alias); err != nil {
		return nil, persistence.NewFlowError("FlowByAlias", alias, err)
	}

	fr.mu.RLock()
	defer fr.mu.RUnlock()

	return fr.load(alias)
}

func (fr *FlowRepository) load(alias string) (*models.Flow, error) {
	data, err := os.ReadFile(fr.path(alias)) // #nosec G304 -- alias is validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewFlowError("FlowByAlias", alias, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to read flow %s: %w", alias, err)
	}

	flow, err := config.ParseFlow(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", alias, err)
	}

	return flow, nil
}

func (fr *FlowRepository) SaveFlow(_ context.Context, flow *models.Flow) error {
	if err := persistence.ValidateID(flow.Alias); err != nil {
		return persistence.NewFlowError("SaveFlow", flow.Alias, err)
	}

	data, err := config.MarshalFlow(flow)
	if err != nil {
		return err
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	return writeAtomic(fr.path(flow.Alias), data)
}

func (fr *FlowRepository) DeleteFlow(_ context.Context, alias string) error {
	if err := persistence.ValidateID(alias); err != nil {
		return persistence.NewFlowError("DeleteFlow", alias, err)
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	err := os.Remove(fr.path(alias))
	if os.IsNotExist(err) {
		return persistence.NewFlowError("DeleteFlow", alias, persistence.ErrFlowNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to delete flow %s: %w", alias, err)
	}

	return nil
}
