package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

const flowIndexKey = keyPrefix + "flows"

func flowKey(alias string) string {
	return keyPrefix + "flow:" + alias
}

// FlowRepository stores each flow, steps included, as one JSON value.
type FlowRepository struct {
	client goredis.UniversalClient
}

func (r *FlowRepository) Flows(ctx context.Context) ([]*models.Flow, error) {
	aliases, err := r.client.SMembers(ctx, flowIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	slices.Sort(aliases)

	flows := make([]*models.Flow, 0, len(aliases))

	for _, alias := range aliases {
		flow, err := r.FlowByAlias(ctx, alias)
		if persistence.IsFlowNotFound(err) {
			continue
		}

		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	return flows, nil
}

func (r *FlowRepository) FlowByAlias(ctx context.Context, alias string) (*models.Flow, error) {
	var flow models.Flow

	found, err := getJSON(ctx, r.client, flowKey(alias), &flow)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewFlowError("FlowByAlias", alias, persistence.ErrFlowNotFound)
	}

	for _, step := range flow.Steps {
		step.FlowID = flow.ID
	}

	flow.Steps = models.SortByLevel(flow.Steps)

	return &flow, nil
}

func (r *FlowRepository) SaveFlow(ctx context.Context, flow *models.Flow) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.Alias, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, flowKey(flow.Alias), data, 0)
		pipe.SAdd(ctx, flowIndexKey, flow.Alias)

		return nil
	})
	if err != nil {
		return persistence.NewFlowError("SaveFlow", flow.Alias, err)
	}

	return nil
}

func (r *FlowRepository) DeleteFlow(ctx context.Context, alias string) error {
	var deleted *goredis.IntCmd

	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		deleted = pipe.Del(ctx, flowKey(alias))
		pipe.SRem(ctx, flowIndexKey, alias)

		return nil
	})
	if err != nil {
		return persistence.NewFlowError("DeleteFlow", alias, err)
	}

	if deleted.Val() == 0 {
		return persistence.NewFlowError("DeleteFlow", alias, persistence.ErrFlowNotFound)
	}

	return nil
}
