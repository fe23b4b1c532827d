// Package redis provides Redis persistence for flows, run records and notes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "stepflow:"

// Persistence implements the persistence layer on top of a Redis server.
type Persistence struct {
	client goredis.UniversalClient
	logger *slog.Logger
	flows  *FlowRepository
	ledger *RunLedger
	notes  *NoteRepository
}

// NewPersistence connects to the server described by a redis:// URL.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	options, err := goredis.ParseURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := goredis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return NewPersistenceFromClient(logger, client), nil
}

// NewPersistenceFromClient wraps an existing client.
func NewPersistenceFromClient(logger *slog.Logger, client goredis.UniversalClient) *Persistence {
	return &Persistence{
		client: client,
		logger: logger,
		flows:  &FlowRepository{client: client},
		ledger: &RunLedger{client: client, logger: logger},
		notes:  &NoteRepository{client: client},
	}
}

func (p *Persistence) Close(_ context.Context) error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	return nil
}

func (p *Persistence) FlowRepository() persistence.FlowRepository {
	return p.flows
}

func (p *Persistence) RunLedger() persistence.RunLedger {
	return p.ledger
}

func (p *Persistence) NoteRepository() persistence.NoteRepository {
	return p.notes
}

// getJSON decodes the value at key into v. It reports false for a missing key.
func getJSON(ctx context.Context, client goredis.Cmdable, key string, v any) (bool, error) {
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	return true, nil
}
