// Package storage opens the trace backend named in config.yaml.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/decisiontrace/internal/config"
	"github.com/basket/decisiontrace/internal/shared"
	"github.com/basket/decisiontrace/pkg/persistence"
	"github.com/basket/decisiontrace/pkg/persistence/badgerstore"
	"github.com/basket/decisiontrace/pkg/persistence/pgstore"
	"github.com/basket/decisiontrace/pkg/xray"
)

// Pinger is implemented by backends that can check connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Open returns the configured backend. The caller owns Close.
func Open(ctx context.Context, cfg config.StorageConfig) (xray.Storage, error) {
	switch cfg.Type {
	case config.StorageSQLite, "":
		s, err := persistence.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return s, nil
	case config.StorageBadger:
		s, err := badgerstore.Open(cfg.BadgerDir)
		if err != nil {
			return nil, fmt.Errorf("open badger storage: %w", err)
		}
		return s, nil
	case config.StoragePostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("open postgres storage: postgres_dsn is empty")
		}
		s, err := pgstore.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres storage: %w", err)
		}
		return s, nil
	case config.StorageMemory:
		return xray.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q (supported: sqlite, badger, postgres, memory)", cfg.Type)
	}
}

// Check pings s when supported and reads one page of traces, returning how
// many came back.
func Check(ctx context.Context, s xray.Storage) (int, error) {
	if p, ok := s.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return 0, fmt.Errorf("ping: %w", err)
		}
	}
	traces, err := s.ListTraces(ctx, xray.ListOptions{Limit: xray.MaxListLimit})
	if err != nil {
		return 0, fmt.Errorf("list traces: %w", err)
	}
	return len(traces), nil
}

// Describe renders cfg for logs with secrets removed.
func Describe(cfg config.StorageConfig) string {
	switch cfg.Type {
	case config.StorageBadger:
		return "badger:" + cfg.BadgerDir
	case config.StoragePostgres:
		return "postgres:" + shared.RedactDSN(cfg.PostgresDSN)
	case config.StorageMemory:
		return "memory"
	default:
		return "sqlite:" + cfg.SQLitePath
	}
}
