package store

import (
	"context"
	"fmt"

	"github.com/ashureev/langplay/internal/config"
)

// Open builds the repository selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig) (Repository, error) {
	switch cfg.Backend {
	case config.StoreSQLite:
		return NewSQLite(cfg.SQLitePath)
	case config.StoreRedis:
		return NewRedis(ctx, cfg.RedisURL, cfg.Retention)
	case config.StoreMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
