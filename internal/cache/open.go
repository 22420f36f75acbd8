package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/hochfrequenz/trend-orchestrator/internal/config"
)

// OpenBackend builds the backend selected in cfg. The returned close func
// releases the backend's resources.
func OpenBackend(cfg config.CacheConfig) (Backend, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBackend(), func() error { return nil }, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, fmt.Errorf("creating cache directory: %w", err)
			}
		}
		b, err := NewSQLiteBackend(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		return NewRedisBackend(client, ""), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
