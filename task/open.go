package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/GoCodeAlone/courier/config"
)

// Open constructs the Store named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "file":
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
		return NewFileStore(cfg.Path), nil
	case "sqlite", "":
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create store dir %s: %w", dir, err)
	}
	return nil
}
