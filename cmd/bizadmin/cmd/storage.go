package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/bizadmin/config"
	"github.com/jmcleod/bizadmin/storage"
	bboltstorage "github.com/jmcleod/bizadmin/storage/bbolt"
	"github.com/jmcleod/bizadmin/storage/memory"
	mongostorage "github.com/jmcleod/bizadmin/storage/mongo"
	"github.com/jmcleod/bizadmin/storage/postgres"
)

// openRepository opens the configured backend. The returned func releases
// it.
func openRepository(ctx context.Context, cfg config.StorageConfig) (storage.Repository, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewRepository(), func() {}, nil
	case config.BackendBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	case config.BackendPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open storage: %w", err)
		}
		return repo, repo.Close, nil
	case config.BackendMongo:
		repo, err := mongostorage.NewRepositoryFromURI(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open storage: %w", err)
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// loadConfig reads the config file and environment. Flag overrides are
// applied by the caller before Validate.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath, os.LookupEnv)
}
