package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-grouper/internal/config"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/kozaktomas/face-grouper/internal/database/bolt"
	"github.com/kozaktomas/face-grouper/internal/database/mariadb"
	"github.com/kozaktomas/face-grouper/internal/database/memory"
	"github.com/kozaktomas/face-grouper/internal/database/postgres"
	"github.com/kozaktomas/face-grouper/internal/grouping"
	"github.com/kozaktomas/face-grouper/internal/logging"
)

// openStore opens the configured backend and registers it with the database provider.
func openStore(cfg *config.Config) error {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		if cfg.Database.URL == "" {
			return errors.New("DATABASE_URL environment variable is required")
		}
		if _, err := postgres.Initialize(&cfg.Database); err != nil {
			return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}

	case config.BackendMariaDB:
		if cfg.MariaDB.DSN == "" {
			return errors.New("MARIADB_DSN environment variable is required")
		}
		if _, err := mariadb.Initialize(cfg.MariaDB.DSN); err != nil {
			return fmt.Errorf("failed to initialize MariaDB: %w", err)
		}

	case config.BackendBolt:
		store, err := bolt.Open(cfg.Store.BoltPath)
		if err != nil {
			return fmt.Errorf("failed to open bolt store: %w", err)
		}
		database.RegisterGroupStore(config.BackendBolt, func() database.GroupWriter { return store })

	case config.BackendMemory:
		store := memory.New()
		database.RegisterGroupStore(config.BackendMemory, func() database.GroupWriter { return store })

	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", cfg.Store.Backend)
	}
	return nil
}

// newService opens the configured store and builds the assignment service on top of it.
// The returned store must be closed by the caller.
func newService(ctx context.Context, cfg *config.Config) (*grouping.Service, database.GroupWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logging.Default().Info("configuration loaded", "config", cfg)

	if err := openStore(cfg); err != nil {
		return nil, nil, err
	}
	store, err := database.GetGroupWriter(ctx)
	if err != nil {
		return nil, nil, err
	}

	engine, err := grouping.NewEngine(cfg.Cluster.DistanceThreshold)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	opts := []grouping.Option{grouping.WithEmbeddingDim(cfg.Cluster.EmbeddingDim)}
	if cfg.Probe.Enabled {
		idx, err := database.BuildProbeIndex(ctx, store)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("failed to build probe index: %w", err)
		}
		database.RegisterProbeIndex(idx)
		opts = append(opts, grouping.WithProbeIndex(idx))
		logging.Default().Info("probe index ready", "faces", idx.Count())
	}

	logging.Default().Debug("store opened",
		"backend", cfg.Store.Backend,
		"threshold", cfg.Cluster.DistanceThreshold,
		"embedding_dim", cfg.Cluster.EmbeddingDim,
	)
	return grouping.NewService(store, engine, opts...), store, nil
}
