package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Relay/internal/config"
	"github.com/shaiso/Relay/internal/repo"
	"github.com/shaiso/Relay/internal/telemetry"
)

// Stores — хранилища workflow с кэшами.
type Stores struct {
	// Instances — экземпляры, FindByID через LRU-кэш.
	Instances repo.InstanceRepository

	// Stats — те же экземпляры, агрегаты через кэш метрик.
	Stats repo.InstanceRepository

	// Definitions — определения через LRU-кэш.
	Definitions repo.DefinitionRepository

	// Health проверяет доступность БД.
	Health telemetry.HealthCheck

	close func()
}

// Close освобождает соединения с БД.
func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// OpenStores подключается к БД выбранного драйвера и применяет схему.
func OpenStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Stores, error) {
	var (
		instances   repo.InstanceRepository
		definitions repo.DefinitionRepository
		stores      = &Stores{}
	)

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := repo.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := repo.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		instances = repo.NewPgInstanceRepo(pool)
		definitions = repo.NewPgDefinitionRepo(pool)
		stores.Health = pool.Ping
		stores.close = pool.Close

	case config.DriverSQLite:
		db, err := repo.OpenSQLite(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		if err := repo.MigrateGorm(ctx, db); err != nil {
			sqlDB.Close()
			return nil, err
		}
		instances = repo.NewGormInstanceRepo(db)
		definitions = repo.NewGormDefinitionRepo(db)
		stores.Health = sqlDB.PingContext
		stores.close = func() { sqlDB.Close() }

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	c := cfg.Cache
	stores.Instances = repo.NewCachedInstanceRepo(instances, c.Instances.Size, c.Instances.TTL)
	stores.Stats = repo.NewCachedStats(stores.Instances, c.Metrics.Size, c.Metrics.TTL)
	stores.Definitions = repo.NewCachedDefinitions(definitions, c.Definitions.Size, c.Definitions.TTL)

	logger.Info("database connected", "driver", cfg.Database.Driver)
	return stores, nil
}
