package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/cache"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/config"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/database"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
)

const redisPingTimeout = 5 * time.Second

// SetupStore returns the run store. A disabled database keeps results in
// memory. The returned close function is never nil.
func SetupStore(cfg *config.Config, log logger.Logger) (database.Store, func() error, error) {
	if !cfg.Database.Enabled {
		log.Warn("Database disabled, results are kept in memory only")
		return database.NewMemoryStore(), func() error { return nil }, nil
	}

	db, err := database.NewPostgresConnection(cfg.Database.Connection())
	if err != nil {
		return nil, nil, fmt.Errorf("database connection: %w", err)
	}

	log.Info("Connected to database",
		logger.String("host", cfg.Database.Host),
		logger.String("database", cfg.Database.DBName),
	)
	return database.NewRepository(db), db.Close, nil
}

// SetupCache returns the traffic cache. Redis is used when enabled and
// reachable; otherwise records are cached in process. The returned client is
// nil when Redis is not in use.
func SetupCache(cfg *config.Config, log logger.Logger) (cache.Cache, *redis.Client) {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryCache(time.Now), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("Redis not available, using in-memory traffic cache",
			logger.String("redis_address", cfg.Redis.Address),
			logger.Error(err),
		)
		_ = client.Close()
		return cache.NewMemoryCache(time.Now), nil
	}

	log.Info("Traffic cache initialized", logger.String("redis_address", cfg.Redis.Address))
	return cache.NewRedisCache(client, cfg.Redis.KeyPrefix), client
}
