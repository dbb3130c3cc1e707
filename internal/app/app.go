// Package app wires configuration, storage, chain access and services into
// the object graph shared by the server, worker and tagctl binaries.
package app

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tag-anchor/internal/adapter"
	"github.com/tag-anchor/internal/config"
	"github.com/tag-anchor/internal/logging"
	"github.com/tag-anchor/internal/service"
	"github.com/tag-anchor/internal/storage"
)

// App holds every long-lived dependency of a process
type App struct {
	Config *config.Config

	Postgres   *storage.PostgresDB
	ClickHouse *storage.ClickHouseDB // nil when the audit store is disabled
	Redis      *storage.RedisStore
	Contract   *adapter.TagContract

	Batches *storage.BatchRepository
	Tags    *storage.TagRepository
	Outbox  *storage.OutboxRepository
	Journal service.Journal

	Anchor    *service.AnchorService
	Mint      *service.MintService
	Reconcile *service.ReconcileService
	TagSvc    *service.TagService
}

// InitLogging configures the global logger from cfg
func InitLogging(cfg *config.Config) *logging.Logger {
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")
	return logger
}

// New connects to every backing store and builds the services. The caller
// must Close the returned App.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.FromContext(ctx)
	a := &App{Config: cfg}

	var err error
	logger.Info("Connecting to databases...")
	if a.Postgres, err = storage.NewPostgresDB(&cfg.Database.Postgres); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if a.Redis, err = storage.NewRedisStore(&cfg.Database.Redis); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if cfg.Database.ClickHouse.Enabled {
		if a.ClickHouse, err = storage.NewClickHouseDB(&cfg.Database.ClickHouse); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect clickhouse: %w", err)
		}
		a.Journal = storage.NewTagEventRepository(a.ClickHouse)
	} else {
		logger.Warn("ClickHouse disabled - tag events will not be journaled")
		a.Journal = service.NoopJournal{}
	}
	logger.Info("Database connections established")

	logger.Info("Initializing tag contract...")
	if a.Contract, err = adapter.NewTagContract(ctx, &cfg.Chain); err != nil {
		a.Close()
		return nil, fmt.Errorf("init tag contract: %w", err)
	}
	logger.WithFields(map[string]interface{}{
		"chainId":  cfg.Chain.ChainID,
		"contract": a.Contract.Address().Hex(),
		"sender":   a.Contract.Sender().Hex(),
	}).Info("Tag contract initialized")

	var content adapter.ContentStore
	if pc, ok := adapter.NewPinningClient(&cfg.Pinning); ok {
		content = pc
	} else {
		logger.Warn("Pinning not configured - manifests and metadata will be stored inline")
	}

	a.Batches = storage.NewBatchRepository(a.Postgres)
	a.Tags = storage.NewTagRepository(a.Postgres)
	a.Outbox = storage.NewOutboxRepository(a.Postgres)

	seq := storage.NewRedisSequence(a.Redis, storage.DefaultSequenceKey, a.Batches)
	lock := storage.NewMintLock(a.Redis, cfg.Chain.MintLockTTL)
	opts := service.OptionsFromConfig(cfg)

	var registry adapter.TagRegistry = a.Contract
	if ttl := cfg.Database.Redis.CacheTTL; ttl > 0 {
		registry = adapter.NewCachingRegistry(a.Contract, storage.NewCacheService(a.Redis, ttl), anchorCacheKey(cfg))
	}

	a.Reconcile = service.NewReconcileService(a.Tags, registry, a.Journal, opts)
	a.Anchor = service.NewAnchorService(a.Batches, a.Tags, seq, registry, content, a.Journal, opts)
	a.Mint = service.NewMintService(a.Tags, a.Batches, registry, lock, a.Reconcile, a.Journal, opts)
	a.TagSvc = service.NewTagService(a.Tags, a.Batches, a.Outbox, registry, content, a.Journal)

	logger.Info("Services initialized")
	return a, nil
}

// anchorCacheKey scopes cached anchor records to one chain and contract
func anchorCacheKey(cfg *config.Config) func(common.Hash) string {
	chain := strconv.FormatInt(cfg.Chain.ChainID, 10)
	contract := cfg.Chain.ContractAddress
	return func(batchKey common.Hash) string {
		return storage.CacheKey("anchor", chain, contract, batchKey.Hex())
	}
}

// Close releases every connection that was opened
func (a *App) Close() {
	if a.Contract != nil {
		a.Contract.Close()
	}
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			logging.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logging.WithError(err).Warn("Error closing Redis connection")
		}
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
