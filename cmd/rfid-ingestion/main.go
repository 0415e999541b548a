// The rfid-ingestion service attaches to an MQTT broker, enriches every tag
// read against the registry, keeps per-tag counters, and fans the resulting
// stream out to WebSocket subscribers, a warehouse archive, and an optional
// Pub/Sub mirror. Connection control and registry CRUD are exposed over HTTP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/rfid-ingestion/pkg/broadcast"
	"github.com/illmade-knight/rfid-ingestion/pkg/connection"
	"github.com/illmade-knight/rfid-ingestion/pkg/controlapi"
	"github.com/illmade-knight/rfid-ingestion/pkg/forwarder"
	"github.com/illmade-knight/rfid-ingestion/pkg/ingestion"
	"github.com/illmade-knight/rfid-ingestion/pkg/registry"
	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
	"github.com/illmade-knight/rfid-ingestion/pkg/scanstore"
	"github.com/illmade-knight/rfid-ingestion/pkg/stats"
)

const shutdownGrace = 25 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration.")
	}
	if level, levelErr := zerolog.ParseLevel(cfg.LogLevel); levelErr == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Service failed.")
	}
	logger.Info().Msg("Service exited cleanly.")
}

func run(ctx context.Context, cfg *Config, logger zerolog.Logger) error {
	// Shared Redis client, used by whichever components are configured for it.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	tagStore, invalidator, err := buildRegistry(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}

	statStore, err := buildStats(cfg, rdb, logger)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(cfg.HubBuffer, logger)
	defer hub.Close()

	manager := connection.NewManager(connection.DefaultOptions(), logger)

	archiver, err := buildArchiver(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var archiveSink ingestion.ScanArchiver
	if archiver != nil {
		archiveSink = archiver
		archiver.Start(ctx)
	}

	fwd, fwdCleanup, err := buildForwarder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if fwdCleanup != nil {
		defer fwdCleanup()
	}
	var forwardSink ingestion.EventForwarder
	if fwd != nil {
		forwardSink = fwd
	}

	service, err := ingestion.NewService(cfg.Ingestion, manager, tagStore, statStore, hub, archiveSink, forwardSink, logger)
	if err != nil {
		return err
	}
	if err := service.Start(ctx); err != nil {
		return err
	}

	api := controlapi.NewServer(
		cfg.HTTPPort,
		manager,
		tagStore,
		statStore,
		broadcast.NewStreamHandler(hub, logger),
		invalidator,
		logger,
	)
	if err := api.Start(); err != nil {
		return err
	}

	if cfg.Broker != nil {
		if err := manager.Configure(*cfg.Broker); err != nil {
			return err
		}
		if cfg.AutoConnect {
			if err := manager.ConnectSaved(ctx); err != nil {
				return err
			}
		}
	}

	logger.Info().Str("http_port", cfg.HTTPPort).Msg("RFID ingestion service running.")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	// Ordered teardown: stop taking HTTP requests, detach from the broker and
	// drain the pipeline, then flush the side sinks.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Control API shutdown failed.")
	}
	if err := service.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Ingestion service shutdown failed.")
	}
	if archiver != nil {
		if err := archiver.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Archiver shutdown failed.")
		}
	}
	if fwd != nil {
		if err := fwd.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Forwarder shutdown failed.")
		}
	}
	return nil
}

// buildRegistry assembles the configured tag registry, optionally fronted by
// the Redis read-through cache.
func buildRegistry(ctx context.Context, cfg *Config, rdb *redis.Client, logger zerolog.Logger) (registry.TagStore, controlapi.CacheInvalidator, error) {
	var store registry.TagStore
	switch cfg.Registry.Backend {
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Registry.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		fsRegistry, err := registry.NewFirestoreRegistry(&registry.FirestoreConfig{
			ProjectID:      cfg.Registry.ProjectID,
			CollectionName: cfg.Registry.CollectionName,
		}, client, logger)
		if err != nil {
			return nil, nil, err
		}
		store = fsRegistry
	default:
		store = registry.NewInMemoryRegistry()
	}

	if !cfg.Registry.CacheEnabled {
		return store, nil, nil
	}

	cacheCfg := registry.DefaultCacheConfig()
	if cfg.Registry.CacheTTL > 0 {
		cacheCfg.TTL = cfg.Registry.CacheTTL
	}
	cached, err := registry.NewCachedRegistry(cacheCfg, rdb, store, logger)
	if err != nil {
		return nil, nil, err
	}
	// Reads go through the cache; writes keep hitting the source directly,
	// with the control API invalidating on every mutation.
	return &cachedTagStore{TagStore: store, cached: cached}, cached, nil
}

// cachedTagStore routes lookups through the cache while writes stay on the
// source registry.
type cachedTagStore struct {
	registry.TagStore
	cached *registry.CachedRegistry
}

func (c *cachedTagStore) Lookup(ctx context.Context, tagID string) (rfid.TagInfo, error) {
	return c.cached.Lookup(ctx, tagID)
}

func buildStats(cfg *Config, rdb *redis.Client, logger zerolog.Logger) (stats.StatStore, error) {
	if cfg.Stats.Backend == "redis" {
		return stats.NewRedisStatStore(stats.RedisConfig{}, rdb, logger)
	}
	return stats.NewInMemoryStatStore(), nil
}

func buildArchiver(ctx context.Context, cfg *Config, logger zerolog.Logger) (*scanstore.Archiver, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	client, err := scanstore.NewBigQueryClient(ctx, cfg.Archive.BigQuery, logger)
	if err != nil {
		return nil, err
	}
	inserter, err := scanstore.NewBigQueryInserter(ctx, client, cfg.Archive.BigQuery, logger)
	if err != nil {
		return nil, err
	}
	return scanstore.NewArchiver(cfg.Archive.Batch, inserter, logger), nil
}

func buildForwarder(ctx context.Context, cfg *Config, logger zerolog.Logger) (*forwarder.PubsubForwarder, func(), error) {
	if !cfg.Forwarder.Enabled {
		return nil, nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.Forwarder.Pubsub.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	fwd, err := forwarder.NewPubsubForwarder(ctx, cfg.Forwarder.Pubsub, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return fwd, func() { _ = client.Close() }, nil
}
