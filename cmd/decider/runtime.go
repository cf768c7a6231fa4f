package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"decider/api/internal/app"
	"decider/api/internal/config"
	"decider/api/internal/export"
	"decider/api/internal/search"
	"decider/api/internal/session"
	"decider/api/internal/store"
	"decider/api/internal/taxonomy"
)

// runtime is the wired service plus everything that must be released on exit.
type runtime struct {
	cfg      config.Config
	client   *taxonomy.Client
	searcher *search.Service
	service  *app.Service
	closers  []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// buildRuntime connects the optional backends named in cfg. Redis, Postgres,
// Meilisearch and MinIO are each skipped when their setting is empty.
func buildRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.client = taxonomy.NewClient(cfg.TaxonomyURL, cfg.TaxonomyTimeout, cfg.TaxonomyRetries, logger.Named("taxonomy"))
	catalog := taxonomy.NewCatalog(rt.client, logger.Named("catalog"))
	catalog.TTL = cfg.CatalogTTL
	checks := map[string]func(context.Context) error{
		"taxonomy": func(ctx context.Context) error {
			_, err := rt.client.Versions(ctx)
			return err
		},
	}

	var redisStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("Using Redis for durable storage")
		redisStore, err = session.NewRedisStore(cfg.RedisURL, cfg.SessionID)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = redisStore.Close() })
		checks["redis"] = redisStore.Ping
	} else {
		logger.Info("Using in-memory durable storage")
	}

	deps := app.Dependencies{
		Config:   cfg,
		Catalog:  catalog,
		Answers:  rt.client,
		Sessions: session.NewFactory(redisStore),
		Logger:   logger,
	}

	var indexers []search.Indexer
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.OpenMigrated(ctx, cfg.DatabaseURL, cfg.MigrationsDir, logger)
		if err != nil {
			return nil, fmt.Errorf("database setup failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		pg := store.NewPostgresStore(db)
		indexers = append(indexers, search.NewPgFTS(db))
		deps.SavedCarts = pg
		checks["database"] = pg.Ping
	} else {
		deps.Saver = rt.client
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
		rt.closers = append(rt.closers, meili.Close)
		checks["meilisearch"] = func(context.Context) error {
			if !meili.Healthy() {
				return errors.New("meilisearch is unhealthy")
			}
			return nil
		}
	}
	rt.searcher = search.NewService(meili, rt.client, logger.Named("search"), indexers...)
	rt.closers = append(rt.closers, rt.searcher.Close)
	deps.Search = rt.searcher

	var sink export.Sink = export.DirSink{Dir: cfg.ExportDir}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioSink, err := export.NewMinioSink(export.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		}, "exports", logger.Named("export"))
		if err != nil {
			return nil, err
		}
		sink = minioSink
	}
	deps.Exports = export.NewService(rt.client, sink, version, logger.Named("export"))
	deps.ReadyChecks = checks

	rt.service, err = app.NewService(deps)
	if err != nil {
		return nil, err
	}
	return rt, nil
}
