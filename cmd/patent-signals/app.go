package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/patentradar/patent-signals/internal/cache"
	"github.com/patentradar/patent-signals/internal/config"
	"github.com/patentradar/patent-signals/internal/delivery"
	"github.com/patentradar/patent-signals/internal/engine"
	"github.com/patentradar/patent-signals/internal/novelty"
	"github.com/patentradar/patent-signals/internal/repo"
	"github.com/patentradar/patent-signals/internal/store"
	"github.com/patentradar/patent-signals/internal/utils"
)

// app holds the wired process: store, collaborators and engine.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	ingestion *repo.IngestionClient
	engine    *engine.Engine
	closers   []func(context.Context) error
}

// newApp loads configuration and wires every component. Logs go to logOut so command
// output on stdout stays machine readable.
func newApp(ctx context.Context, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := utils.NewLoggerTo(logOut, cfg.Logging.Level, cfg.Logging.JSON).With(slog.String("service", "patent-signals"))
	a := &app{cfg: cfg, logger: logger}

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	st, err := store.Open(ctx, store.Config{
		Driver:          cfg.Store.Driver,
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	}, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
			KeyPrefix:    cfg.Cache.KeyPrefix,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable; run leases disabled", slog.Any("error", err))
		} else {
			cacheProvider = provider
			a.closers = append(a.closers, func(context.Context) error { return provider.Close() })
		}
	}

	model := novelty.Model(novelty.DefaultModel())
	if cfg.Novelty.ModelPath != "" {
		loaded, err := novelty.LoadModel(cfg.Novelty.ModelPath)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		model = loaded
	}

	var deliverer delivery.Deliverer = delivery.NewLogDeliverer(logger)
	if cfg.Delivery.WebhookURL != "" {
		deliverer = delivery.NewWebhookDeliverer(delivery.WebhookConfig{
			URL:     cfg.Delivery.WebhookURL,
			Headers: cfg.Delivery.Headers,
			Timeout: cfg.Delivery.Timeout,
		})
	}

	deps := engine.Deps{
		Store:     st,
		Model:     model,
		Deliverer: deliverer,
		Cache:     cacheProvider,
		Logger:    logger,
	}
	if c := cfg.Clients.Ingestion; c.BaseURL != "" {
		a.ingestion = repo.NewIngestionClient(c.BaseURL, c.PatentsPath, c.Timeout)
		deps.Patents = a.ingestion
	}
	if c := cfg.Clients.Index; c.BaseURL != "" {
		deps.Index = repo.NewIndexClient(repo.IndexConfig{
			BaseURL:    c.BaseURL,
			APIKey:     c.APIKey,
			Collection: c.Collection,
			Timeout:    c.Timeout,
			RateLimit:  c.RateLimit,
			Burst:      c.Burst,
			CacheTTL:   cfg.Cache.NeighborsTTL,
		}, cacheProvider)
	}
	if c := cfg.Clients.Topics; c.BaseURL != "" {
		deps.Topics = repo.NewTopicClient(c.BaseURL, c.TopicPath, c.Timeout, cacheProvider, cfg.Cache.TopicTTL)
	}

	eng, err := engine.New(*cfg, deps)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.engine = eng
	logger.Debug("engine wired",
		slog.String("store_driver", cfg.Store.Driver),
		slog.String("model_version", eng.ModelVersion()),
		slog.Bool("ingestion", deps.Patents != nil),
		slog.Bool("index", deps.Index != nil),
		slog.Bool("topics", deps.Topics != nil))
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.logger != nil {
			a.logger.Warn("shutdown step failed", slog.Any("error", err))
		}
	}
	a.closers = nil
}

// commandApp wires the app for a one-shot command, logging to stderr.
func commandApp(ctx context.Context) (*app, error) {
	return newApp(ctx, os.Stderr)
}
