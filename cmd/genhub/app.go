package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"genhub/internal/acquire"
	"genhub/internal/catalog"
	"genhub/internal/config"
	"genhub/internal/fetch"
	"genhub/internal/logging"
	"genhub/internal/metrics"
	"genhub/internal/pool"
	"genhub/internal/provider"
	"genhub/internal/source"
	catalogsource "genhub/internal/sources/catalog"
	"genhub/internal/sources/github"
	"genhub/internal/sources/gitrepo"
	"genhub/internal/sources/local"
	"genhub/internal/sources/s3mirror"
	"genhub/internal/storage"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	logger   hclog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *storage.Service
	pool     *pool.Pool
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.New("genhub", cfg.Log.Level, nil)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store, err := storage.New(storage.Options{
		Root:                cfg.Storage.Root,
		Logger:              logger,
		Metrics:             m,
		MaxConcurrentWrites: cfg.Storage.MaxConcurrentWrites,
	})
	if err != nil {
		return nil, err
	}
	p := pool.New(store, logger, m)
	if err := p.Load(ctx); err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, registry: registry, metrics: m, store: store, pool: p}, nil
}

func (a *app) fetchClient(name string) *fetch.Client {
	return fetch.New(fetch.Options{
		HTTPClient:        &http.Client{Timeout: a.cfg.Fetch.Timeout},
		RequestsPerSecond: a.cfg.Fetch.RequestsPerSecond,
		Burst:             a.cfg.Fetch.Burst,
		FailureThreshold:  a.cfg.Fetch.FailureThreshold,
		OpenTimeout:       a.cfg.Fetch.OpenTimeout,
		UserAgent:         a.cfg.Fetch.UserAgent,
		Name:              name,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
}

// providers builds a provider for every configured source, in SourceID
// order. only, when non-empty, restricts the set to one source.
func (a *app) providers(ctx context.Context, only string) ([]provider.ContentProvider, error) {
	var want source.SourceID
	if only != "" {
		id, err := source.ParseSourceID(only)
		if err != nil {
			return nil, err
		}
		want = id
	}
	enabled := func(id source.SourceID) bool { return want == source.SourceUnknown || want == id }

	reg := source.NewRegistry()
	sources := a.cfg.Sources
	cache := a.store.Cache()
	var out []provider.ContentProvider

	if sources.Local != nil && enabled(source.SourceLocalFileSystem) {
		s, err := local.New(sources.Local.Dir, a.logger)
		if err != nil {
			return nil, err
		}
		p, err := local.NewProvider(reg, s, a.logger, a.metrics)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if sources.GitHub != nil && enabled(source.SourceGitHub) {
		s := github.New(github.Options{
			BaseURL:      sources.GitHub.BaseURL,
			Repositories: sources.GitHub.Repositories,
			Client:       a.fetchClient("github"),
			Cache:        cache,
			Logger:       a.logger,
		})
		p, err := github.NewProvider(reg, s, a.logger, a.metrics)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if sources.Catalog != nil && enabled(source.SourceCatalog) {
		s := catalogsource.New(catalogsource.Options{
			Client:    catalog.NewClient(sources.Catalog.URL, a.fetchClient("catalog")),
			Summaries: sources.Catalog.Summaries,
			Cache:     cache,
			Logger:    a.logger,
		})
		p, err := catalogsource.NewProvider(reg, s, a.logger, a.metrics)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if sources.Git != nil && enabled(source.SourceGitRepository) {
		s := gitrepo.New(gitrepo.Options{Repositories: sources.Git.Repositories, Logger: a.logger})
		p, err := gitrepo.NewProvider(reg, s, a.logger, a.metrics)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if sources.S3 != nil && enabled(source.SourceS3Mirror) {
		client, err := s3mirror.NewClient(ctx, sources.S3.ClientConfig)
		if err != nil {
			return nil, err
		}
		s := s3mirror.New(s3mirror.Options{
			API:      client,
			Layout:   sources.S3.Layout(),
			PageSize: sources.S3.PageSize,
			Cache:    cache,
			Logger:   a.logger,
		})
		p, err := s3mirror.NewProvider(reg, s, a.logger, a.metrics)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	if len(out) == 0 {
		if only != "" {
			return nil, fmt.Errorf("source %s is not configured", only)
		}
		return nil, fmt.Errorf("no sources configured")
	}
	return out, nil
}

func (a *app) acquirer() *acquire.Service {
	return acquire.New(acquire.Options{
		Pool:                a.pool,
		ResolveDependencies: a.cfg.Acquire.ResolveDependencies,
		Logger:              a.logger,
	})
}

func (a *app) catalogServer() *catalog.Server {
	return catalog.NewServer(a.pool, a.store, a.logger).WithMetrics(a.registry)
}

func (a *app) publisher(ctx context.Context) (*s3mirror.Publisher, error) {
	if a.cfg.Sources.S3 == nil {
		return nil, fmt.Errorf("sources.s3 is not configured")
	}
	client, err := s3mirror.NewClient(ctx, a.cfg.Sources.S3.ClientConfig)
	if err != nil {
		return nil, err
	}
	return s3mirror.NewPublisher(client, a.cfg.Sources.S3.Layout(), a.store, a.logger), nil
}
