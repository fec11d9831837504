// Package acquire runs a search hit through the whole pipeline: preparation
// by its provider in a scratch directory, the optional dependency check,
// storage and publication in the manifest pool.
package acquire

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"genhub/internal/dependency"
	"genhub/internal/logging"
	"genhub/internal/manifest"
	"genhub/internal/pool"
	"genhub/internal/provider"
	"genhub/internal/result"
	"genhub/internal/source"
)

// Pool is the part of the manifest pool acquisition uses.
type Pool interface {
	dependency.Lookup
	IsManifestAcquired(ctx context.Context, id manifest.ManifestID) bool
	AddManifest(ctx context.Context, m *manifest.ContentManifest, sourcePath string, progress source.ProgressFunc) result.Result[*manifest.ContentManifest]
}

var _ Pool = (*pool.Pool)(nil)

type Options struct {
	Pool Pool
	// ResolveDependencies fails acquisitions whose required dependencies
	// are not acquired yet.
	ResolveDependencies bool
	// WorkDir holds the scratch directories. Defaults to os.TempDir().
	WorkDir string
	Logger  hclog.Logger
}

type Service struct {
	pool        Pool
	resolver    *dependency.Resolver
	resolveDeps bool
	workDir     string
	logger      hclog.Logger
}

func New(opts Options) *Service {
	logger := logging.OrNull(opts.Logger).Named("acquire")
	return &Service{
		pool:        opts.Pool,
		resolver:    dependency.NewResolver(opts.Pool, logger),
		resolveDeps: opts.ResolveDependencies,
		workDir:     opts.WorkDir,
		logger:      logger,
	}
}

// Acquire prepares the content of hit with p and adds it to the pool. Hits
// that are already acquired return the pooled manifest without touching
// the provider.
func (s *Service) Acquire(ctx context.Context, p provider.ContentProvider, hit source.ContentSearchResult, progress source.ProgressFunc) result.Result[*manifest.ContentManifest] {
	m, ok := hit.Manifest()
	if !ok || m == nil {
		return result.Failuref[*manifest.ContentManifest]("search result %s carries no resolved manifest", hit.ID)
	}
	logger := s.logger.With("operation", uuid.NewString(), "manifest", m.ID, "provider", p.Name())

	if s.pool.IsManifestAcquired(ctx, m.ID) {
		logger.Debug("already acquired")
		return s.pool.GetManifest(ctx, m.ID)
	}

	var warnings []string
	if s.resolveDeps {
		graph := s.resolver.Resolve(ctx, m)
		if graph.Failed() {
			return result.Convert[*dependency.Graph, *manifest.ContentManifest](graph)
		}
		warnings = append(warnings, graph.Warnings...)
	}
	warnings = append(warnings, s.incompatibleWarnings(ctx, m)...)

	dir, err := os.MkdirTemp(s.workDir, "genhub-acquire-")
	if err != nil {
		return result.Failuref[*manifest.ContentManifest]("failed to create working directory: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove working directory", "dir", dir, "error", err)
		}
	}()

	logger.Info("acquiring content")
	prepared := p.Prepare(ctx, m, dir, progress)
	if prepared.Failed() {
		return prepared.WithWarnings(warnings...)
	}
	warnings = append(warnings, prepared.Warnings...)

	stored := s.pool.AddManifest(ctx, prepared.Data, provider.ContentDir(prepared.Data, dir), progress)
	if stored.Failed() {
		return stored.WithWarnings(warnings...)
	}
	logger.Info("content acquired", "files", len(stored.Data.Files))
	return result.Success(stored.Data, append(warnings, stored.Warnings...)...)
}

func (s *Service) incompatibleWarnings(ctx context.Context, m *manifest.ContentManifest) []string {
	var out []string
	for _, dep := range m.Dependencies {
		if dep.DependencyType == manifest.DependencyIncompatible && s.pool.IsManifestAcquired(ctx, dep.ID) {
			out = append(out, fmt.Sprintf("%s is incompatible with acquired content %s", m.ID, dep.ID))
		}
	}
	return out
}

// SearchAll queries every provider concurrently. A failing provider adds
// its errors as warnings; the search fails only when every provider does.
// Hits are ordered by provider, then by the provider's own order, and
// carry the name of the provider that found them.
func SearchAll(ctx context.Context, providers []provider.ContentProvider, query source.ContentSearchQuery) result.Result[[]source.ContentSearchResult] {
	if len(providers) == 0 {
		return result.Failure[[]source.ContentSearchResult]("no content providers configured")
	}

	var (
		mu       sync.Mutex
		slots    = make([][]source.ContentSearchResult, len(providers))
		errs     []string
		failures int
	)
	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			res := p.Search(ctx, query)
			mu.Lock()
			defer mu.Unlock()
			if res.Failed() {
				failures++
				for _, e := range res.Errors {
					errs = append(errs, fmt.Sprintf("%s: %s", p.Name(), e))
				}
				return nil
			}
			for j := range res.Data {
				res.Data[j].ProviderName = p.Name()
			}
			slots[i] = res.Data
			for _, w := range res.Warnings {
				errs = append(errs, fmt.Sprintf("%s: %s", p.Name(), w))
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(errs)
	if failures == len(providers) {
		return result.Failure[[]source.ContentSearchResult](errs...)
	}
	var out []source.ContentSearchResult
	for _, hits := range slots {
		out = append(out, hits...)
	}
	if limit := query.Limit(); limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return result.Success(out, errs...)
}
