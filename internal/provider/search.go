package provider

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"golang.org/x/sync/errgroup"

	"genhub/internal/manifest"
	"genhub/internal/result"
	"genhub/internal/source"
)

// Search discovers stubs, resolves those that need it and returns the hits
// in discovery order. A stub that fails to resolve or validate is logged
// and dropped. Only a discovery failure fails the search.
func (b *Base) Search(ctx context.Context, query source.ContentSearchQuery) (res result.Result[[]source.ContentSearchResult]) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic during search", "panic", r, "stack", string(debug.Stack()))
			res = result.Failuref[[]source.ContentSearchResult]("search panicked: %v", r)
		}
		b.metrics.ObserveSearch(b.name, res.Success())
	}()

	if b.binding.Discoverer == nil {
		return result.Success([]source.ContentSearchResult{})
	}

	stubs, err := b.binding.Discoverer.Discover(ctx, query)
	if err != nil {
		b.logger.Warn("discovery failed", "error", err)
		return result.Failuref[[]source.ContentSearchResult]("Discovery failed: %v", err)
	}
	if limit := query.Limit(); len(stubs) > limit {
		stubs = stubs[:limit]
	}

	slots := make([]*source.ContentSearchResult, len(stubs))
	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for i, stub := range stubs {
		if !stub.RequiresResolution {
			slots[i] = &stub
			continue
		}
		g.Go(func() error {
			resolved, err := b.resolve(ctx, stub)
			if err != nil {
				b.logger.Warn("failed to resolve search result", "id", stub.ID, "name", stub.Name, "error", err)
				b.metrics.ObserveResolveFailure(b.name)
				return nil
			}
			slots[i] = resolved
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return result.FailureFromError[[]source.ContentSearchResult](err)
	}

	out := make([]source.ContentSearchResult, 0, len(slots))
	for _, s := range slots {
		if s != nil {
			out = append(out, *s)
		}
	}
	return result.Success(out)
}

func (b *Base) resolve(ctx context.Context, stub source.ContentSearchResult) (resolved *source.ContentSearchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolver panicked: %v", r)
		}
	}()

	if b.binding.Resolver == nil {
		return nil, fmt.Errorf("%s has no resolver", b.binding.Source)
	}
	m, err := b.binding.Resolver.Resolve(ctx, stub)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("resolver returned no manifest")
	}

	vr := b.validator.ValidateManifest(ctx, m)
	if !vr.IsValid() {
		return nil, fmt.Errorf("resolved manifest is invalid: %s", strings.Join(vr.Errors(), "; "))
	}

	merged := merge(stub, m, b.name)
	return &merged, nil
}

// merge builds the resolved hit. Manifest fields win; display fields the
// manifest leaves empty fall back to the stub.
func merge(stub source.ContentSearchResult, m *manifest.ContentManifest, provider string) source.ContentSearchResult {
	out := source.FromManifest(m, provider)
	if out.Name == "" {
		out.Name = stub.Name
	}
	if out.Description == "" {
		out.Description = stub.Description
	}
	if len(out.Tags) == 0 {
		out.Tags = stub.Tags
	}
	if len(out.ScreenshotURLs) == 0 {
		out.ScreenshotURLs = stub.ScreenshotURLs
	}
	if out.IconURL == "" {
		out.IconURL = stub.IconURL
	}
	if out.AuthorName == "" {
		out.AuthorName = stub.AuthorName
	}
	if out.LastUpdated.IsZero() {
		out.LastUpdated = stub.LastUpdated
	}
	if out.DownloadSize == 0 {
		out.DownloadSize = stub.DownloadSize
	}
	out.SourceURL = stub.SourceURL
	out.ResolverMetadata = stub.ResolverMetadata
	return out
}
