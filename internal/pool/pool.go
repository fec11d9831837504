// Package pool keeps the acquired manifests in memory on top of the content
// store. Readers see immutable snapshots; every change publishes a new map.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"

	"genhub/internal/keyed"
	"genhub/internal/logging"
	"genhub/internal/manifest"
	"genhub/internal/metrics"
	"genhub/internal/result"
	"genhub/internal/source"
	"genhub/internal/storage"
)

// Store is the part of the content store the pool depends on.
type Store interface {
	StoreContent(ctx context.Context, m *manifest.ContentManifest, sourceDir string, opts ...storage.StoreOption) result.Result[*manifest.ContentManifest]
	RemoveContent(ctx context.Context, id manifest.ManifestID) result.Result[bool]
	ListManifests(ctx context.Context) ([]*manifest.ContentManifest, error)
}

var _ Store = (*storage.Service)(nil)

type snapshot map[manifest.ManifestID]*manifest.ContentManifest

type Pool struct {
	store   Store
	logger  hclog.Logger
	metrics *metrics.Metrics

	current  atomic.Pointer[snapshot]
	writeMu  sync.Mutex
	ids      keyed.Mutex
	inflight singleflight.Group
}

func New(store Store, logger hclog.Logger, m *metrics.Metrics) *Pool {
	p := &Pool{
		store:   store,
		logger:  logging.OrNull(logger).Named("pool"),
		metrics: m,
	}
	empty := snapshot{}
	p.current.Store(&empty)
	return p
}

// Load replaces the pool contents with every manifest in the store.
func (p *Pool) Load(ctx context.Context) error {
	all, err := p.store.ListManifests(ctx)
	if err != nil {
		return fmt.Errorf("failed to load manifests: %w", err)
	}
	next := make(snapshot, len(all))
	for _, m := range all {
		next[m.ID] = m
	}

	p.writeMu.Lock()
	p.current.Store(&next)
	p.writeMu.Unlock()

	p.metrics.SetPoolSize(len(next))
	p.logger.Debug("loaded manifests", "count", len(next))
	return nil
}

func (p *Pool) snapshot() snapshot {
	return *p.current.Load()
}

// SearchManifests returns clones of the manifests matching query, sorted by
// name then id.
func (p *Pool) SearchManifests(ctx context.Context, query source.ContentSearchQuery) result.Result[[]*manifest.ContentManifest] {
	if err := ctx.Err(); err != nil {
		return result.FailureFromError[[]*manifest.ContentManifest](err)
	}
	var out []*manifest.ContentManifest
	for _, m := range p.snapshot() {
		if query.MatchesManifest(m) {
			out = append(out, m)
		}
	}
	sortManifests(out)
	if len(out) > query.Limit() {
		out = out[:query.Limit()]
	}
	return result.Success(cloneAll(out))
}

func (p *Pool) GetManifest(ctx context.Context, id manifest.ManifestID) result.Result[*manifest.ContentManifest] {
	if err := ctx.Err(); err != nil {
		return result.FailureFromError[*manifest.ContentManifest](err)
	}
	m, ok := p.snapshot()[id]
	if !ok {
		return result.Failuref[*manifest.ContentManifest]("manifest %s not found", id)
	}
	return result.Success(m.Clone())
}

func (p *Pool) GetAllManifests(ctx context.Context) result.Result[[]*manifest.ContentManifest] {
	if err := ctx.Err(); err != nil {
		return result.FailureFromError[[]*manifest.ContentManifest](err)
	}
	snap := p.snapshot()
	out := make([]*manifest.ContentManifest, 0, len(snap))
	for _, m := range snap {
		out = append(out, m)
	}
	sortManifests(out)
	return result.Success(cloneAll(out))
}

// IsManifestAcquired reports whether id is in the pool.
func (p *Pool) IsManifestAcquired(ctx context.Context, id manifest.ManifestID) bool {
	_, ok := p.snapshot()[id]
	return ok
}

// AddManifest stores m with the content in sourcePath and publishes it. An
// id already in the pool is not stored again; the existing manifest is
// returned instead. Concurrent adds of one id share a single store, which
// runs to completion even if the caller that started it gives up. Each
// caller still returns early when its own ctx is done.
func (p *Pool) AddManifest(ctx context.Context, m *manifest.ContentManifest, sourcePath string, progress source.ProgressFunc) result.Result[*manifest.ContentManifest] {
	if m == nil {
		return result.Failure[*manifest.ContentManifest]("manifest is nil")
	}
	if err := ctx.Err(); err != nil {
		return result.FailureFromError[*manifest.ContentManifest](err)
	}
	if existing, ok := p.snapshot()[m.ID]; ok {
		p.logger.Debug("manifest already in pool", "manifest", m.ID)
		return result.Success(existing.Clone())
	}

	storeCtx := context.WithoutCancel(ctx)
	ch := p.inflight.DoChan(string(m.ID), func() (any, error) {
		return p.add(storeCtx, m, sourcePath, progress), nil
	})

	select {
	case <-ctx.Done():
		return result.FailureFromError[*manifest.ContentManifest](ctx.Err())
	case r := <-ch:
		shared := r.Val.(result.Result[*manifest.ContentManifest])
		if shared.Failed() {
			return shared
		}
		return result.Success(shared.Data.Clone(), shared.Warnings...)
	}
}

// add stores and publishes m while holding the id lock, so a concurrent
// RemoveManifest of the same id runs entirely before or after it.
func (p *Pool) add(ctx context.Context, m *manifest.ContentManifest, sourcePath string, progress source.ProgressFunc) (res result.Result[*manifest.ContentManifest]) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while adding manifest", "manifest", m.ID, "panic", r)
			res = result.Failuref[*manifest.ContentManifest]("adding %s failed unexpectedly: %v", m.ID, r)
		}
	}()

	unlock := p.ids.Lock(string(m.ID))
	defer unlock()

	if existing, ok := p.snapshot()[m.ID]; ok {
		return result.Success(existing)
	}
	stored := p.store.StoreContent(ctx, m, sourcePath, storage.WithProgress(progress))
	if stored.Failed() {
		return stored
	}

	p.writeMu.Lock()
	p.publish(func(next snapshot) { next[stored.Data.ID] = stored.Data })
	p.writeMu.Unlock()
	p.logger.Info("added manifest", "manifest", m.ID)
	return stored
}

// RemoveManifest removes id from the store and the pool. Removing an
// unknown id succeeds.
func (p *Pool) RemoveManifest(ctx context.Context, id manifest.ManifestID) result.Result[bool] {
	unlock := p.ids.Lock(string(id))
	defer unlock()

	removed := p.store.RemoveContent(ctx, id)
	if removed.Failed() {
		return removed
	}
	_, known := p.snapshot()[id]
	if known {
		p.writeMu.Lock()
		p.publish(func(next snapshot) { delete(next, id) })
		p.writeMu.Unlock()
	}
	return result.Success(known || removed.Data)
}

// publish copies the current snapshot, applies change and swaps it in.
// Callers hold writeMu.
func (p *Pool) publish(change func(snapshot)) {
	cur := p.snapshot()
	next := make(snapshot, len(cur)+1)
	for id, m := range cur {
		next[id] = m
	}
	change(next)
	p.current.Store(&next)
	p.metrics.SetPoolSize(len(next))
}

func sortManifests(ms []*manifest.ContentManifest) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Name != ms[j].Name {
			return ms[i].Name < ms[j].Name
		}
		return ms[i].ID < ms[j].ID
	})
}

func cloneAll(ms []*manifest.ContentManifest) []*manifest.ContentManifest {
	out := make([]*manifest.ContentManifest, len(ms))
	for i, m := range ms {
		out[i] = m.Clone()
	}
	return out
}
