package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genhub/internal/hashing"
	"genhub/internal/manifest"
	"genhub/internal/source"
)

type fakeSource struct {
	discover func(ctx context.Context, q source.ContentSearchQuery) ([]source.ContentSearchResult, error)
	resolve  func(ctx context.Context, stub source.ContentSearchResult) (*manifest.ContentManifest, error)
	deliver  func(ctx context.Context, m *manifest.ContentManifest, dir string, progress source.ProgressFunc) (*manifest.ContentManifest, error)
}

func (f *fakeSource) Source() source.SourceID { return source.SourceGitHub }

func (f *fakeSource) Discover(ctx context.Context, q source.ContentSearchQuery) ([]source.ContentSearchResult, error) {
	return f.discover(ctx, q)
}

func (f *fakeSource) Resolve(ctx context.Context, stub source.ContentSearchResult) (*manifest.ContentManifest, error) {
	return f.resolve(ctx, stub)
}

func (f *fakeSource) CanDeliver(m *manifest.ContentManifest) bool { return f.deliver != nil }

func (f *fakeSource) Deliver(ctx context.Context, m *manifest.ContentManifest, dir string, progress source.ProgressFunc) (*manifest.ContentManifest, error) {
	return f.deliver(ctx, m, dir, progress)
}

var passThrough = PreparerFunc(func(_ context.Context, m *manifest.ContentManifest, _ string, _ source.ProgressFunc) (*manifest.ContentManifest, error) {
	return m, nil
})

func newProvider(t *testing.T, f *fakeSource, opts Options) *Base {
	t.Helper()
	reg := source.NewRegistry()
	require.NoError(t, reg.Register(f))
	opts.Registry = reg
	opts.Source = source.SourceGitHub
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func validManifest(name string) *manifest.ContentManifest {
	id, _ := manifest.NewID("github", manifest.ContentTypeMod, name, "1.0")
	return &manifest.ContentManifest{
		ID:          id,
		Name:        name,
		Version:     "1.0",
		ContentType: manifest.ContentTypeMod,
		TargetGame:  manifest.TargetGameZeroHour,
		Publisher:   manifest.Publisher{Name: "github"},
	}
}

func TestNewFailsFastOnMissingCapability(t *testing.T) {
	reg := source.NewRegistry()
	_, err := New(Options{Registry: reg, Source: source.SourceCatalog, Require: source.RequireDiscoverer})
	assert.ErrorIs(t, err, source.ErrCapabilityMissing)

	// A deliverer or a preparer is always needed.
	_, err = New(Options{Registry: reg, Source: source.SourceCatalog})
	assert.ErrorIs(t, err, source.ErrCapabilityMissing)
}

func TestSearchWithoutDiscovererIsEmpty(t *testing.T) {
	p, err := New(Options{
		Registry: source.NewRegistry(),
		Source:   source.SourceLocalFileSystem,
		Preparer: passThrough,
	})
	require.NoError(t, err)

	res := p.Search(context.Background(), source.ContentSearchQuery{SearchTerm: "anything"})
	require.True(t, res.Success())
	assert.Empty(t, res.Data)
}

func TestSearchDiscoveryFailure(t *testing.T) {
	p := newProvider(t, &fakeSource{
		discover: func(context.Context, source.ContentSearchQuery) ([]source.ContentSearchResult, error) {
			return nil, errors.New("rate limited")
		},
	}, Options{Preparer: passThrough})

	res := p.Search(context.Background(), source.ContentSearchQuery{})
	require.True(t, res.Failed())
	assert.Equal(t, "Discovery failed: rate limited", res.FirstError())
}

func TestSearchResolvesAndDropsFailures(t *testing.T) {
	good := validManifest("Rise of the Reds")
	good.Metadata.Tags = nil
	invalid := validManifest("Broken")
	invalid.TargetGame = manifest.TargetGameUnknown

	stubs := []source.ContentSearchResult{
		{ID: "1.0.github.map.passthrough", Name: "Pass Through"},
		{Name: "RotR", Description: "stub description", Tags: []string{"faction"}, SourceURL: "https://example.test/rotr", RequiresResolution: true, ResolverMetadata: map[string]string{"tag": "v1.0"}},
		{Name: "Fails", RequiresResolution: true},
		{Name: "Invalid", RequiresResolution: true},
		{Name: "Panics", RequiresResolution: true},
	}
	p := newProvider(t, &fakeSource{
		discover: func(context.Context, source.ContentSearchQuery) ([]source.ContentSearchResult, error) {
			return stubs, nil
		},
		resolve: func(_ context.Context, stub source.ContentSearchResult) (*manifest.ContentManifest, error) {
			switch stub.Name {
			case "RotR":
				return good, nil
			case "Invalid":
				return invalid, nil
			case "Panics":
				panic("resolver bug")
			}
			return nil, errors.New("no release assets")
		},
	}, Options{Preparer: passThrough})

	res := p.Search(context.Background(), source.ContentSearchQuery{})
	require.True(t, res.Success(), res.Errors)
	require.Len(t, res.Data, 2)

	assert.Equal(t, "Pass Through", res.Data[0].Name)

	resolved := res.Data[1]
	assert.Equal(t, good.ID, resolved.ID)
	assert.Equal(t, "Rise of the Reds", resolved.Name)
	assert.Equal(t, "stub description", resolved.Description)
	assert.Equal(t, []string{"faction"}, resolved.Tags)
	assert.Equal(t, "https://example.test/rotr", resolved.SourceURL)
	assert.Equal(t, "v1.0", resolved.Hint("tag"))
	assert.False(t, resolved.RequiresResolution)
	m, ok := resolved.Manifest()
	require.True(t, ok)
	assert.Equal(t, good.ID, m.ID)
}

func TestSearchAppliesTakeAndBoundsConcurrency(t *testing.T) {
	var stubs []source.ContentSearchResult
	for i := 0; i < 20; i++ {
		stubs = append(stubs, source.ContentSearchResult{Name: "stub", RequiresResolution: true})
	}

	var active, peak int32
	var resolved int32
	p := newProvider(t, &fakeSource{
		discover: func(context.Context, source.ContentSearchQuery) ([]source.ContentSearchResult, error) {
			return stubs, nil
		},
		resolve: func(context.Context, source.ContentSearchResult) (*manifest.ContentManifest, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			atomic.AddInt32(&resolved, 1)
			return validManifest("Concurrent"), nil
		},
	}, Options{Preparer: passThrough, ResolveConcurrency: 2})

	res := p.Search(context.Background(), source.ContentSearchQuery{Take: 10})
	require.True(t, res.Success())
	assert.Len(t, res.Data, 10)
	assert.Equal(t, int32(10), atomic.LoadInt32(&resolved))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

type phaseRecorder struct {
	mu     sync.Mutex
	phases []source.Phase
}

func (r *phaseRecorder) report(p source.ContentAcquisitionProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.phases) == 0 || r.phases[len(r.phases)-1] != p.Phase {
		r.phases = append(r.phases, p.Phase)
	}
}

func writingDeliverer(files map[string]string) func(context.Context, *manifest.ContentManifest, string, source.ProgressFunc) (*manifest.ContentManifest, error) {
	return func(_ context.Context, m *manifest.ContentManifest, dir string, _ source.ProgressFunc) (*manifest.ContentManifest, error) {
		out := m.Clone()
		out.Files = nil
		for rel, content := range files {
			full := filepath.Join(dir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return nil, err
			}
			out.Files = append(out.Files, manifest.ManifestFile{
				RelativePath: rel,
				Size:         int64(len(content)),
				Hash:         hashing.Bytes([]byte(content)),
				SourceType:   manifest.SourceTypeDownload,
				IsRequired:   true,
			})
		}
		return out, nil
	}
}

func TestPrepareReportsPhases(t *testing.T) {
	p := newProvider(t, &fakeSource{deliver: writingDeliverer(map[string]string{"data/rotr.big": "payload"})}, Options{})

	rec := &phaseRecorder{}
	dir := t.TempDir()
	res := p.Prepare(context.Background(), validManifest("Rise of the Reds"), dir, rec.report)
	require.True(t, res.Success(), res.Errors)
	assert.Empty(t, res.Warnings)
	require.Len(t, res.Data.Files, 1)
	assert.Equal(t, "data/rotr.big", res.Data.Files[0].RelativePath)

	assert.Equal(t, []source.Phase{
		source.PhaseValidatingManifest,
		source.PhaseExtracting,
		source.PhaseValidatingFiles,
		source.PhaseCompleted,
	}, rec.phases)
}

func TestPrepareFileIssuesAreWarnings(t *testing.T) {
	deliver := func(_ context.Context, m *manifest.ContentManifest, dir string, _ source.ProgressFunc) (*manifest.ContentManifest, error) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.txt"), []byte("x"), 0o644))
		out := m.Clone()
		out.Files = []manifest.ManifestFile{{RelativePath: "missing.big", Size: 3, IsRequired: true}}
		return out, nil
	}
	phase := source.PhaseDownloading
	p := newProvider(t, &fakeSource{deliver: deliver}, Options{PreparePhase: &phase})

	rec := &phaseRecorder{}
	res := p.Prepare(context.Background(), validManifest("Shockwave"), t.TempDir(), rec.report)
	require.True(t, res.Success(), res.Errors)
	assert.Len(t, res.Warnings, 2)
	assert.Contains(t, rec.phases, source.PhaseDownloading)
}

func TestPrepareFailures(t *testing.T) {
	t.Run("invalid manifest", func(t *testing.T) {
		p := newProvider(t, &fakeSource{deliver: writingDeliverer(nil)}, Options{})
		m := validManifest("Shockwave")
		m.Name = ""
		res := p.Prepare(context.Background(), m, t.TempDir(), nil)
		require.True(t, res.Failed())
		assert.Contains(t, res.FirstError(), "name is required")
	})

	t.Run("preparer error", func(t *testing.T) {
		p := newProvider(t, &fakeSource{deliver: func(context.Context, *manifest.ContentManifest, string, source.ProgressFunc) (*manifest.ContentManifest, error) {
			return nil, errors.New("asset gone")
		}}, Options{})
		res := p.Prepare(context.Background(), validManifest("Shockwave"), t.TempDir(), nil)
		require.True(t, res.Failed())
		assert.Contains(t, res.FirstError(), "asset gone")
	})

	t.Run("panic", func(t *testing.T) {
		p := newProvider(t, &fakeSource{deliver: func(context.Context, *manifest.ContentManifest, string, source.ProgressFunc) (*manifest.ContentManifest, error) {
			panic("nil map")
		}}, Options{})
		m := validManifest("Shockwave")
		res := p.Prepare(context.Background(), m, t.TempDir(), nil)
		require.True(t, res.Failed())
		assert.Contains(t, res.FirstError(), string(m.ID))
		assert.Contains(t, res.FirstError(), "panicked")
	})
}
