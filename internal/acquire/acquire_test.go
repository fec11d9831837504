package acquire

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genhub/internal/hashing"
	"genhub/internal/manifest"
	"genhub/internal/pool"
	"genhub/internal/provider"
	"genhub/internal/result"
	"genhub/internal/source"
	"genhub/internal/sources/local"
	"genhub/internal/storage"
)

func newPool(t *testing.T) (*pool.Pool, *storage.Service) {
	t.Helper()
	store, err := storage.New(storage.Options{
		Root:  t.TempDir(),
		Probe: storage.StaticProbe{Kind: storage.VolumeFixed, Ready: true},
	})
	require.NoError(t, err)
	return pool.New(store, nil, nil), store
}

func mapManifest(name string) *manifest.ContentManifest {
	id, _ := manifest.NewID("CNC Labs", manifest.ContentTypeMap, name, "1.0")
	return &manifest.ContentManifest{
		ID:          id,
		Name:        name,
		Version:     "1.0",
		ContentType: manifest.ContentTypeMap,
		TargetGame:  manifest.TargetGameZeroHour,
		Publisher:   manifest.Publisher{Name: "CNC Labs"},
	}
}

// fakeProvider writes fixed files into the working directory.
type fakeProvider struct {
	files    map[string]string
	fail     error
	prepared int
	dirs     []string
}

func (f *fakeProvider) Name() string            { return "fake" }
func (f *fakeProvider) Source() source.SourceID { return source.SourceCatalog }

func (f *fakeProvider) Search(ctx context.Context, query source.ContentSearchQuery) result.Result[[]source.ContentSearchResult] {
	if f.fail != nil {
		return result.FailureFromError[[]source.ContentSearchResult](f.fail)
	}
	return result.Success([]source.ContentSearchResult{source.FromManifest(mapManifest("Desert Storm"), f.Name())})
}

func (f *fakeProvider) Prepare(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress source.ProgressFunc) result.Result[*manifest.ContentManifest] {
	f.prepared++
	f.dirs = append(f.dirs, workingDir)
	if f.fail != nil {
		return result.FailureFromError[*manifest.ContentManifest](f.fail)
	}
	out := m.Clone()
	for rel, content := range f.files {
		p := filepath.Join(workingDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return result.FailureFromError[*manifest.ContentManifest](err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return result.FailureFromError[*manifest.ContentManifest](err)
		}
	}
	return result.Success(out, "prepared by fake")
}

var _ provider.ContentProvider = (*fakeProvider)(nil)

func TestAcquireStoresAndCleansUp(t *testing.T) {
	p, store := newPool(t)
	fake := &fakeProvider{files: map[string]string{"maps/storm.map": "storm"}}
	workDir := t.TempDir()
	svc := New(Options{Pool: p, WorkDir: workDir})

	m := mapManifest("Desert Storm")
	var phases []source.Phase
	res := svc.Acquire(context.Background(), fake, source.FromManifest(m, "fake"), func(pr source.ContentAcquisitionProgress) {
		phases = append(phases, pr.Phase)
	})
	require.True(t, res.Success(), res.Errors)
	assert.Contains(t, res.Warnings, "prepared by fake")
	require.Len(t, res.Data.Files, 1)
	assert.Equal(t, "maps/storm.map", res.Data.Files[0].RelativePath)
	assert.Equal(t, hashing.Bytes([]byte("storm")), res.Data.Files[0].Hash)
	assert.NotEmpty(t, phases)

	assert.True(t, p.IsManifestAcquired(context.Background(), m.ID))
	assert.True(t, store.IsContentStored(context.Background(), m.ID).Data)

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "working directory is removed")

	again := svc.Acquire(context.Background(), fake, source.FromManifest(m, "fake"), nil)
	require.True(t, again.Success())
	assert.Equal(t, 1, fake.prepared, "acquired content is not prepared twice")
}

func TestAcquirePrepareFailure(t *testing.T) {
	p, _ := newPool(t)
	fake := &fakeProvider{fail: errors.New("mirror offline")}
	svc := New(Options{Pool: p, WorkDir: t.TempDir()})

	m := mapManifest("Desert Storm")
	res := svc.Acquire(context.Background(), fake, source.FromManifest(m, "fake"), nil)
	require.True(t, res.Failed())
	assert.Equal(t, "mirror offline", res.FirstError())
	assert.False(t, p.IsManifestAcquired(context.Background(), m.ID))
	_, err := os.Stat(fake.dirs[0])
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireRequiresResolvedManifest(t *testing.T) {
	p, _ := newPool(t)
	svc := New(Options{Pool: p})
	res := svc.Acquire(context.Background(), &fakeProvider{}, source.ContentSearchResult{ID: "1.10.a.map.b", RequiresResolution: true}, nil)
	assert.True(t, res.Failed())
}

func TestAcquireChecksDependencies(t *testing.T) {
	p, _ := newPool(t)
	fake := &fakeProvider{files: map[string]string{"a.map": "a"}}
	svc := New(Options{Pool: p, ResolveDependencies: true, WorkDir: t.TempDir()})

	base := mapManifest("Base Pack")
	addon := mapManifest("Addon Map")
	addon.Dependencies = []manifest.ContentDependency{{ID: base.ID, Name: "Base Pack", DependencyType: manifest.DependencyRequires}}

	res := svc.Acquire(context.Background(), fake, source.FromManifest(addon, "fake"), nil)
	require.True(t, res.Failed())
	assert.Contains(t, res.FirstError(), "missing required dependency "+string(base.ID))
	assert.Equal(t, 0, fake.prepared)

	require.True(t, svc.Acquire(context.Background(), fake, source.FromManifest(base, "fake"), nil).Success())
	res = svc.Acquire(context.Background(), fake, source.FromManifest(addon, "fake"), nil)
	require.True(t, res.Success(), res.Errors)
}

func TestAcquireWarnsAboutIncompatibleContent(t *testing.T) {
	p, _ := newPool(t)
	fake := &fakeProvider{files: map[string]string{"a.map": "a"}}
	svc := New(Options{Pool: p, WorkDir: t.TempDir()})

	other := mapManifest("Other Map")
	require.True(t, svc.Acquire(context.Background(), fake, source.FromManifest(other, "fake"), nil).Success())

	m := mapManifest("Desert Storm")
	m.Dependencies = []manifest.ContentDependency{{ID: other.ID, DependencyType: manifest.DependencyIncompatible}}
	res := svc.Acquire(context.Background(), fake, source.FromManifest(m, "fake"), nil)
	require.True(t, res.Success(), res.Errors)
	assert.Contains(t, res.Warnings, string(m.ID)+" is incompatible with acquired content "+string(other.ID))
}

func TestAcquireFromLocalDirectory(t *testing.T) {
	p, store := newPool(t)
	dir := t.TempDir()
	m := mapManifest("Desert Storm")
	m.Files = []manifest.ManifestFile{{RelativePath: "storm.map", Size: 5, Hash: hashing.Bytes([]byte("storm")), IsRequired: true}}
	data, err := manifest.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(m.ID)+local.ManifestSuffix), data, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, string(m.ID)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(m.ID), "storm.map"), []byte("storm"), 0o644))

	src, err := local.New(dir, nil)
	require.NoError(t, err)
	lp, err := local.NewProvider(source.NewRegistry(), src, nil, nil)
	require.NoError(t, err)

	hits := SearchAll(context.Background(), []provider.ContentProvider{lp}, source.ContentSearchQuery{SearchTerm: "storm"})
	require.True(t, hits.Success(), hits.Errors)
	require.Len(t, hits.Data, 1)

	res := New(Options{Pool: p, WorkDir: t.TempDir()}).Acquire(context.Background(), lp, hits.Data[0], nil)
	require.True(t, res.Success(), res.Errors)
	assert.Empty(t, res.Data.Metadata.SourcePath)

	target := t.TempDir()
	require.True(t, store.RetrieveContent(context.Background(), m.ID, target).Success())
	content, err := os.ReadFile(filepath.Join(target, "storm.map"))
	require.NoError(t, err)
	assert.Equal(t, "storm", string(content))
}

func TestSearchAllToleratesFailingProviders(t *testing.T) {
	ok := &fakeProvider{}
	broken := &fakeProvider{fail: errors.New("boom")}

	res := SearchAll(context.Background(), []provider.ContentProvider{broken, ok}, source.ContentSearchQuery{})
	require.True(t, res.Success())
	assert.Len(t, res.Data, 1)
	assert.Equal(t, []string{"fake: boom"}, res.Warnings)

	res = SearchAll(context.Background(), []provider.ContentProvider{broken}, source.ContentSearchQuery{})
	assert.True(t, res.Failed())

	assert.True(t, SearchAll(context.Background(), nil, source.ContentSearchQuery{}).Failed())
}
