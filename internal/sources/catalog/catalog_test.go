package catalog

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genhub/internal/blobstore"
	remote "genhub/internal/catalog"
	"genhub/internal/hashing"
	"genhub/internal/manifest"
	"genhub/internal/pool"
	"genhub/internal/source"
	"genhub/internal/storage"
)

func remoteCatalog(t *testing.T) *remote.Client {
	t.Helper()
	store, err := storage.New(storage.Options{
		Root:  t.TempDir(),
		Probe: storage.StaticProbe{Kind: storage.VolumeFixed, Ready: true},
	})
	require.NoError(t, err)
	p := pool.New(store, nil, nil)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "Data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Data", "ROTR.big"), []byte("rotr data"), 0o644))

	res := p.AddManifest(context.Background(), &manifest.ContentManifest{
		ID:          "1.19.swr.mod.rise-of-the-reds",
		Name:        "Rise of the Reds",
		Version:     "1.9",
		ContentType: manifest.ContentTypeMod,
		TargetGame:  manifest.TargetGameZeroHour,
		Publisher:   manifest.Publisher{Name: "SWR"},
	}, src, nil)
	require.True(t, res.Success(), res.Errors)

	srv := httptest.NewServer(remote.NewServer(p, store, nil).Handler())
	t.Cleanup(srv.Close)
	return remote.NewClient(srv.URL, nil)
}

func TestSearchAndDeliverFromRemoteCatalog(t *testing.T) {
	for _, summaries := range []bool{false, true} {
		t.Run(map[bool]string{false: "inline", true: "summaries"}[summaries], func(t *testing.T) {
			cache := blobstore.NewInMemoryStore()
			s := New(Options{Client: remoteCatalog(t), Summaries: summaries, Cache: cache})
			p, err := NewProvider(source.NewRegistry(), s, nil, nil)
			require.NoError(t, err)

			hits, err := s.Discover(context.Background(), source.ContentSearchQuery{SearchTerm: "reds"})
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, summaries, hits[0].RequiresResolution)

			res := p.Search(context.Background(), source.ContentSearchQuery{SearchTerm: "reds"})
			require.True(t, res.Success(), res.Errors)
			require.Len(t, res.Data, 1)
			m, ok := res.Data[0].Manifest()
			require.True(t, ok)
			require.True(t, s.CanDeliver(m))

			dir := t.TempDir()
			prepared := p.Prepare(context.Background(), m, dir, nil)
			require.True(t, prepared.Success(), prepared.Errors)
			assert.Empty(t, prepared.Warnings)

			data, err := os.ReadFile(filepath.Join(dir, "Data", "ROTR.big"))
			require.NoError(t, err)
			assert.Equal(t, "rotr data", string(data))
			assert.True(t, cache.Has(hashing.Bytes([]byte("rotr data"))))
			assert.Contains(t, prepared.Data.Files[0].DownloadURL, "/api/v1/content/1.19.swr.mod.rise-of-the-reds/Data/ROTR.big")
		})
	}
}

func TestCanDeliverSkipsMetadataOnly(t *testing.T) {
	s := New(Options{Client: remote.NewClient("http://catalog.invalid", nil)})
	m := &manifest.ContentManifest{Files: []manifest.ManifestFile{{RelativePath: "a"}}}
	assert.True(t, s.CanDeliver(m))
	m.Metadata.SourcePath = "/games/zh"
	assert.False(t, s.CanDeliver(m))
}
