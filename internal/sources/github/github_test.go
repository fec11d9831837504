package github

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genhub/internal/archive"
	"genhub/internal/blobstore"
	"genhub/internal/fetch"
	"genhub/internal/manifest"
	"genhub/internal/source"
)

func releaseServer(t *testing.T, zipped []byte) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	rel := func() release {
		r := release{
			TagName:     "v1.2",
			Name:        "ShockWave 1.2",
			Body:        "Balance update\n\nlong notes",
			HTMLURL:     "https://github.com/shockwave/shw/releases/tag/v1.2",
			PublishedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			Assets: []asset{{
				Name:               "ShockWave-1.2.zip",
				Size:               int64(len(zipped)),
				BrowserDownloadURL: srv.URL + "/download/ShockWave-1.2.zip",
			}},
		}
		r.Author.Login = "shockwave-team"
		return r
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/shockwave/shw/releases", func(w http.ResponseWriter, r *http.Request) {
		draft := release{TagName: "v2.0", Draft: true}
		json.NewEncoder(w).Encode([]release{rel(), draft})
	})
	mux.HandleFunc("/repos/shockwave/shw/releases/tags/v1.2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rel())
	})
	mux.HandleFunc("/repos/broken/repo/releases", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	mux.HandleFunc("/download/ShockWave-1.2.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(zipped)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func modArchive(t *testing.T) []byte {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "Data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Data", "ShockWave.big"), []byte("big file"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Readme.txt"), []byte("readme"), 0o644))
	var buf bytes.Buffer
	require.NoError(t, archive.Write(context.Background(), &buf, archive.FormatZip, src))
	return buf.Bytes()
}

var shockwave = Repository{
	Owner:       "shockwave",
	Name:        "shw",
	DisplayName: "ShockWave",
	ContentType: manifest.ContentTypeMod,
	TargetGame:  manifest.TargetGameZeroHour,
	Tags:        []string{"mod"},
}

func TestSearchAndPrepareRelease(t *testing.T) {
	srv := releaseServer(t, modArchive(t))
	cache := blobstore.NewInMemoryStore()
	s := New(Options{
		BaseURL:      srv.URL,
		Repositories: []Repository{shockwave},
		Client:       fetch.New(fetch.Options{Name: "test"}),
		Cache:        cache,
	})
	p, err := NewProvider(source.NewRegistry(), s, nil, nil)
	require.NoError(t, err)

	res := p.Search(context.Background(), source.ContentSearchQuery{SearchTerm: "shock"})
	require.True(t, res.Success(), res.Errors)
	require.Len(t, res.Data, 1)

	hit := res.Data[0]
	assert.Equal(t, manifest.ManifestID("1.12.shockwave.mod.shw"), hit.ID)
	assert.Equal(t, "Balance update", hit.Description)
	assert.Equal(t, "shockwave", hit.AuthorName)

	m, ok := hit.Manifest()
	require.True(t, ok)
	require.Len(t, m.Files, 1)
	assert.Equal(t, manifest.SourceTypeDownload, m.Files[0].SourceType)

	dir := t.TempDir()
	prepared := p.Prepare(context.Background(), m, dir, nil)
	require.True(t, prepared.Success(), prepared.Errors)
	assert.Empty(t, prepared.Warnings)

	paths := map[string]manifest.ManifestFile{}
	for _, f := range prepared.Data.Files {
		paths[f.RelativePath] = f
	}
	require.Contains(t, paths, "Data/ShockWave.big")
	assert.Equal(t, int64(len("big file")), paths["Data/ShockWave.big"].Size)
	assert.NotEmpty(t, paths["Data/ShockWave.big"].Hash)
	assert.FileExists(t, filepath.Join(dir, "Readme.txt"))

	cached, err := cache.List()
	require.NoError(t, err)
	assert.Len(t, cached, 1)
}

func TestDiscoverFilters(t *testing.T) {
	srv := releaseServer(t, nil)
	s := New(Options{BaseURL: srv.URL, Repositories: []Repository{shockwave}})

	mapType := manifest.ContentTypeMap
	hits, err := s.Discover(context.Background(), source.ContentSearchQuery{ContentType: &mapType})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.Discover(context.Background(), source.ContentSearchQuery{Tags: []string{"MOD"}})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestDiscoverFailsWhenEveryRepositoryFails(t *testing.T) {
	srv := releaseServer(t, nil)
	broken := Repository{Owner: "broken", Name: "repo", ContentType: manifest.ContentTypeMod, TargetGame: manifest.TargetGameZeroHour}

	s := New(Options{BaseURL: srv.URL, Repositories: []Repository{broken}})
	_, err := s.Discover(context.Background(), source.ContentSearchQuery{})
	var statusErr *fetch.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	s = New(Options{BaseURL: srv.URL, Repositories: []Repository{broken, shockwave}})
	hits, err := s.Discover(context.Background(), source.ContentSearchQuery{})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestCanDeliver(t *testing.T) {
	s := New(Options{})
	assert.False(t, s.CanDeliver(&manifest.ContentManifest{}))
	assert.False(t, s.CanDeliver(&manifest.ContentManifest{Files: []manifest.ManifestFile{{RelativePath: "a"}}}))
	assert.True(t, s.CanDeliver(&manifest.ContentManifest{Files: []manifest.ManifestFile{{RelativePath: "a", DownloadURL: "https://x/a"}}}))
}
