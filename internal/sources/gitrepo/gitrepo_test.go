package gitrepo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genhub/internal/hashing"
	"genhub/internal/manifest"
	"genhub/internal/source"
)

// fakeCloner serves repositories built in memory instead of cloning.
type fakeCloner map[string]*git.Repository

func (c fakeCloner) Clone(_ context.Context, repo Repository) (*git.Repository, error) {
	r, ok := c[repo.URL]
	if !ok {
		return nil, errors.New("repository not found")
	}
	return r, nil
}

func buildRepo(t *testing.T, files map[string]string) *git.Repository {
	t.Helper()
	fs := memfs.New()
	r, err := git.Init(memory.NewStorage(), fs)
	require.NoError(t, err)
	wt, err := r.Worktree()
	require.NoError(t, err)
	for p, content := range files {
		require.NoError(t, util.WriteFile(fs, p, []byte(content), 0o644))
		_, err := wt.Add(p)
		require.NoError(t, err)
	}
	_, err = wt.Commit("Maps for season 3", &git.CommitOptions{
		Author: &object.Signature{Name: "mapper", Email: "mapper@example.test", When: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	return r
}

var mapPack = Repository{
	URL:         "https://git.example.test/genhub-community/season-maps.git",
	Name:        "Season Maps",
	Tag:         "v3.0",
	ContentType: manifest.ContentTypeMapPack,
	TargetGame:  manifest.TargetGameZeroHour,
	Tags:        []string{"tournament"},
}

func TestSynthesizedManifestAndCheckout(t *testing.T) {
	cloner := fakeCloner{mapPack.URL: buildRepo(t, map[string]string{
		"Maps/Alpine Assault/Alpine Assault.map": "alpine",
		"Maps/Tournament Desert/Tournament Desert.map": "desert",
	})}
	s := New(Options{Repositories: []Repository{mapPack}, Cloner: cloner})
	p, err := NewProvider(source.NewRegistry(), s, nil, nil)
	require.NoError(t, err)

	res := p.Search(context.Background(), source.ContentSearchQuery{SearchTerm: "season"})
	require.True(t, res.Success(), res.Errors)
	require.Len(t, res.Data, 1)

	m, ok := res.Data[0].Manifest()
	require.True(t, ok)
	assert.Equal(t, manifest.ManifestID("1.30.genhub-community.mappack.season-maps"), m.ID)
	assert.Equal(t, "genhub-community", m.Publisher.Name)
	require.Len(t, m.Files, 2)

	dir := t.TempDir()
	prepared := p.Prepare(context.Background(), m, dir, nil)
	require.True(t, prepared.Success(), prepared.Errors)
	assert.Empty(t, prepared.Warnings)

	data, err := os.ReadFile(filepath.Join(dir, "Maps", "Alpine Assault", "Alpine Assault.map"))
	require.NoError(t, err)
	assert.Equal(t, "alpine", string(data))
	assert.NoDirExists(t, filepath.Join(dir, ".git"))
}

func TestManifestFromRepository(t *testing.T) {
	published := &manifest.ContentManifest{
		ID:          "1.12.contra.mod.contra",
		Name:        "Contra",
		Version:     "1.2",
		ContentType: manifest.ContentTypeMod,
		TargetGame:  manifest.TargetGameZeroHour,
		Publisher:   manifest.Publisher{Name: "contra"},
		Files: []manifest.ManifestFile{
			{RelativePath: "Contra.big", Size: 6, Hash: hashing.Bytes([]byte("contra")), IsRequired: true},
		},
	}
	data, err := manifest.Marshal(published)
	require.NoError(t, err)

	repo := Repository{URL: "https://git.example.test/contra/contra.git", Name: "Contra", ContentType: manifest.ContentTypeMod, TargetGame: manifest.TargetGameZeroHour}
	cloner := fakeCloner{repo.URL: buildRepo(t, map[string]string{
		ManifestFile: string(data),
		"Contra.big": "contra",
	})}
	s := New(Options{Repositories: []Repository{repo}, Cloner: cloner})

	hits, err := s.Discover(context.Background(), source.ContentSearchQuery{})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	m, err := s.Resolve(context.Background(), hits[0])
	require.NoError(t, err)
	assert.Equal(t, published.ID, m.ID)
	require.True(t, s.CanDeliver(m))

	out, err := s.Deliver(context.Background(), m, t.TempDir(), nil)
	require.NoError(t, err)
	require.Len(t, out.Files, 1)
	assert.Equal(t, "Contra.big", out.Files[0].RelativePath)
	assert.Equal(t, published.Files[0].Hash, out.Files[0].Hash)
}

func TestDiscoverFilters(t *testing.T) {
	s := New(Options{Repositories: []Repository{mapPack}, Cloner: fakeCloner{}})

	mod := manifest.ContentTypeMod
	hits, err := s.Discover(context.Background(), source.ContentSearchQuery{ContentType: &mod})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.Discover(context.Background(), source.ContentSearchQuery{SearchTerm: "tournament"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = s.Resolve(context.Background(), hits[0])
	assert.Error(t, err)
}

func TestHostOwner(t *testing.T) {
	assert.Equal(t, "genhub-community", hostOwner("https://github.com/genhub-community/maps.git"))
	assert.Equal(t, "owner", hostOwner("git@github.com:owner/repo.git"))
	assert.Equal(t, "example.test", hostOwner("https://example.test"))
}
