package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genhub/internal/manifest"
	"genhub/internal/source"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStoreListRetrieveRemove(t *testing.T) {
	root := t.TempDir()
	work := t.TempDir()

	m := &manifest.ContentManifest{
		ID:          "1.10.cnc-labs.map.desert-storm",
		Name:        "Desert Storm",
		Version:     "1.0",
		ContentType: manifest.ContentTypeMap,
		TargetGame:  manifest.TargetGameZeroHour,
		Publisher:   manifest.Publisher{Name: "CNC Labs"},
	}
	data, err := manifest.Marshal(m)
	require.NoError(t, err)
	manifestPath := filepath.Join(work, "storm.manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, data, 0o644))
	content := filepath.Join(work, "content")
	require.NoError(t, os.MkdirAll(content, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(content, "storm.map"), []byte("storm"), 0o644))

	out, err := run(t, "--root", root, "store", manifestPath, content)
	require.NoError(t, err)
	assert.Contains(t, out, "1 files")

	out, err = run(t, "--root", root, "list", "--type", "map")
	require.NoError(t, err)
	assert.Contains(t, out, "Desert Storm")

	out, err = run(t, "--root", root, "list", "--type", "mod")
	require.NoError(t, err)
	assert.NotContains(t, out, "Desert Storm")

	target := t.TempDir()
	_, err = run(t, "--root", root, "retrieve", string(m.ID), target)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(target, "storm.map"))
	require.NoError(t, err)
	assert.Equal(t, "storm", string(got))

	out, err = run(t, "--root", root, "deps", string(m.ID))
	require.NoError(t, err)
	assert.Equal(t, string(m.ID)+"\n", out)

	out, err = run(t, "--root", root, "remove", string(m.ID))
	require.NoError(t, err)
	assert.Contains(t, out, "removed")

	out, err = run(t, "--root", root, "--json", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"manifestCount": 0`)
}

func TestSearchWithoutSources(t *testing.T) {
	_, err := run(t, "--root", t.TempDir(), "search", "storm")
	assert.EqualError(t, err, "no sources configured")
}

func TestQueryFlags(t *testing.T) {
	q := queryFlags{contentType: "MapPack", game: "zh", tags: []string{"2v2"}, players: 4, take: 5}
	query, err := q.query("desert")
	require.NoError(t, err)
	assert.Equal(t, manifest.ContentTypeMapPack, *query.ContentType)
	assert.Equal(t, manifest.TargetGameZeroHour, *query.TargetGame)
	require.NotNil(t, query.PlayerCount)
	assert.Equal(t, 4, *query.PlayerCount)
	assert.Equal(t, 5, query.Take)

	query, err = (&queryFlags{}).query("")
	require.NoError(t, err)
	assert.Nil(t, query.PlayerCount)

	_, err = (&queryFlags{players: -1}).query("")
	assert.Error(t, err)

	_, err = (&queryFlags{contentType: "spaceship"}).query("")
	assert.Error(t, err)
}

func TestPickHit(t *testing.T) {
	hits := []source.ContentSearchResult{{ID: "1.10.a.map.one"}, {ID: "1.10.a.map.two"}}

	h, err := pickHit(hits, "1.10.a.map.two", false)
	require.NoError(t, err)
	assert.Equal(t, manifest.ManifestID("1.10.a.map.two"), h.ID)

	_, err = pickHit(hits, "1.10.a.map.three", false)
	assert.Error(t, err)

	_, err = pickHit(hits, "", false)
	assert.ErrorContains(t, err, "2 results match")

	h, err = pickHit(hits, "", true)
	require.NoError(t, err)
	assert.Equal(t, manifest.ManifestID("1.10.a.map.one"), h.ID)

	_, err = pickHit(nil, "", true)
	assert.Error(t, err)
}
