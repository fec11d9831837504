package delivery

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genhub/internal/archive"
	"genhub/internal/blobstore"
	"genhub/internal/hashing"
	"genhub/internal/manifest"
	"genhub/internal/source"
	"genhub/internal/validation"
)

type memTransport struct {
	blobs map[string][]byte
	calls atomic.Int32
}

func (t *memTransport) Fetch(_ context.Context, _ *manifest.ContentManifest, f manifest.ManifestFile, dest string, progress func(written, total int64)) (string, int64, error) {
	t.calls.Add(1)
	data, ok := t.blobs[f.RelativePath]
	if !ok {
		return "", 0, os.ErrNotExist
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", 0, err
	}
	progress(int64(len(data)), int64(len(data)))
	return hashing.Bytes(data), int64(len(data)), nil
}

func testManifest(files ...manifest.ManifestFile) *manifest.ContentManifest {
	return &manifest.ContentManifest{ID: "1.10.github.mod.shockwave", Name: "ShockWave", Files: files}
}

func TestMaterializeUsesCache(t *testing.T) {
	transport := &memTransport{blobs: map[string][]byte{
		"data/shw.big": []byte("big archive"),
		"readme.txt":   []byte("hello"),
	}}
	cache := blobstore.NewInMemoryStore()
	d := New(Options{Transport: transport, Cache: cache})

	m := testManifest(
		manifest.ManifestFile{RelativePath: "data/shw.big", SourceType: manifest.SourceTypeDownload, IsRequired: true},
		manifest.ManifestFile{RelativePath: "readme.txt", SourceType: manifest.SourceTypeDownload},
	)

	var last source.ContentAcquisitionProgress
	out, err := d.Materialize(context.Background(), m, t.TempDir(), func(p source.ContentAcquisitionProgress) { last = p })
	require.NoError(t, err)
	require.Len(t, out.Files, 2)
	assert.Equal(t, hashing.Bytes([]byte("big archive")), out.Files[0].Hash)
	assert.Equal(t, int64(5), out.Files[1].Size)
	assert.Equal(t, source.PhaseDownloading, last.Phase)
	assert.Equal(t, int32(2), transport.calls.Load())
	assert.True(t, cache.Has(out.Files[0].Hash))

	dir := t.TempDir()
	again, err := d.Materialize(context.Background(), out, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), transport.calls.Load(), "hashed files should come from the cache")
	assert.Equal(t, out.Files, again.Files)

	data, err := os.ReadFile(filepath.Join(dir, "data", "shw.big"))
	require.NoError(t, err)
	assert.Equal(t, "big archive", string(data))
}

func TestMaterializeRejectsHashMismatch(t *testing.T) {
	transport := &memTransport{blobs: map[string][]byte{"a.big": []byte("tampered")}}
	d := New(Options{Transport: transport})

	m := testManifest(manifest.ManifestFile{RelativePath: "a.big", Hash: hashing.Bytes([]byte("original")), IsRequired: true})
	dir := t.TempDir()
	_, err := d.Materialize(context.Background(), m, dir, nil)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.NoFileExists(t, filepath.Join(dir, "a.big"))
}

func TestMaterializeExtractsArchives(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "Data", "INI"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Data", "INI", "GameData.ini"), []byte("ini"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "ShockWave.big"), []byte("big"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, archive.Write(context.Background(), &buf, archive.FormatZip, src))

	transport := &memTransport{blobs: map[string][]byte{"ShockWave-1.2.zip": buf.Bytes()}}
	d := New(Options{Transport: transport, Extract: true})

	dir := t.TempDir()
	out, err := d.Materialize(context.Background(), testManifest(manifest.ManifestFile{RelativePath: "ShockWave-1.2.zip", IsRequired: true}), dir, nil)
	require.NoError(t, err)

	paths := make([]string, 0, len(out.Files))
	for _, f := range out.Files {
		paths = append(paths, f.RelativePath)
		assert.Equal(t, manifest.SourceTypeExtractedPackage, f.SourceType)
	}
	assert.ElementsMatch(t, []string{"Data/INI/GameData.ini", "ShockWave.big"}, paths)
	assert.FileExists(t, filepath.Join(dir, "ShockWave.big"))
	assert.NoDirExists(t, filepath.Join(dir, downloadsDir))
}

func TestMaterializeRejectsTraversal(t *testing.T) {
	transport := &memTransport{}
	d := New(Options{Transport: transport})
	_, err := d.Materialize(context.Background(), testManifest(manifest.ManifestFile{RelativePath: "../escape.txt"}), t.TempDir(), nil)
	assert.ErrorIs(t, err, validation.ErrPathTraversal)
	assert.Zero(t, transport.calls.Load())
}
