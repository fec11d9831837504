package validation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genhub/internal/hashing"
	"genhub/internal/manifest"
)

func validManifest() *manifest.ContentManifest {
	return &manifest.ContentManifest{
		ID:          "1.108.cnc-labs.map.desert-storm",
		Name:        "Desert Storm",
		Version:     "1.08",
		ContentType: manifest.ContentTypeMap,
		TargetGame:  manifest.TargetGameZeroHour,
		Publisher:   manifest.Publisher{Name: "CNC Labs"},
	}
}

func TestValidateManifestStructure(t *testing.T) {
	v := NewValidator(nil)
	ctx := context.Background()

	r := v.ValidateManifest(ctx, validManifest())
	assert.True(t, r.IsValid(), "%v", r.Issues)

	missingName := validManifest()
	missingName.Name = ""
	r = v.ValidateManifest(ctx, missingName)
	assert.False(t, r.IsValid())
	assert.Contains(t, r.Errors(), "name is required")

	badDep := validManifest()
	badDep.Dependencies = []manifest.ContentDependency{{ID: "not an id"}}
	assert.False(t, v.ValidateManifest(ctx, badDep).IsValid())

	dup := validManifest()
	dup.Files = []manifest.ManifestFile{{RelativePath: "a.map"}, {RelativePath: "A.map"}}
	assert.False(t, v.ValidateManifest(ctx, dup).IsValid())

	reserved := validManifest()
	reserved.Files = []manifest.ManifestFile{{RelativePath: "aux.map"}}
	r = v.ValidateManifest(ctx, reserved)
	assert.True(t, r.IsValid())
	assert.Len(t, r.Warnings(), 1)
}

func TestValidateAllChecksPresenceSizeAndHash(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "maps"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps", "desert.map"), []byte("sand"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.txt"), []byte("x"), 0o644))

	m := validManifest()
	m.Files = []manifest.ManifestFile{
		{RelativePath: "maps/desert.map", Size: 4, Hash: hashing.Bytes([]byte("sand")), IsRequired: true},
	}

	var seen []Progress
	v := NewValidator(nil)
	r := v.ValidateAll(context.Background(), dir, m, func(p Progress) { seen = append(seen, p) })
	assert.True(t, r.IsValid(), "%v", r.Issues)
	assert.Equal(t, []string{"extra.txt: file is not listed in the manifest"}, r.Warnings())
	require.NotEmpty(t, seen)
	assert.Equal(t, Progress{Processed: 1, Total: 1}, seen[len(seen)-1])

	m.Files[0].Hash = hashing.Bytes([]byte("snow"))
	r = v.ValidateAll(context.Background(), dir, m, nil)
	assert.Contains(t, r.Errors(), "maps/desert.map: hash mismatch")

	m.Files[0].Size = 10
	r = v.ValidateAll(context.Background(), dir, m, nil)
	assert.False(t, r.IsValid())

	m.Files = append(m.Files, manifest.ManifestFile{RelativePath: "missing.big", IsRequired: true})
	r = v.ValidateAll(context.Background(), dir, m, nil)
	assert.Contains(t, r.Errors(), "missing.big: required file is missing")
}

func TestValidateAllRejectsTraversal(t *testing.T) {
	m := validManifest()
	m.Files = []manifest.ManifestFile{{RelativePath: "../../evil.exe"}}

	r := NewValidator(nil).ValidateAll(context.Background(), t.TempDir(), m, nil)
	require.False(t, r.IsValid())
	assert.Contains(t, r.Errors()[0], "../../evil.exe")
}
