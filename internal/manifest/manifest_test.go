package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id, err := NewID("CNC Labs", ContentTypeMap, "Desert Storm", "1.08")
	require.NoError(t, err)
	assert.Equal(t, ManifestID("1.108.cnc-labs.map.desert-storm"), id)

	again, err := NewID("cnc labs", ContentTypeMap, "desert storm!", "v1.0.8")
	require.NoError(t, err)
	assert.Equal(t, id, again, "ids should be stable across cosmetic differences")

	_, err = NewID("", ContentTypeMap, "x", "1")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = NewID("pub", ContentTypeMod, "???", "1")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestManifestIDValidate(t *testing.T) {
	tests := []struct {
		id    ManifestID
		valid bool
	}{
		{"1.0.github.mod.shockwave", true},
		{"1.108.cnc-labs.map.desert-storm", true},
		{"", false},
		{"1.0.github.mod", false},
		{"1.0.github.mod.../../etc", false},
		{"1.0.GitHub.mod.shockwave", false},
		{"1.0.github.mod.shock/wave", false},
	}

	for _, tc := range tests {
		t.Run(string(tc.id), func(t *testing.T) {
			err := tc.id.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidID)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	released := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := &ContentManifest{
		ID:       "1.0.github.mod.shockwave",
		Name:     "ShockWave",
		Metadata: Metadata{Tags: []string{"mod"}, ReleaseDate: &released},
		Files:    []ManifestFile{{RelativePath: "a.big", Size: 4}},
	}

	c := m.Clone()
	c.Files[0].Size = 99
	c.Metadata.Tags[0] = "changed"
	*c.Metadata.ReleaseDate = time.Time{}

	assert.Equal(t, int64(4), m.Files[0].Size)
	assert.Equal(t, "mod", m.Metadata.Tags[0])
	assert.Equal(t, released, *m.Metadata.ReleaseDate)
}

func TestMarshalRoundTripKeepsEnumsAsStrings(t *testing.T) {
	m := &ContentManifest{
		ID:          "1.0.github.mod.shockwave",
		Name:        "ShockWave",
		ContentType: ContentTypeMod,
		TargetGame:  TargetGameZeroHour,
		Files:       []ManifestFile{{RelativePath: "data/a.big", Size: 4, SourceType: SourceTypeLocalFile, IsRequired: true}},
	}

	data, err := Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"contentType": "Mod"`)
	assert.Contains(t, string(data), `"targetGame": "ZeroHour"`)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestParseEnums(t *testing.T) {
	ct, ok := ParseContentType("map")
	assert.True(t, ok)
	assert.Equal(t, ContentTypeMap, ct)

	_, ok = ParseContentType("spaceship")
	assert.False(t, ok)

	g, ok := ParseTargetGame("zh")
	assert.True(t, ok)
	assert.Equal(t, TargetGameZeroHour, g)

	assert.True(t, ContentTypeGameInstallation.IsReference())
	assert.False(t, ContentTypeMap.IsReference())
}
