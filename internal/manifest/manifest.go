// Package manifest defines the content manifest, the unit of acquired
// content, together with its files, publisher and dependency references.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"
)

// ContentManifest describes one piece of acquired content: its identity,
// provenance and file layout. Manifests are replaced wholesale once stored.
type ContentManifest struct {
	ID           ManifestID          `json:"id"`
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	ContentType  ContentType         `json:"contentType"`
	TargetGame   TargetGame          `json:"targetGame"`
	Publisher    Publisher           `json:"publisher"`
	Metadata     Metadata            `json:"metadata"`
	Files        []ManifestFile      `json:"files"`
	Dependencies []ContentDependency `json:"dependencies,omitempty"`
}

// Publisher names the origin of a manifest.
type Publisher struct {
	Name          string        `json:"name"`
	Website       string        `json:"website,omitempty"`
	SupportURL    string        `json:"supportUrl,omitempty"`
	PublisherType PublisherType `json:"publisherType,omitempty"`
}

// Metadata carries display and provenance information.
type Metadata struct {
	Description    string     `json:"description,omitempty"`
	IconURL        string     `json:"iconUrl,omitempty"`
	ScreenshotURLs []string   `json:"screenshotUrls,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	ReleaseDate    *time.Time `json:"releaseDate,omitempty"`
	ChangelogURL   string     `json:"changelogUrl,omitempty"`
	// SourcePath points at the original location of content that was
	// recorded without copying it into the store.
	SourcePath string `json:"sourcePath,omitempty"`
}

// ManifestFile is one file of a manifest, relative to the content root.
type ManifestFile struct {
	RelativePath string     `json:"relativePath"`
	Size         int64      `json:"size"`
	Hash         string     `json:"hash,omitempty"`
	SourceType   SourceType `json:"sourceType"`
	IsRequired   bool       `json:"isRequired"`
	DownloadURL  string     `json:"downloadUrl,omitempty"`
	IsExecutable bool       `json:"isExecutable,omitempty"`
}

// ContentDependency references another manifest by id.
type ContentDependency struct {
	ID             ManifestID     `json:"id"`
	Name           string         `json:"name,omitempty"`
	DependencyType DependencyType `json:"dependencyType"`
	MinVersion     string         `json:"minVersion,omitempty"`
	IsOptional     bool           `json:"isOptional,omitempty"`
}

// Clone returns a deep copy of m.
func (m *ContentManifest) Clone() *ContentManifest {
	if m == nil {
		return nil
	}
	c := *m
	c.Files = slices.Clone(m.Files)
	c.Dependencies = slices.Clone(m.Dependencies)
	c.Metadata.ScreenshotURLs = slices.Clone(m.Metadata.ScreenshotURLs)
	c.Metadata.Tags = slices.Clone(m.Metadata.Tags)
	if m.Metadata.ReleaseDate != nil {
		t := *m.Metadata.ReleaseDate
		c.Metadata.ReleaseDate = &t
	}
	return &c
}

// TotalSize sums the sizes of all files.
func (m *ContentManifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// File looks up a file by its relative path.
func (m *ContentManifest) File(relativePath string) (ManifestFile, bool) {
	for _, f := range m.Files {
		if f.RelativePath == relativePath {
			return f, true
		}
	}
	return ManifestFile{}, false
}

// Marshal encodes m as indented JSON, the on-disk manifest format.
func Marshal(m *ContentManifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest %s: %w", m.ID, err)
	}
	return data, nil
}

// Decode reads a manifest from r.
func Decode(r io.Reader) (*ContentManifest, error) {
	var m ContentManifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// Unmarshal decodes a manifest from data.
func Unmarshal(data []byte) (*ContentManifest, error) {
	var m ContentManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}
