// Package catalog serves the manifest pool and stored content of one node
// over HTTP, so that another node can use it as a content source.
package catalog

import (
	"context"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"

	"genhub/internal/manifest"
	"genhub/internal/result"
	"genhub/internal/source"
	"genhub/internal/storage"
)

const APIPrefix = "/api/v1"

// Catalog answers manifest queries.
type Catalog interface {
	SearchManifests(ctx context.Context, query source.ContentSearchQuery) result.Result[[]*manifest.ContentManifest]
	GetManifest(ctx context.Context, id manifest.ManifestID) result.Result[*manifest.ContentManifest]
}

// Content gives read access to stored files.
type Content interface {
	OpenContentFile(id manifest.ManifestID, relativePath string) (billy.File, os.FileInfo, error)
	ContentPath(id manifest.ManifestID) string
	GetStorageStats(ctx context.Context) result.Result[storage.StorageStats]
}

// Summary is the short form of a manifest returned by summary searches.
type Summary struct {
	ID          manifest.ManifestID  `json:"id"`
	Name        string               `json:"name"`
	Version     string               `json:"version"`
	ContentType manifest.ContentType `json:"contentType"`
	TargetGame  manifest.TargetGame  `json:"targetGame"`
	Publisher   string               `json:"publisher"`
	Description string               `json:"description,omitempty"`
	IconURL     string               `json:"iconUrl,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	Size        int64                `json:"size"`
	FileCount   int                  `json:"fileCount"`
	ReleaseDate *time.Time           `json:"releaseDate,omitempty"`
}

func Summarize(m *manifest.ContentManifest) Summary {
	return Summary{
		ID:          m.ID,
		Name:        m.Name,
		Version:     m.Version,
		ContentType: m.ContentType,
		TargetGame:  m.TargetGame,
		Publisher:   m.Publisher.Name,
		Description: m.Metadata.Description,
		IconURL:     m.Metadata.IconURL,
		Tags:        m.Metadata.Tags,
		Size:        m.TotalSize(),
		FileCount:   len(m.Files),
		ReleaseDate: m.Metadata.ReleaseDate,
	}
}
