// Package source defines the three pipeline capabilities a content source
// can provide: discovery of lightweight search hits, resolution of a hit
// into a full manifest, and delivery of a manifest's files.
package source

import (
	"context"
	"fmt"
	"strings"

	"genhub/internal/manifest"
)

// SourceID identifies a content source. Capabilities are bound by SourceID
// when the registry is composed, never by name at lookup time.
type SourceID int

const (
	SourceUnknown SourceID = iota
	SourceLocalFileSystem
	SourceGitHub
	SourceCatalog
	SourceGitRepository
	SourceS3Mirror
)

var sourceNames = map[SourceID]string{
	SourceLocalFileSystem: "LocalFileSystem",
	SourceGitHub:          "GitHub",
	SourceCatalog:         "Catalog",
	SourceGitRepository:   "GitRepository",
	SourceS3Mirror:        "S3Mirror",
}

func (id SourceID) String() string {
	if name, ok := sourceNames[id]; ok {
		return name
	}
	return fmt.Sprintf("SourceID(%d)", int(id))
}

// ParseSourceID matches name against the known source names, ignoring case.
func ParseSourceID(name string) (SourceID, error) {
	for id, n := range sourceNames {
		if strings.EqualFold(n, name) {
			return id, nil
		}
	}
	return SourceUnknown, fmt.Errorf("unknown source %q", name)
}

// AllSources lists the known sources in declaration order.
func AllSources() []SourceID {
	return []SourceID{SourceLocalFileSystem, SourceGitHub, SourceCatalog, SourceGitRepository, SourceS3Mirror}
}

// Discoverer turns a query into search stubs. An empty slice is a
// successful search; errors are reserved for transport or parse failures.
type Discoverer interface {
	Source() SourceID
	Discover(ctx context.Context, query ContentSearchQuery) ([]ContentSearchResult, error)
}

// Resolver turns a stub into a full manifest.
type Resolver interface {
	Source() SourceID
	Resolve(ctx context.Context, stub ContentSearchResult) (*manifest.ContentManifest, error)
}

// Deliverer materializes a manifest's files in workingDir and returns the
// manifest describing what was written.
type Deliverer interface {
	Source() SourceID
	CanDeliver(m *manifest.ContentManifest) bool
	Deliver(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress ProgressFunc) (*manifest.ContentManifest, error)
}
