// Package local serves manifests from a directory on disk. Content stays
// where it is: manifests are recorded with their source path and the
// storage layer decides whether to copy it.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashicorp/go-hclog"

	"genhub/internal/logging"
	"genhub/internal/manifest"
	"genhub/internal/metrics"
	"genhub/internal/provider"
	"genhub/internal/source"
)

const (
	ManifestSuffix = ".manifest.json"
	hintPath       = "path"
)

// Source discovers *.manifest.json files below a directory. The content of
// a manifest is expected in a directory named after its id next to the
// manifest file, unless the manifest records its own source path.
type Source struct {
	dir    string
	fs     billy.Filesystem
	logger hclog.Logger
}

var (
	_ source.Discoverer = (*Source)(nil)
	_ source.Resolver   = (*Source)(nil)
)

func New(dir string, logger hclog.Logger) (*Source, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Source{
		dir:    abs,
		fs:     osfs.New(abs),
		logger: logging.OrNull(logger).Named("local"),
	}, nil
}

func (s *Source) Source() source.SourceID { return source.SourceLocalFileSystem }

func (s *Source) Discover(ctx context.Context, query source.ContentSearchQuery) ([]source.ContentSearchResult, error) {
	var out []source.ContentSearchResult
	err := util.Walk(s.fs, ".", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			if p != "." && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(info.Name(), ManifestSuffix) {
			return nil
		}
		m, err := s.read(p)
		if err != nil {
			s.logger.Warn("skipping unreadable manifest", "path", p, "error", err)
			return nil
		}
		if !query.MatchesManifest(m) {
			return nil
		}
		stub := source.FromManifest(m, s.Source().String())
		stub.Payload = source.Payload{}
		stub.RequiresResolution = true
		stub.SourceURL = filepath.Join(s.dir, p)
		stub.ResolverMetadata = map[string]string{hintPath: p}
		out = append(out, stub)
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning %s: %w", s.dir, err)
	}
	return out, nil
}

// Resolve reads the manifest the stub points at and records where its
// content lives.
func (s *Source) Resolve(ctx context.Context, stub source.ContentSearchResult) (*manifest.ContentManifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := stub.Hint(hintPath)
	if p == "" {
		p = string(stub.ID) + ManifestSuffix
	}
	m, err := s.read(p)
	if err != nil {
		return nil, err
	}

	switch {
	case m.Metadata.SourcePath != "" && !filepath.IsAbs(m.Metadata.SourcePath):
		m.Metadata.SourcePath = filepath.Join(s.dir, filepath.Dir(p), filepath.FromSlash(m.Metadata.SourcePath))
	case m.Metadata.SourcePath == "":
		contentDir := filepath.Join(filepath.Dir(p), string(m.ID))
		if info, err := s.fs.Stat(contentDir); err == nil && info.IsDir() {
			m.Metadata.SourcePath = filepath.Join(s.dir, contentDir)
		}
	}
	return m, nil
}

func (s *Source) read(p string) (*manifest.ContentManifest, error) {
	data, err := util.ReadFile(s.fs, p)
	if err != nil {
		return nil, err
	}
	return manifest.Unmarshal(data)
}

// NewProvider registers s and builds a provider that leaves content in
// place.
func NewProvider(reg *source.Registry, s *Source, logger hclog.Logger, m *metrics.Metrics) (*provider.Base, error) {
	if err := reg.Register(s); err != nil {
		return nil, err
	}
	return provider.New(provider.Options{
		Source:   source.SourceLocalFileSystem,
		Registry: reg,
		Require:  source.RequireDiscoverer | source.RequireResolver,
		Preparer: provider.PreparerFunc(prepareInPlace),
		Logger:   logger,
		Metrics:  m,
	})
}

func prepareInPlace(ctx context.Context, m *manifest.ContentManifest, _ string, _ source.ProgressFunc) (*manifest.ContentManifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Metadata.SourcePath != "" {
		if _, err := os.Stat(m.Metadata.SourcePath); err != nil {
			return nil, fmt.Errorf("content of %s: %w", m.ID, err)
		}
	}
	return m.Clone(), nil
}
