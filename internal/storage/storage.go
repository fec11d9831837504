// Package storage implements the content-addressable store for acquired
// content. Each manifest owns one content directory and one manifest file:
//
//	<root>/manifests/<id>.manifest.json
//	<root>/data/<id>/<relative tree>
//	<root>/cache/                          download blobs
//
// Writes to a manifest id are serialized; unrelated ids proceed in parallel
// up to a configured bound.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"genhub/internal/blobstore"
	"genhub/internal/hashing"
	"genhub/internal/keyed"
	"genhub/internal/logging"
	"genhub/internal/manifest"
	"genhub/internal/metrics"
)

const (
	ManifestsDir      = "manifests"
	DataDir           = "data"
	CacheDir          = "cache"
	ManifestExtension = ".manifest.json"

	stagingDir = ".staging"

	DefaultMaxConcurrentWrites = 4
)

var ErrNotFound = errors.New("content not found")

type Options struct {
	// Root is the storage root on the local disk. When FS is set, Root
	// only names the root in paths and log lines.
	Root string
	FS   billy.Filesystem

	Probe               VolumeProbe
	Hasher              hashing.Hasher
	Logger              hclog.Logger
	Metrics             *metrics.Metrics
	MaxConcurrentWrites int
}

// StorageStats is recomputed on every call.
type StorageStats struct {
	TotalFiles         int64 `json:"totalFiles"`
	TotalBytes         int64 `json:"totalBytes"`
	ManifestCount      int   `json:"manifestCount"`
	AvailableFreeSpace int64 `json:"availableFreeSpace"`
}

type Service struct {
	root    string
	fs      billy.Filesystem
	probe   VolumeProbe
	hasher  hashing.Hasher
	logger  hclog.Logger
	metrics *metrics.Metrics
	locks   *keyed.Mutex
	writes  *semaphore.Weighted
	cache   blobstore.Store
}

func New(opts Options) (*Service, error) {
	if opts.Root == "" {
		return nil, errors.New("storage root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root %s: %w", opts.Root, err)
	}

	fs := opts.FS
	if fs == nil {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
		}
		fs = osfs.New(root)
	}
	for _, dir := range []string{ManifestsDir, DataDir, CacheDir} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	cacheFS, err := fs.Chroot(CacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open download cache: %w", err)
	}

	probe := opts.Probe
	if probe == nil {
		probe = SystemProbe()
	}
	hasher := opts.Hasher
	if hasher == nil {
		hasher = hashing.Default
	}
	maxWrites := opts.MaxConcurrentWrites
	if maxWrites <= 0 {
		maxWrites = DefaultMaxConcurrentWrites
	}

	return &Service{
		root:    root,
		fs:      fs,
		probe:   probe,
		hasher:  hasher,
		logger:  logging.OrNull(opts.Logger).Named("storage"),
		metrics: opts.Metrics,
		locks:   &keyed.Mutex{},
		writes:  semaphore.NewWeighted(int64(maxWrites)),
		cache:   blobstore.NewFileSystemStore(cacheFS),
	}, nil
}

func (s *Service) Root() string { return s.root }

// Cache is the download cache under <root>/cache.
func (s *Service) Cache() blobstore.Store { return s.cache }

// ContentPath is the content directory of id on the local disk.
func (s *Service) ContentPath(id manifest.ManifestID) string {
	return filepath.Join(s.root, DataDir, string(id))
}

// ManifestPath is the manifest file of id on the local disk.
func (s *Service) ManifestPath(id manifest.ManifestID) string {
	return filepath.Join(s.root, ManifestsDir, string(id)+ManifestExtension)
}

func contentDir(id manifest.ManifestID) string {
	return path.Join(DataDir, string(id))
}

func manifestFile(id manifest.ManifestID) string {
	return path.Join(ManifestsDir, string(id)+ManifestExtension)
}

func (s *Service) exists(name string) bool {
	_, err := s.fs.Stat(name)
	return err == nil
}
