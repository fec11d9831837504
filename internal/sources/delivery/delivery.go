// Package delivery materializes the files of a manifest from a remote
// transport into a working directory, going through the download cache and
// unpacking release archives when asked to.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"genhub/internal/archive"
	"genhub/internal/blobstore"
	"genhub/internal/hashing"
	"genhub/internal/logging"
	"genhub/internal/manifest"
	"genhub/internal/source"
	"genhub/internal/validation"
)

// downloadsDir holds archives until they are unpacked.
const downloadsDir = ".genhub-downloads"

var ErrHashMismatch = errors.New("downloaded file does not match its recorded hash")

// Transport fetches the bytes of one manifest file into dest and returns
// their sha256 and size.
type Transport interface {
	Fetch(ctx context.Context, m *manifest.ContentManifest, f manifest.ManifestFile, dest string, progress func(written, total int64)) (string, int64, error)
}

type TransportFunc func(ctx context.Context, m *manifest.ContentManifest, f manifest.ManifestFile, dest string, progress func(written, total int64)) (string, int64, error)

func (fn TransportFunc) Fetch(ctx context.Context, m *manifest.ContentManifest, f manifest.ManifestFile, dest string, progress func(written, total int64)) (string, int64, error) {
	return fn(ctx, m, f, dest, progress)
}

type Options struct {
	Transport Transport
	// Cache is optional.
	Cache blobstore.Store
	// Extract unpacks files that look like archives into the working
	// directory and lists their entries instead.
	Extract bool
	Logger  hclog.Logger
}

type Materializer struct {
	transport Transport
	cache     blobstore.Store
	extract   bool
	logger    hclog.Logger
}

func New(opts Options) *Materializer {
	return &Materializer{
		transport: opts.Transport,
		cache:     opts.Cache,
		extract:   opts.Extract,
		logger:    logging.OrNull(opts.Logger).Named("delivery"),
	}
}

// Materialize writes every file of m below workingDir and returns a
// manifest whose file list matches what is on disk.
func (d *Materializer) Materialize(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress source.ProgressFunc) (*manifest.ContentManifest, error) {
	if err := validation.ValidateManifestSecurity(m, workingDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, err
	}
	downloads := filepath.Join(workingDir, downloadsDir)
	defer os.RemoveAll(downloads)

	var (
		files     []manifest.ManifestFile
		done      int64
		totalSize = m.TotalSize()
	)
	for i, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		unpack := d.extract && archive.IsArchive(f.RelativePath)

		dest, _ := validation.SafeJoin(workingDir, f.RelativePath)
		if unpack {
			dest = filepath.Join(downloads, filepath.Base(dest))
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}

		report := func(written, _ int64) {
			progress.Report(source.ContentAcquisitionProgress{
				Phase:              source.PhaseDownloading,
				ProgressPercentage: source.Percent(done+written, totalSize),
				CurrentOperation:   f.RelativePath,
				FilesProcessed:     i,
				TotalFiles:         len(m.Files),
				BytesProcessed:     done + written,
				TotalBytes:         totalSize,
			})
		}
		digest, size, err := d.fetch(ctx, m, f, dest, report)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.RelativePath, err)
		}
		done += size

		if !unpack {
			f.Hash = digest
			f.Size = size
			files = append(files, f)
			continue
		}

		entries, err := archive.ExtractFile(ctx, dest, workingDir, archive.WithProgress(func(e archive.Entry) {
			progress.Report(source.ContentAcquisitionProgress{
				Phase:            source.PhaseExtracting,
				CurrentOperation: e.RelativePath,
				FilesProcessed:   i,
				TotalFiles:       len(m.Files),
			})
		}))
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", f.RelativePath, err)
		}
		d.logger.Debug("extracted archive", "manifest", m.ID, "archive", f.RelativePath, "entries", len(entries))
		for _, e := range entries {
			files = append(files, manifest.ManifestFile{
				RelativePath: e.RelativePath,
				Size:         e.Size,
				Hash:         e.Hash,
				SourceType:   manifest.SourceTypeExtractedPackage,
				IsRequired:   f.IsRequired,
				IsExecutable: e.Executable,
			})
		}
	}

	out := m.Clone()
	out.Files = dedupe(files)
	return out, nil
}

// fetch serves f from the cache when its hash is known there, otherwise
// from the transport, verifying and caching the result.
func (d *Materializer) fetch(ctx context.Context, m *manifest.ContentManifest, f manifest.ManifestFile, dest string, progress func(written, total int64)) (string, int64, error) {
	var (
		want      string
		cacheable bool
	)
	if f.Hash != "" {
		algo, digest, err := hashing.Parse(f.Hash)
		if err != nil {
			return "", 0, err
		}
		want = digest
		cacheable = algo == hashing.SHA256
	}

	if d.cache != nil && cacheable && d.cache.Has(want) {
		size, err := d.copyFromCache(want, dest)
		if err == nil {
			d.logger.Debug("served from cache", "manifest", m.ID, "file", f.RelativePath)
			progress(size, size)
			return want, size, nil
		}
		d.logger.Warn("cache read failed, fetching", "file", f.RelativePath, "error", err)
	}

	digest, size, err := d.transport.Fetch(ctx, m, f, dest, progress)
	if err != nil {
		return "", 0, err
	}
	if want != "" {
		ok, err := verify(dest, f.Hash, digest)
		if err != nil {
			return "", 0, err
		}
		if !ok {
			os.Remove(dest)
			return "", 0, fmt.Errorf("%w: %s", ErrHashMismatch, f.RelativePath)
		}
	}

	if d.cache != nil {
		if err := d.putCache(digest, dest); err != nil {
			d.logger.Warn("failed to cache download", "file", f.RelativePath, "error", err)
		}
	}
	return digest, size, nil
}

func verify(path, expected, sha256Digest string) (bool, error) {
	algo, want, err := hashing.Parse(expected)
	if err != nil {
		return false, err
	}
	if algo == hashing.SHA256 {
		return want == sha256Digest, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return hashing.Verify(f, expected)
}

func (d *Materializer) copyFromCache(address, dest string) (int64, error) {
	r, err := d.cache.Get(address)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (d *Materializer) putCache(address, path string) error {
	if d.cache.Has(address) {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return d.cache.PutAt(address, f)
}

// dedupe keeps the last entry for every path.
func dedupe(files []manifest.ManifestFile) []manifest.ManifestFile {
	index := make(map[string]int, len(files))
	var out []manifest.ManifestFile
	for _, f := range files {
		key := validation.NormalizeRelative(f.RelativePath)
		if i, ok := index[key]; ok {
			out[i] = f
			continue
		}
		index[key] = len(out)
		out = append(out, f)
	}
	return out
}
