package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"

	"genhub/internal/manifest"
	"genhub/internal/result"
	"genhub/internal/source"
	"genhub/internal/validation"
)

type storeOptions struct {
	progress source.ProgressFunc
}

type StoreOption func(*storeOptions)

// WithProgress reports copy progress in the Copying phase.
func WithProgress(fn source.ProgressFunc) StoreOption {
	return func(o *storeOptions) { o.progress = fn }
}

// StoreContent records m in the store. Files below sourceDir are copied into
// the content directory of m.ID and the manifest's file list is rebuilt from
// what was copied. Only the manifest is written when sourceDir is empty or
// missing, when m references an existing installation, or when sourceDir
// sits on a removable, optical or unready volume.
//
// A failure or cancellation leaves the previous state of m.ID untouched.
func (s *Service) StoreContent(ctx context.Context, m *manifest.ContentManifest, sourceDir string, opts ...StoreOption) (res result.Result[*manifest.ContentManifest]) {
	if m == nil {
		return result.Failure[*manifest.ContentManifest]("manifest is nil")
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while storing content", "manifest", m.ID, "panic", r)
			res = result.Failuref[*manifest.ContentManifest]("storing %s failed unexpectedly: %v", m.ID, r)
		}
	}()

	if err := m.ID.Validate(); err != nil {
		return result.FailureFromError[*manifest.ContentManifest](err)
	}
	if err := validation.ValidateManifestSecurity(m, s.ContentPath(m.ID)); err != nil {
		s.logger.Error("rejected unsafe manifest", "manifest", m.ID, "error", err)
		return result.FailureFromError[*manifest.ContentManifest](err)
	}

	o := &storeOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if err := s.writes.Acquire(ctx, 1); err != nil {
		return result.Failuref[*manifest.ContentManifest]("storing %s cancelled: %v", m.ID, err)
	}
	defer s.writes.Release(1)

	unlock := s.locks.Lock(string(m.ID))
	defer unlock()

	stored := m.Clone()
	if reason := s.metadataOnlyReason(stored, sourceDir); reason != "" {
		return s.storeMetadataOnly(ctx, stored, sourceDir, reason)
	}
	return s.storeCopy(ctx, stored, sourceDir, o)
}

func (s *Service) metadataOnlyReason(m *manifest.ContentManifest, sourceDir string) string {
	if strings.TrimSpace(sourceDir) == "" {
		return "no source directory"
	}
	if m.ContentType.IsReference() {
		return fmt.Sprintf("%s content references an existing installation", m.ContentType)
	}
	info, err := os.Stat(sourceDir)
	if err != nil || !info.IsDir() {
		return "source directory does not exist"
	}
	vol, err := s.probe.Probe(sourceDir)
	if err != nil {
		return fmt.Sprintf("source volume could not be inspected: %v", err)
	}
	return vol.CopyRefusal()
}

func (s *Service) storeMetadataOnly(ctx context.Context, m *manifest.ContentManifest, sourceDir, reason string) result.Result[*manifest.ContentManifest] {
	if sourceDir != "" {
		if abs, err := filepath.Abs(sourceDir); err == nil {
			sourceDir = abs
		}
		m.Metadata.SourcePath = sourceDir
	}
	if err := ctx.Err(); err != nil {
		s.metrics.ObserveStore("metadata", false, 0)
		return result.Failuref[*manifest.ContentManifest]("storing %s cancelled: %v", m.ID, err)
	}

	tmp, err := s.writeManifestTemp(m)
	if err != nil {
		s.metrics.ObserveStore("metadata", false, 0)
		return result.Failuref[*manifest.ContentManifest]("failed to write manifest %s: %v", m.ID, err)
	}
	if err := s.fs.Rename(tmp, manifestFile(m.ID)); err != nil {
		s.fs.Remove(tmp)
		s.metrics.ObserveStore("metadata", false, 0)
		return result.Failuref[*manifest.ContentManifest]("failed to write manifest %s: %v", m.ID, err)
	}
	// A previous copied version of this id is superseded.
	if err := util.RemoveAll(s.fs, contentDir(m.ID)); err != nil {
		s.logger.Warn("failed to remove superseded content", "manifest", m.ID, "error", err)
	}

	s.logger.Info("stored manifest without content", "manifest", m.ID, "reason", reason)
	s.metrics.ObserveStore("metadata", true, 0)
	return result.Success(m, "stored metadata only: "+reason)
}

func (s *Service) storeCopy(ctx context.Context, m *manifest.ContentManifest, sourceDir string, o *storeOptions) result.Result[*manifest.ContentManifest] {
	staging := path.Join(DataDir, stagingDir, string(m.ID)+"-"+uuid.NewString())
	var (
		manifestTmp string
		committed   bool
	)
	defer func() {
		if committed {
			return
		}
		if err := util.RemoveAll(s.fs, staging); err != nil {
			s.logger.Warn("failed to remove staging directory", "manifest", m.ID, "error", err)
		}
		if manifestTmp != "" {
			s.fs.Remove(manifestTmp)
		}
	}()

	if err := s.fs.MkdirAll(staging, 0o755); err != nil {
		s.metrics.ObserveStore("copied", false, 0)
		return result.Failuref[*manifest.ContentManifest]("failed to create content directory for %s: %v", m.ID, err)
	}

	files, copied, err := s.copyTree(ctx, m.ID, sourceDir, staging, o.progress)
	if err != nil {
		s.metrics.ObserveStore("copied", false, 0)
		return result.Failuref[*manifest.ContentManifest]("storing %s aborted: %v", m.ID, err)
	}
	m.Files = keepDownloadURLs(m.Files, files)
	m.Metadata.SourcePath = ""

	if err := ctx.Err(); err != nil {
		s.metrics.ObserveStore("copied", false, 0)
		return result.Failuref[*manifest.ContentManifest]("storing %s cancelled: %v", m.ID, err)
	}
	manifestTmp, err = s.writeManifestTemp(m)
	if err != nil {
		s.logger.Error("failed to write manifest, rolling back", "manifest", m.ID, "error", err)
		s.metrics.ObserveStore("copied", false, 0)
		return result.Failuref[*manifest.ContentManifest]("failed to write manifest %s: %v", m.ID, err)
	}

	if err := s.commit(m.ID, staging, manifestTmp); err != nil {
		s.logger.Error("failed to commit content, rolling back", "manifest", m.ID, "error", err)
		s.metrics.ObserveStore("copied", false, 0)
		return result.Failuref[*manifest.ContentManifest]("failed to commit %s: %v", m.ID, err)
	}
	committed = true

	o.progress.Report(source.ContentAcquisitionProgress{
		Phase:              source.PhaseCopying,
		ProgressPercentage: 100,
		CurrentOperation:   "stored " + string(m.ID),
		FilesProcessed:     len(files),
		TotalFiles:         len(files),
		BytesProcessed:     copied,
		TotalBytes:         copied,
	})
	s.logger.Info("stored content", "manifest", m.ID, "files", len(files), "bytes", copied)
	s.metrics.ObserveStore("copied", true, copied)
	return result.Success(m)
}

// commit swaps the staged content and manifest into place. The previous
// content directory is kept aside until both renames succeed.
func (s *Service) commit(id manifest.ManifestID, staging, manifestTmp string) error {
	final := contentDir(id)
	backup := ""
	if s.exists(final) {
		backup = path.Join(DataDir, stagingDir, string(id)+"-old-"+uuid.NewString())
		if err := s.fs.Rename(final, backup); err != nil {
			return err
		}
	}

	if err := s.fs.Rename(staging, final); err != nil {
		s.restore(backup, final)
		return err
	}
	if err := s.fs.Rename(manifestTmp, manifestFile(id)); err != nil {
		util.RemoveAll(s.fs, final)
		s.restore(backup, final)
		return err
	}

	if backup != "" {
		if err := util.RemoveAll(s.fs, backup); err != nil {
			s.logger.Warn("failed to remove replaced content", "manifest", id, "error", err)
		}
	}
	return nil
}

func (s *Service) restore(backup, final string) {
	if backup == "" {
		return
	}
	if err := s.fs.Rename(backup, final); err != nil {
		s.logger.Error("failed to restore previous content", "path", final, "error", err)
	}
}

// copyTree copies every regular file below sourceDir into dest and returns
// the resulting file list. Per-file failures are logged and skipped. An
// enumeration failure yields an empty list rather than a partial one.
func (s *Service) copyTree(ctx context.Context, id manifest.ManifestID, sourceDir, dest string, progress source.ProgressFunc) ([]manifest.ManifestFile, int64, error) {
	var rels []string
	err := filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			if d.Type()&fs.ModeSymlink != 0 {
				s.logger.Warn("skipping symbolic link", "manifest", id, "path", p)
			}
			return nil
		}
		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		s.logger.Warn("failed to enumerate source directory, storing an empty file list", "manifest", id, "source", sourceDir, "error", err)
		if err := util.RemoveAll(s.fs, dest); err != nil {
			return nil, 0, err
		}
		return []manifest.ManifestFile{}, 0, s.fs.MkdirAll(dest, 0o755)
	}

	files := make([]manifest.ManifestFile, 0, len(rels))
	var copied int64
	for i, rel := range rels {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		progress.Report(source.ContentAcquisitionProgress{
			Phase:              source.PhaseCopying,
			ProgressPercentage: source.Percent(int64(i), int64(len(rels))),
			CurrentOperation:   "copying " + rel,
			FilesProcessed:     i,
			TotalFiles:         len(rels),
			BytesProcessed:     copied,
		})

		f, err := s.copyFile(filepath.Join(sourceDir, filepath.FromSlash(rel)), path.Join(dest, rel), rel)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			s.logger.Warn("failed to copy file, skipping", "manifest", id, "file", rel, "error", err)
			continue
		}
		copied += f.Size
		files = append(files, f)
	}
	return files, copied, nil
}

func (s *Service) copyFile(src, dest, rel string) (manifest.ManifestFile, error) {
	in, err := os.Open(src)
	if err != nil {
		return manifest.ManifestFile{}, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return manifest.ManifestFile{}, err
	}

	if err := s.fs.MkdirAll(path.Dir(dest), 0o755); err != nil {
		return manifest.ManifestFile{}, err
	}
	out, err := s.fs.Create(dest)
	if err != nil {
		return manifest.ManifestFile{}, err
	}

	hash, size, err := s.hasher.Hash(io.TeeReader(in, out))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.fs.Remove(dest)
		return manifest.ManifestFile{}, err
	}

	return manifest.ManifestFile{
		RelativePath: rel,
		Size:         size,
		Hash:         hash,
		SourceType:   manifest.SourceTypeLocalFile,
		IsRequired:   true,
		IsExecutable: info.Mode()&0o111 != 0,
	}, nil
}

// keepDownloadURLs copies each original DownloadURL onto the copied file with
// the same normalized path.
func keepDownloadURLs(original, copied []manifest.ManifestFile) []manifest.ManifestFile {
	urls := make(map[string]string, len(original))
	for _, f := range original {
		if f.DownloadURL != "" {
			urls[validation.NormalizeRelative(f.RelativePath)] = f.DownloadURL
		}
	}
	for i := range copied {
		if u, ok := urls[validation.NormalizeRelative(copied[i].RelativePath)]; ok {
			copied[i].DownloadURL = u
		}
	}
	return copied
}

// writeManifestTemp serializes m next to its final location and returns the
// temporary name.
func (s *Service) writeManifestTemp(m *manifest.ContentManifest) (string, error) {
	data, err := manifest.Marshal(m)
	if err != nil {
		return "", err
	}
	tmp, err := util.TempFile(s.fs, ManifestsDir, "."+string(m.ID)+"-")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(name)
		return "", err
	}
	return name, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
