package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"genhub/internal/manifest"
	"genhub/internal/result"
	"genhub/internal/validation"
)

// RetrieveContent copies the stored content of id into targetDir and
// returns targetDir.
func (s *Service) RetrieveContent(ctx context.Context, id manifest.ManifestID, targetDir string) result.Result[string] {
	if err := id.Validate(); err != nil {
		return result.FailureFromError[string](err)
	}
	unlock := s.locks.Lock(string(id))
	defer unlock()

	src := contentDir(id)
	if info, err := s.fs.Stat(src); err != nil || !info.IsDir() {
		return result.Failuref[string]("content for %s is not stored", id)
	}

	var copied int
	err := util.Walk(s.fs, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := strings.TrimPrefix(filepath.ToSlash(p), src)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			return nil
		}
		target, err := validation.SafeJoin(targetDir, rel)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := s.exportFile(p, target, info.Mode()); err != nil {
			return err
		}
		copied++
		return nil
	})
	if err != nil {
		return result.Failuref[string]("failed to retrieve %s: %v", id, err)
	}

	s.logger.Debug("retrieved content", "manifest", id, "target", targetDir, "files", copied)
	return result.Success(targetDir)
}

func (s *Service) exportFile(src, target string, mode os.FileMode) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	perm := os.FileMode(0o644)
	if mode&0o111 != 0 {
		perm = 0o755
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// IsContentStored reports whether a manifest for id exists and, when the
// manifest lists copied files, whether its content directory exists.
func (s *Service) IsContentStored(ctx context.Context, id manifest.ManifestID) result.Result[bool] {
	if err := id.Validate(); err != nil {
		return result.FailureFromError[bool](err)
	}
	m, err := s.LoadManifest(ctx, id)
	if err != nil {
		if isNotExist(err) {
			return result.Success(false)
		}
		return result.FailureFromError[bool](err)
	}
	if m.Metadata.SourcePath == "" && len(m.Files) > 0 && !s.exists(contentDir(id)) {
		return result.Success(false)
	}
	return result.Success(true)
}

// RemoveContent deletes the manifest and content of id. Removing absent
// content succeeds.
func (s *Service) RemoveContent(ctx context.Context, id manifest.ManifestID) result.Result[bool] {
	if err := id.Validate(); err != nil {
		return result.FailureFromError[bool](err)
	}
	unlock := s.locks.Lock(string(id))
	defer unlock()

	removed := s.exists(manifestFile(id)) || s.exists(contentDir(id))
	if err := util.RemoveAll(s.fs, contentDir(id)); err != nil {
		return result.Failuref[bool]("failed to remove content for %s: %v", id, err)
	}
	if err := s.fs.Remove(manifestFile(id)); err != nil && !isNotExist(err) {
		return result.Failuref[bool]("failed to remove manifest %s: %v", id, err)
	}
	if removed {
		s.logger.Info("removed content", "manifest", id)
	}
	return result.Success(removed)
}

// GetStorageStats walks the store. Any failure yields zero stats.
func (s *Service) GetStorageStats(ctx context.Context) result.Result[StorageStats] {
	var stats StorageStats
	err := util.Walk(s.fs, DataDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == stagingDir {
				return filepath.SkipDir
			}
			return nil
		}
		stats.TotalFiles++
		stats.TotalBytes += info.Size()
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to compute storage stats", "error", err)
		return result.Success(StorageStats{}, fmt.Sprintf("storage stats unavailable: %v", err))
	}

	ids, err := s.manifestIDs()
	if err != nil {
		s.logger.Warn("failed to count manifests", "error", err)
		return result.Success(StorageStats{}, fmt.Sprintf("storage stats unavailable: %v", err))
	}
	stats.ManifestCount = len(ids)

	if vol, err := s.probe.Probe(s.root); err == nil {
		stats.AvailableFreeSpace = vol.FreeBytes
	}
	return result.Success(stats)
}

// LoadManifest reads the stored manifest of id. A missing manifest yields
// an error wrapping os.ErrNotExist and ErrNotFound.
func (s *Service) LoadManifest(ctx context.Context, id manifest.ManifestID) (*manifest.ContentManifest, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(manifestFile(id))
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, id, os.ErrNotExist)
		}
		return nil, err
	}
	defer f.Close()
	m, err := manifest.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", id, err)
	}
	if m.ID != id {
		return nil, fmt.Errorf("manifest file for %s contains id %s", id, m.ID)
	}
	return m, nil
}

// ListManifests loads every stored manifest. Unreadable manifests are
// logged and skipped.
func (s *Service) ListManifests(ctx context.Context) ([]*manifest.ContentManifest, error) {
	ids, err := s.manifestIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*manifest.ContentManifest, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := s.LoadManifest(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable manifest", "manifest", id, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Service) manifestIDs() ([]manifest.ManifestID, error) {
	entries, err := s.fs.ReadDir(ManifestsDir)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []manifest.ManifestID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ManifestExtension) {
			continue
		}
		id := manifest.ManifestID(strings.TrimSuffix(name, ManifestExtension))
		if id.Validate() != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// OpenContentFile opens one stored file of id for reading.
func (s *Service) OpenContentFile(id manifest.ManifestID, relativePath string) (billy.File, os.FileInfo, error) {
	if err := id.Validate(); err != nil {
		return nil, nil, err
	}
	if _, err := validation.SafeJoin(s.ContentPath(id), relativePath); err != nil {
		return nil, nil, err
	}
	name := path.Join(contentDir(id), validation.NormalizeRelative(relativePath))
	info, err := s.fs.Stat(name)
	if err != nil {
		if isNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, relativePath)
		}
		return nil, nil, err
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s/%s is a directory", ErrNotFound, id, relativePath)
	}
	f, err := s.fs.Open(name)
	if err != nil {
		return nil, nil, err
	}
	return f, info, nil
}
