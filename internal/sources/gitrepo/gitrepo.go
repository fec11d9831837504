// Package gitrepo offers configured git repositories as content. A
// repository either carries a genhub.manifest.json at its root or has a
// manifest synthesized from its tree.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/hashicorp/go-hclog"

	"genhub/internal/hashing"
	"genhub/internal/logging"
	"genhub/internal/manifest"
	"genhub/internal/metrics"
	"genhub/internal/provider"
	"genhub/internal/source"
	"genhub/internal/validation"
)

// ManifestFile is read from the repository root when present.
const ManifestFile = "genhub.manifest.json"

const hintURL = "url"

// Repository is a git repository offered as content. Tag wins over Branch;
// with neither the remote HEAD is used.
type Repository struct {
	URL         string               `yaml:"url"`
	Name        string               `yaml:"name"`
	Publisher   string               `yaml:"publisher"`
	Branch      string               `yaml:"branch"`
	Tag         string               `yaml:"tag"`
	ContentType manifest.ContentType `yaml:"contentType"`
	TargetGame  manifest.TargetGame  `yaml:"targetGame"`
	Tags        []string             `yaml:"tags"`
	Description string               `yaml:"description"`
}

func (r Repository) reference() plumbing.ReferenceName {
	switch {
	case r.Tag != "":
		return plumbing.NewTagReferenceName(r.Tag)
	case r.Branch != "":
		return plumbing.NewBranchReferenceName(r.Branch)
	}
	return ""
}

// Cloner produces an in-memory checkout of a repository.
type Cloner interface {
	Clone(ctx context.Context, repo Repository) (*git.Repository, error)
}

// RemoteCloner shallow-clones into memory storage with a memfs worktree.
type RemoteCloner struct{}

func (RemoteCloner) Clone(ctx context.Context, repo Repository) (*git.Repository, error) {
	opts := &git.CloneOptions{
		URL:           repo.URL,
		ReferenceName: repo.reference(),
		SingleBranch:  true,
		Depth:         1,
		Tags:          git.NoTags,
	}
	r, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", repo.URL, err)
	}
	return r, nil
}

type Options struct {
	Repositories []Repository
	Cloner       Cloner
	Logger       hclog.Logger
}

type Source struct {
	repos  []Repository
	cloner Cloner
	logger hclog.Logger

	mu       sync.Mutex
	resolved map[manifest.ManifestID]Repository
}

var (
	_ source.Discoverer = (*Source)(nil)
	_ source.Resolver   = (*Source)(nil)
	_ source.Deliverer  = (*Source)(nil)
)

func New(opts Options) *Source {
	s := &Source{
		repos:    opts.Repositories,
		cloner:   opts.Cloner,
		logger:   logging.OrNull(opts.Logger).Named("gitrepo"),
		resolved: make(map[manifest.ManifestID]Repository),
	}
	if s.cloner == nil {
		s.cloner = RemoteCloner{}
	}
	return s
}

func (s *Source) Source() source.SourceID { return source.SourceGitRepository }

// Discover matches the configured repositories without touching the
// network.
func (s *Source) Discover(ctx context.Context, query source.ContentSearchQuery) ([]source.ContentSearchResult, error) {
	var out []source.ContentSearchResult
	for _, repo := range s.repos {
		if query.ContentType != nil && *query.ContentType != repo.ContentType {
			continue
		}
		if query.TargetGame != nil && *query.TargetGame != repo.TargetGame {
			continue
		}
		fields := append([]string{repo.Name, repo.URL, repo.Description, repo.Publisher}, repo.Tags...)
		if !query.MatchesTerm(fields...) {
			continue
		}
		out = append(out, source.ContentSearchResult{
			Name:               repo.Name,
			Description:        repo.Description,
			Version:            strings.TrimPrefix(repo.Tag, "v"),
			ContentType:        repo.ContentType,
			TargetGame:         repo.TargetGame,
			ProviderName:       s.Source().String(),
			AuthorName:         repo.Publisher,
			Tags:               append([]string(nil), repo.Tags...),
			SourceURL:          repo.URL,
			RequiresResolution: true,
			ResolverMetadata:   map[string]string{hintURL: repo.URL},
		})
	}
	return out, nil
}

func (s *Source) repository(url string) (Repository, bool) {
	for _, r := range s.repos {
		if r.URL == url {
			return r, true
		}
	}
	return Repository{}, false
}

// Resolve clones the repository and reads or synthesizes its manifest.
func (s *Source) Resolve(ctx context.Context, stub source.ContentSearchResult) (*manifest.ContentManifest, error) {
	repo, ok := s.repository(stub.Hint(hintURL))
	if !ok {
		return nil, fmt.Errorf("repository %q is not configured", stub.Hint(hintURL))
	}
	r, err := s.cloner.Clone(ctx, repo)
	if err != nil {
		return nil, err
	}
	m, err := s.manifestFor(repo, r)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.resolved[m.ID] = repo
	s.mu.Unlock()
	return m, nil
}

func (s *Source) manifestFor(repo Repository, r *git.Repository) (*manifest.ContentManifest, error) {
	wt, err := r.Worktree()
	if err != nil {
		return nil, err
	}
	head, err := r.Head()
	if err != nil {
		return nil, fmt.Errorf("repository %s has no HEAD: %w", repo.URL, err)
	}
	commit, err := r.CommitObject(head.Hash())
	if err != nil {
		return nil, err
	}

	data, err := util.ReadFile(wt.Filesystem, ManifestFile)
	switch {
	case err == nil:
		m, err := manifest.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%s in %s: %w", ManifestFile, repo.URL, err)
		}
		return m, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	version := strings.TrimPrefix(repo.Tag, "v")
	if version == "" {
		version = commit.Author.When.UTC().Format("2006.01.02")
	}
	publisher := repo.Publisher
	if publisher == "" {
		publisher = hostOwner(repo.URL)
	}
	id, err := manifest.NewID(publisher, repo.ContentType, repo.Name, version)
	if err != nil {
		return nil, err
	}
	files, err := listTree(wt.Filesystem)
	if err != nil {
		return nil, err
	}
	when := commit.Author.When.UTC()
	return &manifest.ContentManifest{
		ID:          id,
		Name:        repo.Name,
		Version:     version,
		ContentType: repo.ContentType,
		TargetGame:  repo.TargetGame,
		Publisher:   manifest.Publisher{Name: publisher, Website: repo.URL, PublisherType: manifest.PublisherTypeCommunity},
		Metadata: manifest.Metadata{
			Description:  firstNonEmpty(repo.Description, strings.TrimSpace(commit.Message)),
			Tags:         append([]string(nil), repo.Tags...),
			ReleaseDate:  &when,
			ChangelogURL: repo.URL,
		},
		Files: files,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// hostOwner returns the owner segment of a repository URL, or the host.
func hostOwner(url string) string {
	trimmed := strings.TrimSuffix(url, ".git")
	if i := strings.Index(trimmed, "://"); i >= 0 {
		trimmed = trimmed[i+3:]
	}
	parts := strings.Split(strings.ReplaceAll(trimmed, ":", "/"), "/")
	if len(parts) >= 3 {
		return parts[len(parts)-2]
	}
	return parts[0]
}

// listTree hashes every file of the worktree except the manifest.
func listTree(fs billy.Filesystem) ([]manifest.ManifestFile, error) {
	var files []manifest.ManifestFile
	err := util.Walk(fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "/")
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == ManifestFile || !info.Mode().IsRegular() {
			return nil
		}
		f, err := fs.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		hash, size, err := hashing.Default.Hash(f)
		if err != nil {
			return err
		}
		files = append(files, manifest.ManifestFile{
			RelativePath: rel,
			Size:         size,
			Hash:         hash,
			SourceType:   manifest.SourceTypeDownload,
			IsRequired:   true,
			IsExecutable: info.Mode()&0o111 != 0,
		})
		return nil
	})
	return files, err
}

func (s *Source) CanDeliver(m *manifest.ContentManifest) bool {
	_, ok := s.repositoryFor(m)
	return ok
}

// repositoryFor finds the repository a manifest came from: the one that
// resolved it, or the one whose publisher, type and name produce its id.
func (s *Source) repositoryFor(m *manifest.ContentManifest) (Repository, bool) {
	if m == nil {
		return Repository{}, false
	}
	s.mu.Lock()
	repo, ok := s.resolved[m.ID]
	s.mu.Unlock()
	if ok {
		return repo, true
	}
	for _, r := range s.repos {
		publisher := r.Publisher
		if publisher == "" {
			publisher = hostOwner(r.URL)
		}
		id, err := manifest.NewID(publisher, r.ContentType, r.Name, m.Version)
		if err == nil && id == m.ID {
			return r, true
		}
	}
	return Repository{}, false
}

// Deliver checks the repository out into workingDir and describes the
// files written. The repository metadata directory is never copied.
func (s *Source) Deliver(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress source.ProgressFunc) (*manifest.ContentManifest, error) {
	repo, ok := s.repositoryFor(m)
	if !ok {
		return nil, fmt.Errorf("no repository is configured for %s", m.ID)
	}
	r, err := s.cloner.Clone(ctx, repo)
	if err != nil {
		return nil, err
	}
	wt, err := r.Worktree()
	if err != nil {
		return nil, err
	}
	tree, err := listTree(wt.Filesystem)
	if err != nil {
		return nil, err
	}

	out := m.Clone()
	out.Files = out.Files[:0]
	var done int64
	for i, f := range tree {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target, err := validation.SafeJoin(workingDir, f.RelativePath)
		if err != nil {
			return nil, err
		}
		if err := copyOut(wt.Filesystem, f.RelativePath, target, f.IsExecutable); err != nil {
			return nil, fmt.Errorf("checkout %s: %w", f.RelativePath, err)
		}
		done += f.Size
		progress.Report(source.ContentAcquisitionProgress{
			Phase:            source.PhaseExtracting,
			CurrentOperation: f.RelativePath,
			FilesProcessed:   i + 1,
			TotalFiles:       len(tree),
			BytesProcessed:   done,
		})
		if existing, ok := m.File(f.RelativePath); ok {
			f.IsRequired = existing.IsRequired
		}
		out.Files = append(out.Files, f)
	}

	s.mu.Lock()
	delete(s.resolved, m.ID)
	s.mu.Unlock()
	s.logger.Debug("checked out repository", "manifest", m.ID, "url", repo.URL, "files", len(out.Files))
	return out, nil
}

func copyOut(fs billy.Filesystem, rel, target string, executable bool) error {
	src, err := fs.Open(rel)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func NewProvider(reg *source.Registry, s *Source, logger hclog.Logger, m *metrics.Metrics) (*provider.Base, error) {
	if err := reg.Register(s); err != nil {
		return nil, err
	}
	return provider.New(provider.Options{
		Source:   source.SourceGitRepository,
		Registry: reg,
		Require:  source.RequireDiscoverer | source.RequireResolver | source.RequireDeliverer,
		Logger:   logger,
		Metrics:  m,
	})
}
