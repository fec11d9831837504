// Package github discovers releases of configured GitHub repositories and
// delivers their assets, unpacking archives into the working directory.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"genhub/internal/blobstore"
	"genhub/internal/fetch"
	"genhub/internal/logging"
	"genhub/internal/manifest"
	"genhub/internal/metrics"
	"genhub/internal/provider"
	"genhub/internal/source"
	"genhub/internal/sources/delivery"
)

const (
	DefaultBaseURL = "https://api.github.com"

	hintOwner = "owner"
	hintRepo  = "repo"
	hintTag   = "tag"
)

// Repository is a repository whose releases are offered as content.
type Repository struct {
	Owner       string               `yaml:"owner"`
	Name        string               `yaml:"name"`
	DisplayName string               `yaml:"displayName"`
	ContentType manifest.ContentType `yaml:"contentType"`
	TargetGame  manifest.TargetGame  `yaml:"targetGame"`
	Tags        []string             `yaml:"tags"`
}

func (r Repository) title() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Name
}

type release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Author      struct {
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
	} `json:"author"`
	Assets []asset `json:"assets"`
}

type asset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type Options struct {
	BaseURL      string
	Repositories []Repository
	Client       *fetch.Client
	// Cache deduplicates asset downloads by hash.
	Cache  blobstore.Store
	Logger hclog.Logger
}

type Source struct {
	baseURL string
	repos   []Repository
	client  *fetch.Client
	deliver *delivery.Materializer
	logger  hclog.Logger
}

var (
	_ source.Discoverer = (*Source)(nil)
	_ source.Resolver   = (*Source)(nil)
	_ source.Deliverer  = (*Source)(nil)
)

func New(opts Options) *Source {
	s := &Source{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		repos:   opts.Repositories,
		client:  opts.Client,
		logger:  logging.OrNull(opts.Logger).Named("github"),
	}
	if s.baseURL == "" {
		s.baseURL = DefaultBaseURL
	}
	if s.client == nil {
		s.client = fetch.New(fetch.Options{Name: "github", Logger: opts.Logger})
	}
	s.deliver = delivery.New(delivery.Options{
		Transport: delivery.TransportFunc(s.download),
		Cache:     opts.Cache,
		Extract:   true,
		Logger:    s.logger,
	})
	return s
}

func (s *Source) Source() source.SourceID { return source.SourceGitHub }

var apiHeader = http.Header{"Accept": []string{"application/vnd.github+json"}}

// Discover lists the releases of every configured repository matching the
// query. Failing repositories are logged and skipped; only when all of them
// fail does discovery fail.
func (s *Source) Discover(ctx context.Context, query source.ContentSearchQuery) ([]source.ContentSearchResult, error) {
	var (
		out      []source.ContentSearchResult
		lastErr  error
		attempts int
	)
	only, _ := query.Filter("repo")
	for _, repo := range s.repos {
		if only != "" && !strings.EqualFold(only, repo.Owner+"/"+repo.Name) {
			continue
		}
		if query.ContentType != nil && *query.ContentType != repo.ContentType {
			continue
		}
		if query.TargetGame != nil && *query.TargetGame != repo.TargetGame {
			continue
		}
		attempts++

		var releases []release
		u := fmt.Sprintf("%s/repos/%s/%s/releases", s.baseURL, url.PathEscape(repo.Owner), url.PathEscape(repo.Name))
		if err := s.client.GetJSON(ctx, u, apiHeader.Clone(), &releases); err != nil {
			s.logger.Warn("failed to list releases", "repo", repo.Owner+"/"+repo.Name, "error", err)
			lastErr = err
			continue
		}
		for _, rel := range releases {
			if rel.Draft {
				continue
			}
			stub := s.stub(repo, rel)
			if !query.MatchesTerm(stub.Name, stub.Description, repo.Owner, repo.Name) || !hasTags(stub.Tags, query.Tags) {
				continue
			}
			out = append(out, stub)
		}
	}
	if len(out) == 0 && attempts > 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func hasTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Source) stub(repo Repository, rel release) source.ContentSearchResult {
	version := strings.TrimPrefix(rel.TagName, "v")
	id, _ := manifest.NewID(repo.Owner, repo.ContentType, repo.Name, version)
	name := repo.title()
	if rel.Name != "" && rel.Name != rel.TagName {
		name = fmt.Sprintf("%s (%s)", repo.title(), rel.Name)
	}
	var size int64
	for _, a := range rel.Assets {
		size += a.Size
	}
	tags := append([]string(nil), repo.Tags...)
	if rel.Prerelease {
		tags = append(tags, "prerelease")
	}
	return source.ContentSearchResult{
		ID:                 id,
		Name:               name,
		Description:        firstLine(rel.Body),
		Version:            version,
		ContentType:        repo.ContentType,
		TargetGame:         repo.TargetGame,
		ProviderName:       s.Source().String(),
		AuthorName:         rel.Author.Login,
		IconURL:            rel.Author.AvatarURL,
		LastUpdated:        rel.PublishedAt,
		DownloadSize:       size,
		Tags:               tags,
		SourceURL:          rel.HTMLURL,
		RequiresResolution: true,
		ResolverMetadata: map[string]string{
			hintOwner: repo.Owner,
			hintRepo:  repo.Name,
			hintTag:   rel.TagName,
		},
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// Resolve fetches the release named by the stub and lists its assets as
// downloadable files.
func (s *Source) Resolve(ctx context.Context, stub source.ContentSearchResult) (*manifest.ContentManifest, error) {
	owner, name, tag := stub.Hint(hintOwner), stub.Hint(hintRepo), stub.Hint(hintTag)
	if owner == "" || name == "" || tag == "" {
		return nil, fmt.Errorf("search result %q carries no release reference", stub.Name)
	}
	repo, ok := s.repository(owner, name)
	if !ok {
		return nil, fmt.Errorf("repository %s/%s is not configured", owner, name)
	}

	var rel release
	u := fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", s.baseURL, url.PathEscape(owner), url.PathEscape(name), url.PathEscape(tag))
	if err := s.client.GetJSON(ctx, u, apiHeader.Clone(), &rel); err != nil {
		return nil, err
	}
	if len(rel.Assets) == 0 {
		return nil, fmt.Errorf("release %s of %s/%s has no assets", tag, owner, name)
	}

	version := strings.TrimPrefix(rel.TagName, "v")
	id, err := manifest.NewID(repo.Owner, repo.ContentType, repo.Name, version)
	if err != nil {
		return nil, err
	}
	m := &manifest.ContentManifest{
		ID:          id,
		Name:        repo.title(),
		Version:     version,
		ContentType: repo.ContentType,
		TargetGame:  repo.TargetGame,
		Publisher: manifest.Publisher{
			Name:          repo.Owner,
			Website:       "https://github.com/" + repo.Owner,
			SupportURL:    fmt.Sprintf("https://github.com/%s/%s/issues", repo.Owner, repo.Name),
			PublisherType: manifest.PublisherTypeGitHub,
		},
		Metadata: manifest.Metadata{
			Description:  firstLine(rel.Body),
			IconURL:      rel.Author.AvatarURL,
			Tags:         append([]string(nil), repo.Tags...),
			ChangelogURL: rel.HTMLURL,
		},
	}
	if !rel.PublishedAt.IsZero() {
		published := rel.PublishedAt.UTC()
		m.Metadata.ReleaseDate = &published
	}
	for _, a := range rel.Assets {
		m.Files = append(m.Files, manifest.ManifestFile{
			RelativePath: a.Name,
			Size:         a.Size,
			SourceType:   manifest.SourceTypeDownload,
			IsRequired:   true,
			DownloadURL:  a.BrowserDownloadURL,
		})
	}
	return m, nil
}

func (s *Source) repository(owner, name string) (Repository, bool) {
	for _, r := range s.repos {
		if strings.EqualFold(r.Owner, owner) && strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return Repository{}, false
}

// CanDeliver reports whether every file of m has a download URL.
func (s *Source) CanDeliver(m *manifest.ContentManifest) bool {
	if m == nil || len(m.Files) == 0 {
		return false
	}
	for _, f := range m.Files {
		if f.DownloadURL == "" {
			return false
		}
	}
	return true
}

func (s *Source) Deliver(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress source.ProgressFunc) (*manifest.ContentManifest, error) {
	return s.deliver.Materialize(ctx, m, workingDir, progress)
}

func (s *Source) download(ctx context.Context, _ *manifest.ContentManifest, f manifest.ManifestFile, dest string, progress func(written, total int64)) (string, int64, error) {
	return s.client.Download(ctx, f.DownloadURL, dest, progress)
}

// NewProvider registers s and builds a provider that downloads and unpacks
// release assets.
func NewProvider(reg *source.Registry, s *Source, logger hclog.Logger, m *metrics.Metrics) (*provider.Base, error) {
	if err := reg.Register(s); err != nil {
		return nil, err
	}
	phase := source.PhaseDownloading
	return provider.New(provider.Options{
		Source:       source.SourceGitHub,
		Registry:     reg,
		Require:      source.RequireDiscoverer | source.RequireResolver | source.RequireDeliverer,
		PreparePhase: &phase,
		Logger:       logger,
		Metrics:      m,
	})
}
