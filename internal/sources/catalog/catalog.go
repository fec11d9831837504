// Package catalog uses a remote catalog server as a content source.
package catalog

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"genhub/internal/blobstore"
	remote "genhub/internal/catalog"
	"genhub/internal/logging"
	"genhub/internal/manifest"
	"genhub/internal/metrics"
	"genhub/internal/provider"
	"genhub/internal/source"
	"genhub/internal/sources/delivery"
)

type Options struct {
	Client *remote.Client
	// Summaries asks the server for short results and resolves each hit
	// separately. Otherwise hits carry their manifest.
	Summaries bool
	Cache     blobstore.Store
	Logger    hclog.Logger
}

type Source struct {
	client    *remote.Client
	summaries bool
	deliver   *delivery.Materializer
	logger    hclog.Logger
}

var (
	_ source.Discoverer = (*Source)(nil)
	_ source.Resolver   = (*Source)(nil)
	_ source.Deliverer  = (*Source)(nil)
)

func New(opts Options) *Source {
	s := &Source{
		client:    opts.Client,
		summaries: opts.Summaries,
		logger:    logging.OrNull(opts.Logger).Named("catalog-source"),
	}
	s.deliver = delivery.New(delivery.Options{
		Transport: delivery.TransportFunc(s.download),
		Cache:     opts.Cache,
		Logger:    s.logger,
	})
	return s
}

func (s *Source) Source() source.SourceID { return source.SourceCatalog }

func (s *Source) Discover(ctx context.Context, query source.ContentSearchQuery) ([]source.ContentSearchResult, error) {
	if !s.summaries {
		manifests, err := s.client.Search(ctx, query)
		if err != nil {
			return nil, err
		}
		out := make([]source.ContentSearchResult, 0, len(manifests))
		for _, m := range manifests {
			hit := source.FromManifest(m, s.Source().String())
			hit.SourceURL = s.client.BaseURL()
			out = append(out, hit)
		}
		return out, nil
	}

	summaries, err := s.client.Summaries(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]source.ContentSearchResult, 0, len(summaries))
	for _, sum := range summaries {
		var updated time.Time
		if sum.ReleaseDate != nil {
			updated = *sum.ReleaseDate
		}
		out = append(out, source.ContentSearchResult{
			ID:                 sum.ID,
			Name:               sum.Name,
			Description:        sum.Description,
			Version:            sum.Version,
			ContentType:        sum.ContentType,
			TargetGame:         sum.TargetGame,
			ProviderName:       s.Source().String(),
			AuthorName:         sum.Publisher,
			IconURL:            sum.IconURL,
			LastUpdated:        updated,
			DownloadSize:       sum.Size,
			Tags:               sum.Tags,
			SourceURL:          s.client.BaseURL(),
			RequiresResolution: true,
		})
	}
	return out, nil
}

func (s *Source) Resolve(ctx context.Context, stub source.ContentSearchResult) (*manifest.ContentManifest, error) {
	if m, ok := stub.Manifest(); ok {
		return m.Clone(), nil
	}
	return s.client.Manifest(ctx, stub.ID)
}

// CanDeliver reports whether m has files stored on the server. Manifests
// recorded without copying their content have nothing to serve.
func (s *Source) CanDeliver(m *manifest.ContentManifest) bool {
	return m != nil && len(m.Files) > 0 && m.Metadata.SourcePath == ""
}

func (s *Source) Deliver(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress source.ProgressFunc) (*manifest.ContentManifest, error) {
	out, err := s.deliver.Materialize(ctx, m, workingDir, progress)
	if err != nil {
		return nil, err
	}
	for i := range out.Files {
		out.Files[i].SourceType = manifest.SourceTypeDownload
		out.Files[i].DownloadURL = s.client.ContentURL(m.ID, out.Files[i].RelativePath)
	}
	return out, nil
}

func (s *Source) download(ctx context.Context, m *manifest.ContentManifest, f manifest.ManifestFile, dest string, progress func(written, total int64)) (string, int64, error) {
	return s.client.Download(ctx, m.ID, f.RelativePath, dest, progress)
}

func NewProvider(reg *source.Registry, s *Source, logger hclog.Logger, m *metrics.Metrics) (*provider.Base, error) {
	if err := reg.Register(s); err != nil {
		return nil, err
	}
	phase := source.PhaseDownloading
	return provider.New(provider.Options{
		Source:       source.SourceCatalog,
		Registry:     reg,
		Require:      source.RequireDiscoverer | source.RequireResolver | source.RequireDeliverer,
		PreparePhase: &phase,
		Logger:       logger,
		Metrics:      m,
	})
}
