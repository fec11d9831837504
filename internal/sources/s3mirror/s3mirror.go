// Package s3mirror reads and writes a content mirror kept in an S3 bucket.
// The bucket mirrors the store layout below a prefix:
//
//	<prefix>/manifests/<id>.manifest.json
//	<prefix>/data/<id>/<relative path>
package s3mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-hclog"

	"genhub/internal/blobstore"
	"genhub/internal/hashing"
	"genhub/internal/logging"
	"genhub/internal/manifest"
	"genhub/internal/metrics"
	"genhub/internal/provider"
	"genhub/internal/source"
	"genhub/internal/sources/delivery"
)

const (
	manifestSuffix = ".manifest.json"
	hintKey        = "key"
)

var ErrObjectNotFound = errors.New("object not found in mirror")

// ObjectAPI is the part of the S3 client the mirror uses.
type ObjectAPI interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ ObjectAPI = (*s3.Client)(nil)

// ClientConfig selects the bucket endpoint. Credentials come from the
// default AWS chain.
type ClientConfig struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"usePathStyle"`
}

func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Layout maps manifests and files to object keys.
type Layout struct {
	Bucket string
	Prefix string
}

func (l Layout) key(parts ...string) string {
	all := append([]string{strings.Trim(l.Prefix, "/")}, parts...)
	return strings.TrimPrefix(path.Join(all...), "/")
}

func (l Layout) manifestsPrefix() string { return l.key("manifests") + "/" }

func (l Layout) ManifestKey(id manifest.ManifestID) string {
	return l.key("manifests", string(id)+manifestSuffix)
}

func (l Layout) DataKey(id manifest.ManifestID, relativePath string) string {
	return l.key("data", string(id), strings.ReplaceAll(relativePath, "\\", "/"))
}

func (l Layout) dataPrefix(id manifest.ManifestID) string {
	return l.key("data", string(id)) + "/"
}

type Options struct {
	API    ObjectAPI
	Layout Layout
	// PageSize bounds keys per list request. Zero leaves it to the server.
	PageSize int32
	Cache    blobstore.Store
	Logger   hclog.Logger
}

type Source struct {
	api      ObjectAPI
	layout   Layout
	pageSize int32
	deliver  *delivery.Materializer
	logger   hclog.Logger
}

var (
	_ source.Discoverer = (*Source)(nil)
	_ source.Resolver   = (*Source)(nil)
	_ source.Deliverer  = (*Source)(nil)
)

func New(opts Options) *Source {
	s := &Source{
		api:      opts.API,
		layout:   opts.Layout,
		pageSize: opts.PageSize,
		logger:   logging.OrNull(opts.Logger).Named("s3mirror"),
	}
	s.deliver = delivery.New(delivery.Options{
		Transport: delivery.TransportFunc(s.fetchObject),
		Cache:     opts.Cache,
		Logger:    s.logger,
	})
	return s
}

func (s *Source) Source() source.SourceID { return source.SourceS3Mirror }

// Discover lists mirrored manifests. Only what the id encodes can be
// matched here: the term against the id and the content type against its
// type segment. The remaining filters apply once manifests are resolved.
func (s *Source) Discover(ctx context.Context, query source.ContentSearchQuery) ([]source.ContentSearchResult, error) {
	keys, err := listKeys(ctx, s.api, s.layout.Bucket, s.layout.manifestsPrefix(), s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("listing mirror manifests: %w", err)
	}
	term := manifest.Slugify(query.SearchTerm)

	var out []source.ContentSearchResult
	for _, obj := range keys {
		name := path.Base(obj.key)
		if !strings.HasSuffix(name, manifestSuffix) {
			continue
		}
		id := manifest.ManifestID(strings.TrimSuffix(name, manifestSuffix))
		if id.Validate() != nil {
			continue
		}
		if term != "" && !strings.Contains(string(id), term) {
			continue
		}
		if query.ContentType != nil && idSegment(id, 3) != query.ContentType.Slug() {
			continue
		}
		out = append(out, source.ContentSearchResult{
			ID:                 id,
			Name:               idSegment(id, 4),
			ProviderName:       s.Source().String(),
			AuthorName:         idSegment(id, 2),
			LastUpdated:        obj.modified,
			SourceURL:          fmt.Sprintf("s3://%s/%s", s.layout.Bucket, obj.key),
			RequiresResolution: true,
			ResolverMetadata:   map[string]string{hintKey: obj.key},
		})
	}
	return out, nil
}

func idSegment(id manifest.ManifestID, i int) string {
	parts := strings.SplitN(string(id), ".", 5)
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

func (s *Source) Resolve(ctx context.Context, stub source.ContentSearchResult) (*manifest.ContentManifest, error) {
	key := stub.Hint(hintKey)
	if key == "" {
		key = s.layout.ManifestKey(stub.ID)
	}
	body, _, err := getObject(ctx, s.api, s.layout.Bucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	m, err := manifest.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("s3://%s/%s: %w", s.layout.Bucket, key, err)
	}
	return m, nil
}

func (s *Source) CanDeliver(m *manifest.ContentManifest) bool {
	return m != nil && len(m.Files) > 0 && m.Metadata.SourcePath == ""
}

func (s *Source) Deliver(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress source.ProgressFunc) (*manifest.ContentManifest, error) {
	return s.deliver.Materialize(ctx, m, workingDir, progress)
}

func (s *Source) fetchObject(ctx context.Context, m *manifest.ContentManifest, f manifest.ManifestFile, dest string, progress func(written, total int64)) (string, int64, error) {
	body, total, err := getObject(ctx, s.api, s.layout.Bucket, s.layout.DataKey(m.ID, f.RelativePath))
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".object-*")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	tw := hashing.NewTeeWriter(tmp)
	buf := make([]byte, 64*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := tw.Write(buf[:n]); werr != nil {
				tmp.Close()
				return "", 0, werr
			}
			progress(tw.Size(), total)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			tmp.Close()
			return "", 0, rerr
		}
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", 0, err
	}
	return tw.Digest(), tw.Size(), nil
}

func NewProvider(reg *source.Registry, s *Source, logger hclog.Logger, m *metrics.Metrics) (*provider.Base, error) {
	if err := reg.Register(s); err != nil {
		return nil, err
	}
	phase := source.PhaseDownloading
	return provider.New(provider.Options{
		Source:       source.SourceS3Mirror,
		Registry:     reg,
		Require:      source.RequireDiscoverer | source.RequireResolver | source.RequireDeliverer,
		PreparePhase: &phase,
		Logger:       logger,
		Metrics:      m,
	})
}
