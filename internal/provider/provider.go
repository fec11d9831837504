// Package provider composes a source's discoverer, resolver and deliverer
// into a content provider with a uniform search and prepare flow.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"genhub/internal/logging"
	"genhub/internal/manifest"
	"genhub/internal/metrics"
	"genhub/internal/result"
	"genhub/internal/source"
	"genhub/internal/validation"
)

// DefaultResolveConcurrency bounds concurrent resolutions within one search.
const DefaultResolveConcurrency = 4

var ErrNoDeliverer = errors.New("no deliverer can deliver this manifest")

// ContentProvider searches a source and prepares its content on disk.
type ContentProvider interface {
	Name() string
	Source() source.SourceID
	Search(ctx context.Context, query source.ContentSearchQuery) result.Result[[]source.ContentSearchResult]
	Prepare(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress source.ProgressFunc) result.Result[*manifest.ContentManifest]
}

// Preparer materializes the files of m in workingDir. It may return a
// rewritten manifest describing what was actually written.
type Preparer interface {
	PrepareContent(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress source.ProgressFunc) (*manifest.ContentManifest, error)
}

type PreparerFunc func(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress source.ProgressFunc) (*manifest.ContentManifest, error)

func (f PreparerFunc) PrepareContent(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress source.ProgressFunc) (*manifest.ContentManifest, error) {
	return f(ctx, m, workingDir, progress)
}

type Options struct {
	// Name is reported as ProviderName on search results. Defaults to the
	// source name.
	Name     string
	Source   source.SourceID
	Registry *source.Registry
	Require  source.Capability

	Validator validation.ContentValidator
	// Preparer defaults to delivering through the bound deliverer.
	Preparer Preparer
	// PreparePhase is reported while the preparer runs, PhaseExtracting
	// unless set.
	PreparePhase       *source.Phase
	ResolveConcurrency int

	Logger  hclog.Logger
	Metrics *metrics.Metrics
}

// Base implements ContentProvider on top of a capability binding.
type Base struct {
	name        string
	binding     source.Binding
	validator   validation.ContentValidator
	preparer    Preparer
	phase       source.Phase
	concurrency int
	logger      hclog.Logger
	metrics     *metrics.Metrics
}

var _ ContentProvider = (*Base)(nil)

// New binds the required capabilities of opts.Source and fails when any of
// them is missing.
func New(opts Options) (*Base, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("provider %s: registry is required", opts.Source)
	}
	binding, err := opts.Registry.Bind(opts.Source, opts.Require)
	if err != nil {
		return nil, err
	}

	logger := logging.OrNull(opts.Logger)
	b := &Base{
		name:        opts.Name,
		binding:     binding,
		validator:   opts.Validator,
		preparer:    opts.Preparer,
		phase:       source.PhaseExtracting,
		concurrency: opts.ResolveConcurrency,
		metrics:     opts.Metrics,
	}
	if b.name == "" {
		b.name = opts.Source.String()
	}
	b.logger = logger.Named("provider").With("provider", b.name)
	if b.validator == nil {
		b.validator = validation.NewValidator(logger)
	}
	if opts.PreparePhase != nil {
		b.phase = *opts.PreparePhase
	}
	if b.concurrency <= 0 {
		b.concurrency = DefaultResolveConcurrency
	}
	if b.preparer == nil {
		if binding.Deliverer == nil {
			return nil, fmt.Errorf("%w: %s has neither a preparer nor a deliverer", source.ErrCapabilityMissing, opts.Source)
		}
		b.preparer = PreparerFunc(b.deliver)
	}
	return b, nil
}

func (b *Base) Name() string            { return b.name }
func (b *Base) Source() source.SourceID { return b.binding.Source }

func (b *Base) deliver(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress source.ProgressFunc) (*manifest.ContentManifest, error) {
	d := b.binding.Deliverer
	if d == nil || !d.CanDeliver(m) {
		return nil, fmt.Errorf("%w: %s", ErrNoDeliverer, m.ID)
	}
	return d.Deliver(ctx, m, workingDir, progress)
}

// ContentDir is where the prepared files of m live: the recorded source
// path for content that stays in place, workingDir otherwise.
func ContentDir(m *manifest.ContentManifest, workingDir string) string {
	if m != nil && m.Metadata.SourcePath != "" {
		return m.Metadata.SourcePath
	}
	return workingDir
}
