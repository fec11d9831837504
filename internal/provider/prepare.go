package provider

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"genhub/internal/manifest"
	"genhub/internal/result"
	"genhub/internal/source"
	"genhub/internal/validation"
)

// Prepare validates m, has the preparer materialize its files in
// workingDir and checks the result. File level issues are returned as
// warnings and never fail the preparation.
func (b *Base) Prepare(ctx context.Context, m *manifest.ContentManifest, workingDir string, progress source.ProgressFunc) (res result.Result[*manifest.ContentManifest]) {
	if m == nil {
		return result.Failure[*manifest.ContentManifest]("manifest is nil")
	}

	logger := b.logger.With("operation", uuid.NewString(), "manifest", m.ID)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during content preparation", "panic", r, "stack", string(debug.Stack()))
			res = result.Failuref[*manifest.ContentManifest]("preparation of %s panicked: %v", m.ID, r)
		}
		b.metrics.ObservePrepare(b.name, res.Success(), time.Since(start))
	}()

	progress.Report(source.ContentAcquisitionProgress{
		Phase:            source.PhaseValidatingManifest,
		CurrentOperation: "Validating manifest",
	})
	vr := b.validator.ValidateManifest(ctx, m)
	if !vr.IsValid() {
		logger.Warn("manifest failed validation", "errors", vr.Errors())
		return result.Failure[*manifest.ContentManifest](vr.Errors()...)
	}
	warnings := vr.Warnings()

	progress.Report(source.ContentAcquisitionProgress{
		Phase:            b.phase,
		CurrentOperation: "Preparing content",
		TotalFiles:       len(m.Files),
		TotalBytes:       m.TotalSize(),
	})
	logger.Debug("preparing content", "dir", workingDir)
	prepared, err := b.preparer.PrepareContent(ctx, m, workingDir, progress)
	if err != nil {
		logger.Warn("content preparation failed", "error", err)
		return result.Failuref[*manifest.ContentManifest]("content preparation failed: %v", err).WithWarnings(warnings...)
	}
	if prepared == nil {
		prepared = m
	}

	progress.Report(source.ContentAcquisitionProgress{
		Phase:            source.PhaseValidatingFiles,
		CurrentOperation: "Validating files",
		TotalFiles:       len(prepared.Files),
	})
	full := b.validator.ValidateAll(ctx, ContentDir(prepared, workingDir), prepared, func(p validation.Progress) {
		progress.Report(source.ContentAcquisitionProgress{
			Phase:              source.PhaseValidatingFiles,
			ProgressPercentage: source.Percent(int64(p.Processed), int64(p.Total)),
			CurrentOperation:   p.CurrentFile,
			FilesProcessed:     p.Processed,
			TotalFiles:         p.Total,
		})
	})
	for _, issue := range full.Issues {
		logger.Warn("content validation issue", "severity", issue.Severity, "path", issue.Path, "message", issue.Message)
		warnings = append(warnings, issue.String())
	}

	progress.Report(source.ContentAcquisitionProgress{
		Phase:              source.PhaseCompleted,
		ProgressPercentage: 100,
		CurrentOperation:   "Content prepared",
		FilesProcessed:     len(prepared.Files),
		TotalFiles:         len(prepared.Files),
		TotalBytes:         prepared.TotalSize(),
		BytesProcessed:     prepared.TotalSize(),
	})
	logger.Info("content prepared", "files", len(prepared.Files), "duration", time.Since(start))
	return result.Success(prepared, warnings...)
}
