// Package validation checks manifests structurally, checks materialized
// content against its manifest, and guards every file path against escaping
// its base directory.
package validation

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"genhub/internal/hashing"
	"genhub/internal/logging"
	"genhub/internal/manifest"
)

type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "Error"
	}
	return "Warning"
}

type Issue struct {
	Severity Severity
	Message  string
	Path     string
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// Result collects the issues found for one manifest. Only Error issues
// make it invalid.
type Result struct {
	ManifestID manifest.ManifestID
	Issues     []Issue
}

func (r *Result) IsValid() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			return false
		}
	}
	return true
}

func (r *Result) Errors() []string   { return r.messages(SeverityError) }
func (r *Result) Warnings() []string { return r.messages(SeverityWarning) }

func (r *Result) messages(s Severity) []string {
	var out []string
	for _, i := range r.Issues {
		if i.Severity == s {
			out = append(out, i.String())
		}
	}
	return out
}

func (r *Result) errorf(path, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Severity: SeverityError, Message: fmt.Sprintf(format, args...), Path: path})
}

func (r *Result) warnf(path, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Severity: SeverityWarning, Message: fmt.Sprintf(format, args...), Path: path})
}

// Progress reports deep validation progress.
type Progress struct {
	Processed   int
	Total       int
	CurrentFile string
}

// ContentValidator is the validation capability used by providers.
type ContentValidator interface {
	ValidateManifest(ctx context.Context, m *manifest.ContentManifest) *Result
	ValidateAll(ctx context.Context, dir string, m *manifest.ContentManifest, progress func(Progress)) *Result
}

type Validator struct {
	logger hclog.Logger
}

var _ ContentValidator = (*Validator)(nil)

func NewValidator(logger hclog.Logger) *Validator {
	return &Validator{logger: logging.OrNull(logger).Named("validator")}
}

// ValidateManifest performs structural checks only.
func (v *Validator) ValidateManifest(ctx context.Context, m *manifest.ContentManifest) *Result {
	if m == nil {
		r := &Result{}
		r.errorf("", "manifest is nil")
		return r
	}
	r := &Result{ManifestID: m.ID}

	if err := m.ID.Validate(); err != nil {
		r.errorf("", "%v", err)
	}
	if strings.TrimSpace(m.Name) == "" {
		r.errorf("", "name is required")
	}
	if strings.TrimSpace(m.Version) == "" {
		r.errorf("", "version is required")
	}
	if !m.ContentType.IsKnown() {
		r.errorf("", "unknown content type %q", m.ContentType)
	}
	if !m.TargetGame.IsKnown() {
		r.errorf("", "unknown target game %q", m.TargetGame)
	}
	if strings.TrimSpace(m.Publisher.Name) == "" {
		r.warnf("", "publisher name is empty")
	}

	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if strings.TrimSpace(f.RelativePath) == "" {
			r.errorf("", "file with empty relative path")
			continue
		}
		key := strings.ToLower(NormalizeRelative(f.RelativePath))
		if seen[key] {
			r.errorf(f.RelativePath, "duplicate file path")
		}
		seen[key] = true
		if f.Size < 0 {
			r.errorf(f.RelativePath, "negative size %d", f.Size)
		}
		if f.Hash != "" {
			if _, _, err := hashing.Parse(f.Hash); err != nil {
				r.errorf(f.RelativePath, "%v", err)
			}
		}
		if IsReservedName(f.RelativePath) {
			r.warnf(f.RelativePath, "path uses a reserved device name")
		}
	}

	for _, d := range m.Dependencies {
		if err := d.ID.Validate(); err != nil {
			r.errorf("", "dependency: %v", err)
		}
		if d.ID == m.ID && d.ID != "" {
			r.errorf("", "manifest depends on itself")
		}
	}

	if err := ctx.Err(); err != nil {
		r.errorf("", "validation cancelled: %v", err)
	}
	return r
}

// ValidateAll checks the content materialized in dir against m: every file
// must stay inside dir, exist, and match its recorded size and hash. Files
// in dir that the manifest does not list are reported as warnings.
func (v *Validator) ValidateAll(ctx context.Context, dir string, m *manifest.ContentManifest, progress func(Progress)) *Result {
	if m == nil {
		r := &Result{}
		r.errorf("", "manifest is nil")
		return r
	}
	r := &Result{ManifestID: m.ID}

	if err := ValidateManifestSecurity(m, dir); err != nil {
		r.errorf("", "%v", err)
		return r
	}

	total := len(m.Files)
	expected := make(map[string]bool, total)
	for i, f := range m.Files {
		if err := ctx.Err(); err != nil {
			r.errorf("", "validation cancelled: %v", err)
			return r
		}
		if progress != nil {
			progress(Progress{Processed: i, Total: total, CurrentFile: f.RelativePath})
		}

		full, _ := SafeJoin(dir, f.RelativePath)
		expected[strings.ToLower(NormalizeRelative(f.RelativePath))] = true
		v.checkFile(r, full, f)
	}
	if progress != nil {
		progress(Progress{Processed: total, Total: total})
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !expected[strings.ToLower(rel)] {
			r.warnf(rel, "file is not listed in the manifest")
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		r.warnf("", "failed to enumerate %s: %v", dir, err)
	}

	v.logger.Debug("validated content", "manifest", m.ID, "files", total, "issues", len(r.Issues))
	return r
}

func (v *Validator) checkFile(r *Result, full string, f manifest.ManifestFile) {
	info, err := os.Stat(full)
	if err != nil {
		if f.IsRequired {
			r.errorf(f.RelativePath, "required file is missing")
		} else {
			r.warnf(f.RelativePath, "optional file is missing")
		}
		return
	}
	if info.IsDir() {
		r.errorf(f.RelativePath, "expected a file, found a directory")
		return
	}
	if f.Size > 0 && info.Size() != f.Size {
		r.errorf(f.RelativePath, "size mismatch: expected %d, found %d", f.Size, info.Size())
		return
	}
	if f.Hash == "" {
		return
	}

	file, err := os.Open(full)
	if err != nil {
		r.errorf(f.RelativePath, "failed to open: %v", err)
		return
	}
	defer file.Close()
	ok, err := hashing.Verify(file, f.Hash)
	if err != nil {
		r.errorf(f.RelativePath, "failed to hash: %v", err)
		return
	}
	if !ok {
		r.errorf(f.RelativePath, "hash mismatch")
	}
}
