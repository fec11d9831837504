package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/hashicorp/go-multierror"

	"genhub/internal/manifest"
)

var (
	ErrPathTraversal = errors.New("path escapes base directory")
	ErrInvalidPath   = errors.New("invalid relative path")

	drivePrefix = regexp.MustCompile(`^[A-Za-z]:`)

	caseInsensitiveFS = runtime.GOOS == "windows" || runtime.GOOS == "darwin"
)

var dosReservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// NormalizeRelative converts backslashes to forward slashes and cleans rel.
// It does not check containment; use SafeJoin for that.
func NormalizeRelative(rel string) string {
	rel = strings.ReplaceAll(rel, `\`, "/")
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
}

// SafeJoin joins rel onto base and returns the cleaned result, failing when
// rel is empty or absolute, or when it normalizes to a location outside base.
func SafeJoin(base, rel string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("%w: base directory is empty", ErrInvalidPath)
	}
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidPath, rel)
	}

	slashed := strings.ReplaceAll(rel, `\`, "/")
	if strings.HasPrefix(slashed, "/") || drivePrefix.MatchString(slashed) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathTraversal, rel)
	}

	cleanBase, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory %s: %w", base, err)
	}
	joined := filepath.Clean(filepath.Join(cleanBase, filepath.FromSlash(slashed)))

	if !within(cleanBase, joined) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	return joined, nil
}

// within reports whether path is strictly below base. Both must be clean.
// The comparison ignores case on file systems that do.
func within(base, path string) bool {
	b, p := base, path
	if caseInsensitiveFS {
		b, p = strings.ToLower(b), strings.ToLower(p)
	}
	if p == b {
		return false
	}
	if !strings.HasSuffix(b, string(filepath.Separator)) {
		b += string(filepath.Separator)
	}
	return strings.HasPrefix(p, b)
}

// ValidateManifestSecurity checks that every file of m resolves inside
// baseDir. It never touches the file system. All offending paths are
// reported.
func ValidateManifestSecurity(m *manifest.ContentManifest, baseDir string) error {
	if m == nil {
		return errors.New("manifest is nil")
	}
	var merr *multierror.Error
	for _, f := range m.Files {
		if _, err := SafeJoin(baseDir, f.RelativePath); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("manifest %s file %q: %w", m.ID, f.RelativePath, err))
		}
	}
	return merr.ErrorOrNil()
}

// IsReservedName reports whether any segment of rel is a DOS device name,
// which cannot be created on Windows.
func IsReservedName(rel string) bool {
	for _, segment := range strings.Split(NormalizeRelative(rel), "/") {
		upper := strings.ToUpper(segment)
		if dot := strings.IndexByte(upper, '.'); dot != -1 {
			upper = upper[:dot]
		}
		if dosReservedNames[upper] {
			return true
		}
	}
	return false
}
