package manifest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// SchemaVersion is the leading segment of every generated ManifestID.
const SchemaVersion = 1

var (
	ErrInvalidID = errors.New("invalid manifest id")

	idRegex      = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[a-z0-9][a-z0-9-]*\.[a-z0-9]+\.[a-z0-9][a-z0-9-]*$`)
	nonSlugRegex = regexp.MustCompile(`[^a-z0-9]+`)
)

// ManifestID identifies a manifest. It is stable across stores and is used
// verbatim as a directory and file name in the CAS layout, so it must never
// contain separators or dots outside the segment boundaries.
type ManifestID string

func (id ManifestID) String() string { return string(id) }

// Validate checks that id has the form
// <schema>.<version>.<publisher>.<contentType>.<name>.
func (id ManifestID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > 200 {
		return fmt.Errorf("%w: %q is longer than 200 characters", ErrInvalidID, string(id))
	}
	if !idRegex.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", ErrInvalidID, string(id))
	}
	return nil
}

// NewID builds the deterministic id for a publisher/type/name/version
// combination. The version keeps only its digits ("1.08" becomes "108").
func NewID(publisher string, contentType ContentType, name, version string) (ManifestID, error) {
	pub := Slugify(publisher)
	if pub == "" {
		return "", fmt.Errorf("%w: publisher %q has no usable characters", ErrInvalidID, publisher)
	}
	n := Slugify(name)
	if n == "" {
		return "", fmt.Errorf("%w: name %q has no usable characters", ErrInvalidID, name)
	}

	id := ManifestID(fmt.Sprintf("%d.%s.%s.%s.%s", SchemaVersion, versionDigits(version), pub, contentType.Slug(), n))
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Slugify lowercases s and collapses every run of characters outside
// [a-z0-9] into a single dash.
func Slugify(s string) string {
	s = nonSlugRegex.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

func versionDigits(version string) string {
	var b strings.Builder
	for _, r := range version {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "0"
	}
	// Keep ids bounded for pathological version strings.
	out := strings.TrimLeft(b.String(), "0")
	if out == "" {
		return "0"
	}
	if len(out) > 18 {
		out = out[:18]
	}
	return out
}
