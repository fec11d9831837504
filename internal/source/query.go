package source

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"genhub/internal/manifest"
)

// DefaultTake caps search results when a query does not.
const DefaultTake = 50

type ContentSearchQuery struct {
	SearchTerm  string
	ContentType *manifest.ContentType
	TargetGame  *manifest.TargetGame
	Tags        []string
	// PlayerCount keeps content whose player tag allows at least this many
	// players.
	PlayerCount *int
	Take        int
	// Filters holds source-specific fields. They are forwarded to the
	// discoverer untouched.
	Filters map[string]string
}

// Limit returns the effective result cap.
func (q ContentSearchQuery) Limit() int {
	if q.Take <= 0 {
		return DefaultTake
	}
	return q.Take
}

// Filter returns a source-specific filter value.
func (q ContentSearchQuery) Filter(key string) (string, bool) {
	v, ok := q.Filters[key]
	return v, ok
}

// MatchesTerm reports whether the search term occurs, case-insensitively,
// in any of fields. An empty term matches everything.
func (q ContentSearchQuery) MatchesTerm(fields ...string) bool {
	term := strings.ToLower(strings.TrimSpace(q.SearchTerm))
	if term == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}

// MatchesManifest applies the term, type, game and tag filters to m.
func (q ContentSearchQuery) MatchesManifest(m *manifest.ContentManifest) bool {
	if q.ContentType != nil && m.ContentType != *q.ContentType {
		return false
	}
	if q.TargetGame != nil && m.TargetGame != *q.TargetGame {
		return false
	}
	for _, tag := range q.Tags {
		if !slices.ContainsFunc(m.Metadata.Tags, func(t string) bool { return strings.EqualFold(t, tag) }) {
			return false
		}
	}
	if q.PlayerCount != nil {
		if n, ok := MaxPlayers(m.Metadata.Tags); !ok || n < *q.PlayerCount {
			return false
		}
	}
	fields := append([]string{m.Name, m.Metadata.Description, m.Publisher.Name, string(m.ID)}, m.Metadata.Tags...)
	return q.MatchesTerm(fields...)
}

// MaxPlayers reads the player capacity from tags such as "4p", "4-players"
// or "players:4". The largest value wins.
func MaxPlayers(tags []string) (int, bool) {
	best, found := 0, false
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		var digits string
		switch {
		case strings.HasPrefix(t, "players:"):
			digits = strings.TrimPrefix(t, "players:")
		case strings.HasSuffix(t, "-players"):
			digits = strings.TrimSuffix(t, "-players")
		case strings.HasSuffix(t, "-player"):
			digits = strings.TrimSuffix(t, "-player")
		case strings.HasSuffix(t, "p"):
			digits = strings.TrimSuffix(t, "p")
		default:
			continue
		}
		n, err := strconv.Atoi(digits)
		if err != nil || n <= 0 {
			continue
		}
		if !found || n > best {
			best, found = n, true
		}
	}
	return best, found
}

type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadManifest
)

// Payload is the resolved object attached to a search result.
type Payload struct {
	kind     PayloadKind
	manifest *manifest.ContentManifest
}

func ManifestPayload(m *manifest.ContentManifest) Payload {
	if m == nil {
		return Payload{}
	}
	return Payload{kind: PayloadManifest, manifest: m}
}

func (p Payload) Kind() PayloadKind { return p.kind }

func (p Payload) Manifest() (*manifest.ContentManifest, bool) {
	if p.kind != PayloadManifest {
		return nil, false
	}
	return p.manifest, true
}

// ContentSearchResult is a search hit. When RequiresResolution is set the
// hit is only a stub and a resolver must produce its manifest.
type ContentSearchResult struct {
	ID                 manifest.ManifestID
	Name               string
	Description        string
	Version            string
	ContentType        manifest.ContentType
	TargetGame         manifest.TargetGame
	ProviderName       string
	AuthorName         string
	IconURL            string
	LastUpdated        time.Time
	DownloadSize       int64
	ScreenshotURLs     []string
	Tags               []string
	SourceURL          string
	RequiresResolution bool
	// ResolverMetadata carries discoverer hints for the resolver, such as a
	// release tag or object key.
	ResolverMetadata map[string]string
	Payload          Payload
}

// Manifest returns the attached manifest, if any.
func (r ContentSearchResult) Manifest() (*manifest.ContentManifest, bool) {
	return r.Payload.Manifest()
}

// Hint returns a resolver metadata value.
func (r ContentSearchResult) Hint(key string) string {
	return r.ResolverMetadata[key]
}

// FromManifest builds a fully resolved search result for m.
func FromManifest(m *manifest.ContentManifest, provider string) ContentSearchResult {
	var lastUpdated time.Time
	if m.Metadata.ReleaseDate != nil {
		lastUpdated = *m.Metadata.ReleaseDate
	}
	return ContentSearchResult{
		ID:             m.ID,
		Name:           m.Name,
		Description:    m.Metadata.Description,
		Version:        m.Version,
		ContentType:    m.ContentType,
		TargetGame:     m.TargetGame,
		ProviderName:   provider,
		AuthorName:     m.Publisher.Name,
		IconURL:        m.Metadata.IconURL,
		LastUpdated:    lastUpdated,
		DownloadSize:   m.TotalSize(),
		ScreenshotURLs: slices.Clone(m.Metadata.ScreenshotURLs),
		Tags:           slices.Clone(m.Metadata.Tags),
		Payload:        ManifestPayload(m),
	}
}
