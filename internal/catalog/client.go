package catalog

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"genhub/internal/fetch"
	"genhub/internal/manifest"
	"genhub/internal/source"
	"genhub/internal/storage"
)

// Client talks to a remote catalog server.
type Client struct {
	baseURL string
	fetch   *fetch.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, f *fetch.Client) *Client {
	if f == nil {
		f = fetch.New(fetch.Options{Name: "catalog"})
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetch:   f,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// ID returns the identity of the remote server.
func (c *Client) ID(ctx context.Context) (string, error) {
	body, _, err := c.fetch.Get(ctx, c.baseURL+"/id", nil)
	if err != nil {
		return "", err
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, 1024))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EncodeQuery is the inverse of ParseQuery.
func EncodeQuery(q source.ContentSearchQuery) url.Values {
	values := url.Values{}
	for k, v := range q.Filters {
		values.Set(k, v)
	}
	if q.SearchTerm != "" {
		values.Set("q", q.SearchTerm)
	}
	if q.ContentType != nil {
		values.Set("type", string(*q.ContentType))
	}
	if q.TargetGame != nil {
		values.Set("game", string(*q.TargetGame))
	}
	for _, t := range q.Tags {
		values.Add("tag", t)
	}
	if q.PlayerCount != nil {
		values.Set("players", strconv.Itoa(*q.PlayerCount))
	}
	if q.Take > 0 {
		values.Set("take", strconv.Itoa(q.Take))
	}
	return values
}

// Search returns the full manifests matching q.
func (c *Client) Search(ctx context.Context, q source.ContentSearchQuery) ([]*manifest.ContentManifest, error) {
	var out []*manifest.ContentManifest
	u := c.baseURL + APIPrefix + "/manifests?" + EncodeQuery(q).Encode()
	if err := c.fetch.GetJSON(ctx, u, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Summaries returns the short form of the manifests matching q.
func (c *Client) Summaries(ctx context.Context, q source.ContentSearchQuery) ([]Summary, error) {
	values := EncodeQuery(q)
	values.Set("view", "summary")
	var out []Summary
	if err := c.fetch.GetJSON(ctx, c.baseURL+APIPrefix+"/manifests?"+values.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Manifest fetches one manifest.
func (c *Client) Manifest(ctx context.Context, id manifest.ManifestID) (*manifest.ContentManifest, error) {
	var m manifest.ContentManifest
	if err := c.fetch.GetJSON(ctx, c.baseURL+APIPrefix+"/manifests/"+url.PathEscape(string(id)), nil, &m); err != nil {
		return nil, err
	}
	if m.ID != id {
		return nil, fmt.Errorf("catalog returned manifest %s for %s", m.ID, id)
	}
	return &m, nil
}

// ContentURL is the address of one stored file.
func (c *Client) ContentURL(id manifest.ManifestID, relativePath string) string {
	segments := strings.Split(strings.ReplaceAll(relativePath, "\\", "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.baseURL + APIPrefix + "/content/" + url.PathEscape(string(id)) + "/" + strings.Join(segments, "/")
}

// Download writes one stored file to dest and returns its sha256 and size.
func (c *Client) Download(ctx context.Context, id manifest.ManifestID, relativePath, dest string, progress func(written, total int64)) (string, int64, error) {
	return c.fetch.Download(ctx, c.ContentURL(id, relativePath), dest, progress)
}

func (c *Client) Stats(ctx context.Context) (storage.StorageStats, error) {
	var stats storage.StorageStats
	err := c.fetch.GetJSON(ctx, c.baseURL+APIPrefix+"/stats", nil, &stats)
	return stats, err
}
