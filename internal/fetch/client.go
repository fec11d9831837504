// Package fetch is the outbound HTTP capability shared by remote sources.
// Requests wait on a token bucket and run inside a circuit breaker that
// opens after consecutive transport or server failures.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"genhub/internal/hashing"
	"genhub/internal/logging"
	"genhub/internal/metrics"
)

var (
	ErrNotFound    = errors.New("remote resource not found")
	ErrCircuitOpen = errors.New("remote source temporarily unavailable")
)

// StatusError is returned for non-2xx responses other than 404.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status code: %d", e.URL, e.StatusCode)
}

type Options struct {
	HTTPClient *http.Client
	// RequestsPerSecond of zero disables rate limiting.
	RequestsPerSecond float64
	Burst             int
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Zero means 5.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open. Zero means 30s.
	OpenTimeout time.Duration
	UserAgent   string
	Name        string
	Logger      hclog.Logger
	Metrics     *metrics.Metrics
}

type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	userAgent  string
	logger     hclog.Logger
	metrics    *metrics.Metrics
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	threshold := opts.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := opts.OpenTimeout
	if openTimeout == 0 {
		openTimeout = 30 * time.Second
	}
	name := opts.Name
	if name == "" {
		name = "fetch"
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "genhub"
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	logger := logging.OrNull(opts.Logger).Named(name)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		httpClient: httpClient,
		limiter:    limiter,
		breaker:    breaker,
		userAgent:  userAgent,
		logger:     logger,
		metrics:    opts.Metrics,
	}
}

// Do sends req after waiting for the rate limiter. Server errors and
// transport failures count against the breaker; 4xx responses do not.
// The caller must close the response body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.metrics.ObserveFetch(req.URL.Host, 0, time.Since(start))
			return nil, err
		}
		c.metrics.ObserveFetch(req.URL.Host, resp.StatusCode, time.Since(start))
		if resp.StatusCode >= http.StatusInternalServerError {
			resp.Body.Close()
			return nil, &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %v", ErrCircuitOpen, req.URL.Host, err)
		}
		return nil, err
	}
	return out.(*http.Response), nil
}

// Get performs a GET and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.Body, resp.ContentLength, nil
}

// GetJSON decodes the JSON body of url into v.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, v any) error {
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}
	body, _, err := c.Get(ctx, url, header)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

// Download streams url into destPath through a temporary file in the same
// directory, hashing while writing. progress receives bytes written and the
// expected total (-1 when unknown).
func (c *Client) Download(ctx context.Context, url, destPath string, progress func(written, total int64)) (string, int64, error) {
	body, total, err := c.Get(ctx, url, nil)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	tw := hashing.NewTeeWriter(tmp)
	var src io.Reader = body
	if progress != nil {
		src = &progressReader{r: body, total: total, fn: progress}
	}
	if _, err := io.Copy(tw, src); err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("failed to download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		return "", 0, err
	}
	c.logger.Debug("downloaded", "url", url, "bytes", tw.Size())
	return tw.Digest(), tw.Size(), nil
}

type progressReader struct {
	r       io.Reader
	total   int64
	written int64
	fn      func(written, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.written += int64(n)
		p.fn(p.written, p.total)
	}
	return n, err
}
