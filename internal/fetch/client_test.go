package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genhub/internal/hashing"
)

func TestGetJSONAndNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "genhub-test", r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name":"ShockWave"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := New(Options{UserAgent: "genhub-test"})
	var out struct{ Name string }
	require.NoError(t, c.GetJSON(context.Background(), server.URL+"/ok", nil, &out))
	assert.Equal(t, "ShockWave", out.Name)

	err := c.GetJSON(context.Background(), server.URL+"/missing", nil, &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBreakerOpensAfterServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(Options{FailureThreshold: 2, OpenTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		_, _, err := c.Get(context.Background(), server.URL, nil)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	}

	_, _, err := c.Get(context.Background(), server.URL, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRateLimiterHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	c := New(Options{RequestsPerSecond: 0.001, Burst: 1})
	body, _, err := c.Get(context.Background(), server.URL, nil)
	require.NoError(t, err)
	body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = c.Get(ctx, server.URL, nil)
	assert.Error(t, err)
}

func TestDownloadHashesAndReportsProgress(t *testing.T) {
	payload := []byte("zero hour map data")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "nested", "map.zip")
	var last int64
	hash, size, err := New(Options{}).Download(context.Background(), server.URL, dest, func(written, total int64) {
		last = written
	})
	require.NoError(t, err)
	assert.Equal(t, hashing.Bytes(payload), hash)
	assert.Equal(t, int64(len(payload)), size)
	assert.Equal(t, int64(len(payload)), last)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file should be gone")
}
