package catalog

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genhub/internal/archive"
	"genhub/internal/logging"
	"genhub/internal/manifest"
	"genhub/internal/source"
	"genhub/internal/storage"
)

type Server struct {
	id       string
	catalog  Catalog
	content  Content
	gatherer prometheus.Gatherer
	logger   hclog.Logger
}

func NewServer(catalog Catalog, content Content, logger hclog.Logger) *Server {
	idBytes := make([]byte, 32)
	rand.Read(idBytes)

	return &Server{
		id:      hex.EncodeToString(idBytes),
		catalog: catalog,
		content: content,
		logger:  logging.OrNull(logger).Named("catalog"),
	}
}

// WithMetrics exposes g on /metrics.
func (s *Server) WithMetrics(g prometheus.Gatherer) *Server {
	s.gatherer = g
	return s
}

func (s *Server) ID() string { return s.id }

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/id", s.handleGetID).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := router.PathPrefix(APIPrefix).Subrouter()
	api.HandleFunc("/manifests", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/manifests/{id}", s.handleGetManifest).Methods(http.MethodGet)
	api.HandleFunc("/content/{id}/{path:.*}", s.handleGetContent).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/archive/{id}", s.handleGetArchive).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	return router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleGetID(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(s.id))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

// ParseQuery reads a search query from URL parameters: q, type, game, tag
// (repeatable), players and take. Any other parameter becomes a filter.
func ParseQuery(values url.Values) (source.ContentSearchQuery, error) {
	q := source.ContentSearchQuery{SearchTerm: values.Get("q"), Tags: values["tag"]}
	if v := values.Get("type"); v != "" {
		t, ok := manifest.ParseContentType(v)
		if !ok {
			return q, fmt.Errorf("unknown content type %q", v)
		}
		q.ContentType = &t
	}
	if v := values.Get("game"); v != "" {
		g, ok := manifest.ParseTargetGame(v)
		if !ok {
			return q, fmt.Errorf("unknown game %q", v)
		}
		q.TargetGame = &g
	}
	if v := values.Get("players"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("invalid players %q", v)
		}
		q.PlayerCount = &n
	}
	if v := values.Get("take"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid take %q", v)
		}
		q.Take = n
	}
	for key, vs := range values {
		switch key {
		case "q", "type", "game", "tag", "players", "take", "view":
			continue
		}
		if q.Filters == nil {
			q.Filters = make(map[string]string)
		}
		q.Filters[key] = vs[0]
	}
	return q, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query, err := ParseQuery(r.URL.Query())
	if err != nil {
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}
	res := s.catalog.SearchManifests(r.Context(), query)
	if res.Failed() {
		s.logger.Warn("search failed", "errors", res.Errors)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("view") == "summary" {
		summaries := make([]Summary, 0, len(res.Data))
		for _, m := range res.Data {
			summaries = append(summaries, Summarize(m))
		}
		writeJSON(w, summaries)
		return
	}
	manifests := res.Data
	if manifests == nil {
		manifests = []*manifest.ContentManifest{}
	}
	writeJSON(w, manifests)
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	id := manifest.ManifestID(mux.Vars(r)["id"])
	if id.Validate() != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	res := s.catalog.GetManifest(r.Context(), id)
	if res.Failed() {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	writeJSON(w, res.Data)
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := manifest.ManifestID(vars["id"])
	rel := vars["path"]
	if id.Validate() != nil || rel == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	m := s.catalog.GetManifest(r.Context(), id)
	if m.Failed() {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	entry, ok := m.Data.File(rel)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	f, info, err := s.content.OpenContentFile(id, rel)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		s.logger.Warn("failed to open content", "manifest", id, "path", rel, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if entry.Hash != "" {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("ETag", strconv.Quote(entry.Hash))
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	id := manifest.ManifestID(mux.Vars(r)["id"])
	if id.Validate() != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	ext := r.URL.Query().Get("format")
	if ext == "" {
		ext = "zip"
	}
	format := archive.DetectFormat("content." + ext)
	if format == archive.FormatUnknown {
		http.Error(w, "Bad Request: unknown archive format", http.StatusBadRequest)
		return
	}
	m := s.catalog.GetManifest(r.Context(), id)
	if m.Failed() || len(m.Data.Files) == 0 || m.Data.Metadata.SourcePath != "" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", string(id)+"."+ext))
	if err := archive.Write(r.Context(), w, format, s.content.ContentPath(id)); err != nil {
		// Headers are already sent; the truncated body is all we can signal.
		s.logger.Warn("failed to stream archive", "manifest", id, "error", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	res := s.content.GetStorageStats(r.Context())
	writeJSON(w, res.Data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
