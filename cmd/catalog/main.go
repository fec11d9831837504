// Command catalog serves a genhub content store over HTTP so other genhub
// installations can use it as a catalog source.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"genhub/internal/catalog"
	"genhub/internal/config"
	"genhub/internal/logging"
	"genhub/internal/metrics"
	"genhub/internal/pool"
	"genhub/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the genhub YAML configuration")
	var dir string
	flag.StringVar(&dir, "dir", "", "Content store root, overrides storage.root")
	var port int
	flag.IntVar(&port, "port", -1, "Port to listen on (0 for random available port), overrides catalog.listen")
	var reload time.Duration
	flag.DurationVar(&reload, "reload", time.Minute, "Interval for reloading manifests from the store, 0 disables")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if dir != "" {
		cfg.Storage.Root = dir
	}
	addr := cfg.Catalog.Listen
	if port >= 0 {
		addr = fmt.Sprintf(":%d", port)
	}

	logger := logging.New("catalog", cfg.Log.Level, nil)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	store, err := storage.New(storage.Options{Root: cfg.Storage.Root, Logger: logger, Metrics: m})
	if err != nil {
		logger.Error("failed to open content store", "root", cfg.Storage.Root, "error", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pool.New(store, logger, m)
	if err := p.Load(ctx); err != nil {
		logger.Error("failed to load manifests", "error", err)
		os.Exit(1)
	}
	if reload > 0 {
		go reloadLoop(ctx, p, reload, logger.Named("reload"))
	}

	server := catalog.NewServer(p, store, logger).WithMetrics(registry)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen", "address", addr, "error", err)
		os.Exit(1)
	}
	logger.Info("listening", "address", listener.Addr().String(), "id", server.ID(), "root", store.Root())

	srv := &http.Server{Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// reloadLoop picks up content stored by other processes sharing the root.
func reloadLoop(ctx context.Context, p *pool.Pool, every time.Duration, logger hclog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Load(ctx); err != nil {
				logger.Warn("failed to reload manifests", "error", err)
			}
		}
	}
}
