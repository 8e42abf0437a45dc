package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	imagegateway "github.com/halogen-labs/image-gateway"
	"github.com/halogen-labs/image-gateway/internal/admin"
	"github.com/halogen-labs/image-gateway/internal/artifact"
	"github.com/halogen-labs/image-gateway/internal/configstore"
	"github.com/halogen-labs/image-gateway/internal/gateway"
	"github.com/halogen-labs/image-gateway/internal/keypool"
	"github.com/halogen-labs/image-gateway/internal/logging"
	"github.com/halogen-labs/image-gateway/internal/requestlog"
	"github.com/halogen-labs/image-gateway/internal/router"
	"github.com/halogen-labs/image-gateway/providers"
)

const dataDir = "data"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger := logging.Setup(logging.ParseLevel(os.Getenv(imagegateway.EnvLogLevel)), filepath.Join(dataDir, "logs"))
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Pick up lines other processes append to today's log file; the
	// signature set keeps our own writes from echoing back.
	if _, err := logging.NewTailWatcher(ctx, logger); err != nil {
		logging.Info("Main", "log tail watcher unavailable: %v", err)
	}

	store, err := configstore.Open(dataDir)
	if err != nil {
		return fmt.Errorf("opening runtime document: %w", err)
	}

	// An explicit bootstrap file replaces the persisted document at startup.
	if path := os.Getenv(imagegateway.EnvBootstrapFile); path != "" {
		boot, berr := imagegateway.LoadBootstrap(path)
		if berr != nil {
			return fmt.Errorf("loading bootstrap config: %w", berr)
		}
		if rerr := store.ReplaceAll(*boot); rerr != nil {
			return fmt.Errorf("applying bootstrap config: %w", rerr)
		}
		logging.Info("Main", "runtime document bootstrapped from %s", path)
	}

	rt := imagegateway.ApplyEnvOverrides(store.Get())

	registry := providers.NewDefaultRegistry()
	planner := router.New(registry)

	artifacts, err := artifact.New(filepath.Join(dataDir, "storage"))
	if err != nil {
		return fmt.Errorf("opening artifact store: %w", err)
	}

	var dispatch requestlog.Writer = requestlog.NoopWriter{}
	if rt.System.RequestLogging {
		w, derr := requestlog.Open(filepath.Join(dataDir, "imggw-dispatches.db"))
		if derr != nil {
			logging.Error("Main", "dispatch log unavailable: %v", derr)
		} else {
			dispatch = w
			defer func() { _ = w.Close() }()
		}
	}

	gw := gateway.New(store, registry, planner, artifacts, dispatch)
	keys := keypool.NewManager(store)
	adminHandler := admin.New(gw, keys, logger)

	r := newRouter(gw, adminHandler, store)

	addr := fmt.Sprintf(":%d", rt.System.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logging.Info("Main", "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("Main", "shutdown: %v", err)
		}
	}()

	logging.Info("Main", "image gateway listening on %s (%d providers)", addr, len(registry.List()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	logging.Info("Main", "server stopped")
	return nil
}

// newRouter builds the HTTP router: public OpenAI-compatible endpoints,
// the admin API, health, and metrics.
func newRouter(gw *gateway.Gateway, adminHandler *admin.Handler, store *configstore.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(corsMiddleware(store))
	r.Use(maxBodyMiddleware(store))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if !store.Get().System.HealthCheck {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	adminHandler.Register(r)

	h := &apiHandlers{gw: gw}
	r.Post("/v1/chat/completions", h.chatCompletions)
	r.Post("/v1/images/generations", h.imageGenerations)
	r.Post("/v1/images/edits", h.imageEdits)
	r.Post("/v1/images/blend", h.imageBlend)

	return r
}

// maxBodyMiddleware bounds request bodies to the configured limit.
func maxBodyMiddleware(store *configstore.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit := store.Get().System.MaxBodySize; limit > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
