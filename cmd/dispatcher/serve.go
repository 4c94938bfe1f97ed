package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mitsuri-ai/dispatcher/internal/auth"
	"github.com/mitsuri-ai/dispatcher/internal/gateway"
)

const staleWindowSweep = 10 * time.Minute

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP dispatch server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
}

func runServe(opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(ctx, opts, reg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	if err := a.loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}
	cfg := a.loader.Config()

	if a.sqlite != nil {
		go a.sqlite.RunSweeper(ctx, cfg.Cache.SweepInterval, logger)
	}
	if a.rlStore != nil {
		go sweepRateLimitWindows(ctx, a, 2*cfg.RateLimit.Window)
	}

	handler := gateway.NewHandler(a.facade, a.classifier,
		gateway.WithHealth(a.registry, a.health),
		gateway.WithCacheStats(a.cache),
		gateway.WithLogger(logger),
		gateway.WithVersion(version),
	)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	if len(cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
			MaxAge:         300,
		}))
	}

	// Unauthenticated routes
	r.Get("/health", handler.Health)
	r.Handle(cfg.Telemetry.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			var keyCache redis.Cmdable
			if a.rdb != nil {
				keyCache = a.rdb
			}
			r.Use(auth.Middleware(auth.NewCachedKeyStore(a.db, keyCache, cfg.Auth.CacheTTL), a.logger))
		}
		r.Post("/v1/dispatch", handler.Dispatch)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatcher starting", "addr", addr, "version", version, "auth", cfg.Auth.Enabled)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("dispatcher stopped")
	return nil
}

// sweepRateLimitWindows drops Postgres window rows nobody has touched recently.
func sweepRateLimitWindows(ctx context.Context, a *app, olderThan time.Duration) {
	ticker := time.NewTicker(staleWindowSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.rlStore.DeleteStale(ctx, olderThan)
			if err != nil {
				a.logger.Warn("rate limit window sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Debug("rate limit window sweep removed rows", "count", n)
			}
		}
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}
