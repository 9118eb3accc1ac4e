// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/htmlforge/internal/network"
	"github.com/xkilldash9x/htmlforge/internal/observability"
	"github.com/xkilldash9x/htmlforge/internal/propcache"
	"github.com/xkilldash9x/htmlforge/internal/propcache/pgstore"
	"github.com/xkilldash9x/htmlforge/internal/rewrite/sequence"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the rewriting proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := appConfig

			// Flag overrides win over file and environment values.
			if cmd.Flags().Changed("addr") {
				addr, _ := cmd.Flags().GetString("addr")
				cfg.SetServerAddr(addr)
			}
			if cmd.Flags().Changed("workers") {
				workers, _ := cmd.Flags().GetInt("workers")
				cfg.SetServerWorkerConcurrency(workers)
			}

			metrics := observability.NewInMemoryMetrics()

			var backend propcache.Backend
			switch cfg.PropertyCache().Backend {
			case "postgres":
				dbURL := cfg.Database().URL
				if dbURL == "" {
					return fmt.Errorf("property_cache backend is 'postgres' but database.url is empty")
				}
				dbPool, err := pgxpool.New(ctx, dbURL)
				if err != nil {
					return fmt.Errorf("failed to create database pool: %w", err)
				}
				defer dbPool.Close()

				store, err := pgstore.New(ctx, dbPool, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize property store: %w", err)
				}
				backend = store
				logger.Info("Property cache backed by PostgreSQL")
			default:
				backend = propcache.NewMemoryBackend()
				logger.Info("Property cache backed by process memory")
			}

			cache := propcache.New(backend, metrics, logger)
			cohorts := make([]*propcache.Cohort, 0, len(cfg.PropertyCache().Cohorts))
			for _, cc := range cfg.PropertyCache().Cohorts {
				cohort, err := cache.AddCohort(cc.Name, cc.TTL)
				if err != nil {
					return fmt.Errorf("failed to register cohort %q: %w", cc.Name, err)
				}
				cohorts = append(cohorts, cohort)
			}

			pool := sequence.NewPool(cfg.Server().WorkerConcurrency, logger)
			defer pool.Shutdown()

			caCert, caKey, err := loadCAPair(cfg.Server().CACert, cfg.Server().CAKey)
			if err != nil {
				return err
			}

			proxy, err := network.NewRewritingProxy(network.ProxyOptions{
				RewriterConfig: cfg.Rewriter(),
				OriginConfig:   cfg.Origin(),
				CACert:         caCert,
				CAKey:          caKey,
				Cache:          cache,
				Cohorts:        cohorts,
				Pool:           pool,
				Metrics:        metrics,
				Logger:         logger,
			})
			if err != nil {
				return fmt.Errorf("failed to build rewriting proxy: %w", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return proxy.Start(gctx, cfg.Server().Addr, cfg.Server().ShutdownTimeout)
			})
			g.Go(func() error {
				reportMetrics(gctx, metrics, logger)
				return nil
			})
			return g.Wait()
		},
	}

	serveCmd.Flags().String("addr", "", "listen address, e.g. :8080 (overrides config)")
	serveCmd.Flags().Int("workers", 0, "rewrite worker concurrency (overrides config)")
	return serveCmd
}

// loadCAPair reads the MITM certificate authority files. Both paths empty
// means HTTPS interception stays off, which is not an error.
func loadCAPair(certPath, keyPath string) ([]byte, []byte, error) {
	if certPath == "" && keyPath == "" {
		return nil, nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, nil, fmt.Errorf("server.ca_cert and server.ca_key must be set together")
	}
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	return cert, key, nil
}

// reportMetrics periodically logs the serving counters until the context
// ends.
func reportMetrics(ctx context.Context, metrics *observability.InMemoryMetrics, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("Serving stats",
				zap.Int64("fetches_rewritten", metrics.Fetches("rewritten")),
				zap.Int64("fetches_passthrough", metrics.Fetches("passthrough")),
				zap.Int64("fetches_error", metrics.Fetches("error")),
				zap.Int64("flushes_threshold", metrics.Flushes("threshold")),
				zap.Int64("flushes_network", metrics.Flushes("network")),
				zap.Int64("flushes_idle", metrics.Flushes("idle")))
		}
	}
}
