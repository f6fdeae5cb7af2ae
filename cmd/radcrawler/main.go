// Command radcrawler runs the ingestion worker and the HTTP API in one
// process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/radlabs/rad-crawler/internal/api"
	"github.com/radlabs/rad-crawler/internal/clock/system"
	"github.com/radlabs/rad-crawler/internal/config"
	"github.com/radlabs/rad-crawler/internal/embed"
	"github.com/radlabs/rad-crawler/internal/fetch"
	"github.com/radlabs/rad-crawler/internal/governor"
	"github.com/radlabs/rad-crawler/internal/logging"
	"github.com/radlabs/rad-crawler/internal/metrics"
	"github.com/radlabs/rad-crawler/internal/search"
	"github.com/radlabs/rad-crawler/internal/store"
	"github.com/radlabs/rad-crawler/internal/worker"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars apply)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "radcrawler: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	metrics.Init()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, pool, err := store.New(ctx, cfg.DB.DSN, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	embedder, err := embed.New(embed.Config{
		APIKey:  cfg.Embedding.APIKey,
		BaseURL: cfg.Embedding.BaseURL,
		Model:   cfg.Embedding.Model,
	}, logger)
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}

	clk := system.New()
	gov := governor.New(governor.Config{
		RatePerDomain: cfg.Crawler.RatePerDomain,
		UserAgent:     cfg.Crawler.UserAgent,
	}, logger)
	fetcher := fetch.New(fetch.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})

	w := worker.New(st, fetcher, embedder, gov, clk, worker.Config{
		PollInterval: cfg.PollInterval(),
		MaxErrors:    cfg.Crawler.MaxErrorsPerJob,
		ChunkWindow:  cfg.Crawler.ChunkWindow,
		ChunkOverlap: cfg.Crawler.ChunkOverlap,
	}, logger)
	// The worker shuts down through Stop so the in-flight item can finish;
	// handing it the signal context would abort that item on SIGTERM.
	w.Start(context.Background())

	engine := search.New(st, embedder, clk, cfg.CacheTTL(), logger)
	srv := api.NewServer(st, engine, api.Config{
		RequestTimeout: cfg.RequestTimeout(),
		APIKey:         cfg.Auth.APIKey,
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := w.Stop(shutdownCtx); err != nil {
		logger.Warn("worker did not stop cleanly", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server did not stop cleanly", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
