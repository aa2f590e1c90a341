// Entry point for the chimera threat-intelligence daemon: verdict engine,
// feed scheduler, sandbox orchestrator and the HTTP API in one process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chimerasec/chimera/analysis"
	"github.com/chimerasec/chimera/api"
	"github.com/chimerasec/chimera/config"
	"github.com/chimerasec/chimera/dbopen"
	"github.com/chimerasec/chimera/feeds"
	"github.com/chimerasec/chimera/intel"
	"github.com/chimerasec/chimera/obs"
	"github.com/chimerasec/chimera/sandbox"
	"github.com/chimerasec/chimera/store"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", env("CHIMERA_CONFIG", ""), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(store.Schema),
		dbopen.WithSchema(obs.EventSchema))
	if err != nil {
		slog.Error("open db", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.New(db)
	events := obs.NewEvents(db, logger)

	adapters := buildAdapters(cfg, logger)
	engine := analysis.New(st, adapters, analysis.Config{
		Deadline: cfg.Deadline(),
		Policy: analysis.Policy{
			MaliciousAt:  cfg.Analysis.MaliciousAt,
			SuspiciousAt: cfg.Analysis.SuspiciousAt,
		},
		Logger: logger,
	})

	fetcher := feeds.NewFetcher(feeds.FetchConfig{
		Timeout: time.Duration(cfg.Feeds.FetchTimeoutSec) * time.Second,
	})
	scheduler := feeds.NewScheduler(st, fetcher, feeds.NewIngestor(st), events, feeds.SchedulerConfig{
		CheckInterval: time.Duration(cfg.Feeds.CheckIntervalSec) * time.Second,
		MaxFailStreak: cfg.Feeds.MaxFailStreak,
		Logger:        logger,
	})
	go scheduler.Run(ctx)

	var executor sandbox.Executor
	switch cfg.Sandbox.Executor {
	case "cloud":
		executor = &sandbox.CloudExecutor{
			BaseURL:  cfg.Sandbox.Cloud.BaseURL,
			APIKey:   cfg.Sandbox.Cloud.APIKey,
			Provider: cfg.Sandbox.Cloud.Provider,
		}
	default:
		executor = &sandbox.LocalExecutor{}
	}
	orch := sandbox.New(st, executor, events, sandbox.Config{
		QueueCapacity: cfg.Sandbox.QueueCapacity,
		Workers:       cfg.Sandbox.Workers,
		JobTimeout:    time.Duration(cfg.Sandbox.JobTimeoutSec) * time.Second,
		Policy: analysis.Policy{
			MaliciousAt:  cfg.Analysis.MaliciousAt,
			SuspiciousAt: cfg.Analysis.SuspiciousAt,
		},
		Logger: logger,
	})
	go orch.Run(ctx)

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: api.New(engine, scheduler, orch, st, events, api.Options{
			MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
			Logger:         logger,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "sources", len(adapters), "executor", cfg.Sandbox.Executor)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// buildAdapters assembles the source adapter set from configured
// credentials. A source with no key is left out rather than queried to
// fail; urlscan alone works keyless.
func buildAdapters(cfg *config.Config, logger *slog.Logger) []intel.Adapter {
	var adapters []intel.Adapter
	add := func(name string, sc config.SourceConfig, keyless bool, build func(intel.Config) intel.Adapter) {
		if !sc.Enabled {
			return
		}
		if sc.APIKey == "" && !keyless {
			logger.Warn("source enabled without api key, skipping", "source", name)
			return
		}
		adapters = append(adapters, build(intel.Config{
			APIKey:        sc.APIKey,
			Timeout:       time.Duration(sc.TimeoutSec) * time.Second,
			RatePerMinute: float64(sc.RatePerMinute),
			Weight:        sc.Weight,
			BaseURL:       sc.BaseURL,
		}))
	}
	add("virustotal", cfg.Sources.VirusTotal, false, func(c intel.Config) intel.Adapter { return intel.NewVirusTotal(c) })
	add("abuseipdb", cfg.Sources.AbuseIPDB, false, func(c intel.Config) intel.Adapter { return intel.NewAbuseIPDB(c) })
	add("otx", cfg.Sources.OTX, false, func(c intel.Config) intel.Adapter { return intel.NewOTX(c) })
	add("urlscan", cfg.Sources.URLScan, true, func(c intel.Config) intel.Adapter { return intel.NewURLScan(c) })
	return adapters
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
