package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kptv-failover/work/client"
	"kptv-failover/work/config"
	"kptv-failover/work/dedupe"
	"kptv-failover/work/handlers"
	"kptv-failover/work/kvstore"
	"kptv-failover/work/logger"
	"kptv-failover/work/middleware"
	"kptv-failover/work/performance"
	"kptv-failover/work/priority"
	"kptv-failover/work/probe"
	"kptv-failover/work/scheduler"
	"kptv-failover/work/selector"
	"kptv-failover/work/stats"
	"kptv-failover/work/types"
	"kptv-failover/work/validator"
)

var (
	Version = "v0.1.0" // default version
)

// selection swaps the active selector when the config is reloaded.
type selection struct {
	current atomic.Pointer[selector.Selector]
}

// SelectProgressive delegates to the current selector.
func (s *selection) SelectProgressive(ctx context.Context, cands []types.SourceCandidate, opts ...selector.Option) (<-chan types.SourceResult, selector.Report) {
	return s.current.Load().SelectProgressive(ctx, cands, opts...)
}

func (s *selection) SelectFirstAvailable(ctx context.Context, cands []types.SourceCandidate, opts ...selector.Option) *types.SourceResult {
	return s.current.Load().SelectFirstAvailable(ctx, cands, opts...)
}

func (s *selection) SelectBestSources(ctx context.Context, cands []types.SourceCandidate, n int, opts ...selector.Option) []types.SourceResult {
	return s.current.Load().SelectBestSources(ctx, cands, n, opts...)
}

// engine holds the long-lived services shared by every selector generation.
type engine struct {
	store  *performance.Store
	dedupe *dedupe.Deduplicator
	pool   *ants.Pool
	clock  clock.Clock
}

// newSelector builds the per-config part of the pipeline: probe client and
// options, scorer base priority, default mode and batch limits. The store,
// normalizer and worker pool carry over between generations.
func (e *engine) newSelector(cfg *config.Config) *selector.Selector {
	prober := probe.New(client.NewHeaderSettingClient(cfg), e.store, probe.OptionsFromConfig(cfg), e.clock)
	scorer := priority.NewScorer(e.store, e.clock, cfg.BasePriority)
	mode, err := scheduler.ParseMode(cfg.DefaultMode)
	if err != nil {
		mode = scheduler.ModeBalanced
	}

	return selector.New(validator.New(), e.dedupe, scorer, scheduler.New(prober, e.pool), e.store, selector.Options{
		Mode:           mode,
		MaxConcurrency: cfg.MaxConcurrency,
		MinAvailable:   cfg.MinAvailable,
		Advanced:       cfg.AdvancedDedupe,
	}, cfg.ObfuscateUrls)
}

// main loads the config, opens the store and ledger, starts the HTTP API and
// flushes persistent state on SIGINT or SIGTERM.
func main() {
	cfg := config.LoadConfig()
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	} else {
		logger.SetLogLevel(cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := kvstore.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		logger.Error("{main - main} opening %s store at %s: %v", cfg.StoreBackend, cfg.StorePath, err)
		os.Exit(1)
	}
	defer kv.Close()

	clk := clock.New()
	dd := dedupe.New(cfg.MaxStoreEntries*2, cfg.NormalizeCacheTTL)

	store := performance.New(kv,
		performance.WithClock(clk),
		performance.WithTTL(cfg.StoreTTL),
		performance.WithMaxEntries(cfg.MaxStoreEntries),
		performance.WithBlacklistDuration(cfg.BlacklistDuration),
		performance.WithDeduplicator(dd),
	)
	if err := store.Load(ctx); err != nil {
		logger.Warn("{main - main} %v", err)
	}

	ledger := stats.New(kv, cfg.HistorySize)
	if err := ledger.Load(ctx); err != nil {
		logger.Warn("{main - main} %v", err)
	}

	pool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{main - main} creating worker pool: %v", err)
		os.Exit(1)
	}
	defer pool.Release()

	eng := &engine{store: store, dedupe: dd, pool: pool, clock: clk}
	sel := &selection{}
	sel.current.Store(eng.newSelector(cfg))

	var live atomic.Pointer[config.Config]
	live.Store(cfg)

	go func() {
		err := config.Watch(ctx, config.Path(), func(next *config.Config) {
			if next.Debug {
				logger.SetLogLevel("DEBUG")
			} else {
				logger.SetLogLevel(next.LogLevel)
			}
			live.Store(next)
			sel.current.Store(eng.newSelector(next))
		})
		if err != nil {
			logger.Warn("{main - main} config hot reload disabled: %v", err)
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/select", middleware.Gzip(handlers.HandleSelect(sel))).Methods("POST")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	setupAdminRoutes(router, adminDeps{cfg: live.Load, store: store, ledger: ledger})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting KPTV Failover %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen: %s", cfg.ListenAddr)
	logger.Info("  - Store: %s (%s)", cfg.StoreBackend, cfg.StorePath)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Default Mode: %s (concurrency %d, min available %d)", cfg.DefaultMode, cfg.MaxConcurrency, cfg.MinAvailable)
	logger.Info("  - Deep Probe: %v (threshold %.0f)", cfg.DeepEnabled, cfg.DeepThreshold)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("{main - main} shutdown: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("{main - main} server failed: %v", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Flush(flushCtx); err != nil {
		logger.Error("{main - main} %v", err)
	}
	if err := ledger.Flush(flushCtx); err != nil {
		logger.Error("{main - main} %v", err)
	}
	logger.Info("KPTV Failover stopped")
}
