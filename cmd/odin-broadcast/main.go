package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/odin-broadcast/internal/broadcast"
	"github.com/adred-codev/odin-broadcast/internal/config"
	"github.com/adred-codev/odin-broadcast/internal/coordinator"
	"github.com/adred-codev/odin-broadcast/internal/ingest"
	"github.com/adred-codev/odin-broadcast/internal/limits"
	"github.com/adred-codev/odin-broadcast/internal/monitoring"
	"github.com/adred-codev/odin-broadcast/internal/routing"
	"github.com/adred-codev/odin-broadcast/internal/subscription"
	"github.com/adred-codev/odin-broadcast/internal/transport/wshub"
	"github.com/adred-codev/odin-broadcast/internal/types"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		bootstrap := log.New(os.Stderr, "[odin-broadcast] ", log.LstdFlags)
		bootstrap.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	// automaxprocs already adjusted GOMAXPROCS for container CPU limits.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Engine wiring: index → router, hub → broadcaster → coordinator,
	// coordinator bound back onto the hub for connection-driven lifecycle.
	index := subscription.NewIndex(logger)

	router, err := routing.NewRouter(index, routing.Config{
		CacheEnabled:   cfg.CacheEnabled,
		CacheSize:      cfg.CacheSize,
		CacheThreshold: cfg.CacheThreshold,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create router")
	}

	limiters := limits.NewRecipientLimiters(cfg.MaxEventsPerUser, cfg.RateLimiterWindow, cfg.RateLimiterIdleTimeout)

	hub := wshub.NewHub(logger)

	broadcaster := broadcast.NewBroadcaster(broadcast.Config{
		BatchWindow:         cfg.BatchWindow,
		MaxBatchSize:        cfg.MaxBatchSize,
		MaxBatchBytes:       cfg.MaxBatchBytes,
		BatchWorkerCount:    cfg.BatchWorkerCount,
		DeliveryWorkerCount: cfg.DeliveryWorkerCount,
	}, hub, limiters, logger)
	broadcaster.Start(ctx)

	coord := coordinator.New(index, router, broadcaster, limiters, logger)
	hub.SetCoordinator(coord)

	for _, rule := range defaultRules() {
		if err := coord.AddRoutingRule(rule); err != nil {
			logger.Fatal().Err(err).Str("rule_id", rule.ID).Msg("Failed to install routing rule")
		}
	}

	guard := limits.NewIngestGuard(cfg.MaxIngestRate, cfg.CPUPause, logger)
	guard.StartMonitoring(ctx, 5*time.Second)

	consumer, err := ingest.NewConsumer(cfg.NATSServers, "odin-broadcast", coord, guard, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	if err := consumer.Start(cfg.NATSSubject); err != nil {
		logger.Fatal().Err(err).Msg("Failed to subscribe to events subject")
	}

	startMaintenance(ctx, cfg, coord, guard)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := coord.GetHealthStatus()
		w.Header().Set("Content-Type", "application/json")
		if health.State == broadcast.HealthError {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"broadcasting":  broadcaster.GetStats(),
			"routing":       router.GetStats(),
			"subscriptions": coord.GetSubscriptionStats(),
			"connections":   hub.GetStats(),
		})
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")

	// Stop ingest first so no new events enter, then drain the engine,
	// then drop connections and the HTTP surface.
	consumer.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Engine shutdown incomplete")
	}
	hub.CloseAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	cancel()

	logger.Info().Msg("Shutdown complete")
}

// startMaintenance runs the periodic engine hygiene loops: batch flush and
// limiter reaping, stale subscription cleanup, and ingest gauge refresh.
func startMaintenance(ctx context.Context, cfg *config.Config, coord *coordinator.Coordinator, guard *limits.IngestGuard) {
	go func() {
		optimize := time.NewTicker(30 * time.Second)
		cleanup := time.NewTicker(5 * time.Minute)
		gauges := time.NewTicker(cfg.MetricsInterval)
		defer optimize.Stop()
		defer cleanup.Stop()
		defer gauges.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-optimize.C:
				coord.OptimizePerformance()
			case <-cleanup.C:
				coord.CleanupInactiveSubscriptions(cfg.SubscriptionMaxInactive)
			case <-gauges.C:
				monitoring.SetIngestPaused(guard.ShouldPause())
			}
		}
	}()
}

// defaultRules is the baseline routing table installed at startup. Operators
// extend it over the admin surface.
func defaultRules() []routing.Rule {
	return []routing.Rule{
		{
			// Pattern detections fan out to their per-pattern rooms, derived
			// from event content.
			ID:                "pattern-alerts",
			Priority:          types.PriorityHigh,
			EventTypePatterns: []string{`^pattern_.*`},
			Strategy:          routing.StrategyContentBased,
		},
		{
			// Market-wide updates land in the shared overview room.
			ID:                "market-updates",
			Priority:          types.PriorityMedium,
			EventTypePatterns: []string{`^market_.*`, `^price_update$`},
			Strategy:          routing.StrategyBroadcastAll,
			Destinations:      []string{"market_overview"},
		},
		{
			// Operational notices jump the queue within their batches.
			ID:                "system-notices",
			Priority:          types.PriorityCritical,
			EventTypePatterns: []string{`^system_.*`},
			Strategy:          routing.StrategyPriorityFirst,
			Destinations:      []string{"system_notices"},
		},
	}
}
