// Command surveillance runs the real-time prediction-market insider-
// trading surveillance pipeline (spec §5): it wires the upstream clients,
// resilience primitives, and every internal/ package into a single
// Orchestrator and runs until terminated.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	surveillance "github.com/marketsentinel/surveillance"
	"github.com/marketsentinel/surveillance/internal/detector"
	"github.com/marketsentinel/surveillance/internal/forensics"
	"github.com/marketsentinel/surveillance/internal/ingestion"
	"github.com/marketsentinel/surveillance/internal/orchestrator"
	"github.com/marketsentinel/surveillance/internal/queue"
	"github.com/marketsentinel/surveillance/internal/registry"
	"github.com/marketsentinel/surveillance/internal/scorer"
	"github.com/marketsentinel/surveillance/internal/storepg"
	"github.com/marketsentinel/surveillance/internal/upstream/chainrpc"
	"github.com/marketsentinel/surveillance/internal/upstream/explorer"
	"github.com/marketsentinel/surveillance/internal/upstream/feed"
	"github.com/marketsentinel/surveillance/internal/upstream/indexer"
	"github.com/marketsentinel/surveillance/internal/upstream/marketdata"
)

func main() {
	_ = godotenv.Load()

	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	if zl, ok := logger.(*surveillance.ZapLogger); ok {
		defer zl.Sync()
	}

	promRegistry := prometheus.NewRegistry()
	metrics := surveillance.NewPrometheusMetrics(promRegistry)

	cfg := loadConfig()

	redisClient := redis.NewClient(surveillance.RedisOptions())
	defer redisClient.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := storepg.New(ctx, surveillance.PostgresDSN(), logger, metrics)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	marketdataResilience := surveillance.NewResilience("marketdata",
		surveillance.NewRateLimiter(10, 20, logger, metrics),
		surveillance.NewCircuitBreaker(redisClient, "surveillance:cb:marketdata", surveillance.DefaultCircuitFailureThreshold, surveillance.DefaultCircuitMonitoringPeriod, surveillance.DefaultCircuitRecoveryTimeout, surveillance.DefaultCircuitHalfOpenAttempts, logger, metrics),
		surveillance.DefaultRetryConfig(), logger, metrics)
	indexerResilience := surveillance.NewResilience("indexer",
		surveillance.NewRateLimiter(5, 10, logger, metrics),
		surveillance.NewCircuitBreaker(redisClient, "surveillance:cb:indexer", surveillance.DefaultCircuitFailureThreshold, surveillance.DefaultCircuitMonitoringPeriod, surveillance.DefaultCircuitRecoveryTimeout, surveillance.DefaultCircuitHalfOpenAttempts, logger, metrics),
		surveillance.DefaultRetryConfig(), logger, metrics)
	chainRPCResilience := surveillance.NewResilience("chainrpc",
		surveillance.NewRateLimiter(5, 10, logger, metrics),
		surveillance.NewCircuitBreaker(redisClient, "surveillance:cb:chainrpc", surveillance.DefaultCircuitFailureThreshold, surveillance.DefaultCircuitMonitoringPeriod, surveillance.DefaultCircuitRecoveryTimeout, surveillance.DefaultCircuitHalfOpenAttempts, logger, metrics),
		surveillance.DefaultRetryConfig(), logger, metrics)
	explorerResilience := surveillance.NewResilience("explorer",
		surveillance.NewRateLimiter(2, 5, logger, metrics),
		surveillance.NewCircuitBreaker(redisClient, "surveillance:cb:explorer", surveillance.DefaultCircuitFailureThreshold, surveillance.DefaultCircuitMonitoringPeriod, surveillance.DefaultCircuitRecoveryTimeout, surveillance.DefaultCircuitHalfOpenAttempts, logger, metrics),
		surveillance.DefaultRetryConfig(), logger, metrics)

	marketdataClient := marketdata.New(envOr("MARKETDATA_BASE_URL", "https://clob.polymarket.com"), httpClient, marketdataResilience, logger)
	indexerClient := indexer.New(envOr("INDEXER_ENDPOINT", "https://data-api.polymarket.com"), httpClient, indexerResilience, logger)
	chainRPCClient, err := chainrpc.New(envOr("CHAIN_RPC_URL", "https://polygon-rpc.com"), chainRPCResilience, logger)
	if err != nil {
		logger.Error("chain rpc client init failed", "error", err)
		os.Exit(1)
	}
	explorerClient := explorer.New(envOr("EXPLORER_BASE_URL", "https://api.polygonscan.com"), os.Getenv("EXPLORER_API_KEY"), httpClient, explorerResilience, logger)
	feedClient := feed.New(envOr("FEED_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"), logger, metrics)

	reg := registry.New(store, feedClient, logger, metrics)

	q := queue.New(cfg.MaxQueueSize, logger, metrics)

	stats := surveillance.NewStatsHash(redisClient, "surveillance:stats", logger, metrics)
	dedup := surveillance.NewDedupStore(redisClient, "surveillance:dedup", cfg.MaxTradeAge,
		surveillance.NewCircuitBreaker(redisClient, "surveillance:cb:dedup", surveillance.DefaultCircuitFailureThreshold, surveillance.DefaultCircuitMonitoringPeriod, surveillance.DefaultCircuitRecoveryTimeout, surveillance.DefaultCircuitHalfOpenAttempts, logger, metrics),
		logger, metrics)

	coordinator := ingestion.NewCoordinator(reg, dedup, q, stats, logger, metrics)
	pollerConfig := ingestion.PollerConfig{
		Interval:             cfg.PollInterval,
		StartupGrace:         cfg.StartupGrace,
		MaxTradeAge:          cfg.MaxTradeAge,
		MinTradeUSDPrefilter: decimal.NewFromFloat(cfg.MinTradeUSDPrefilter),
		BatchSize:            cfg.IngestBatchSize,
		FetchLimit:           cfg.IngestFetchLimit,
	}
	poller := ingestion.NewPoller(marketdataClient, reg, q, marketdataResilience.RateLimiter, coordinator, pollerConfig, logger, metrics)
	ingestion.NewPushSubscriber(feedClient, coordinator, poller, logger, metrics)

	det := detector.New(marketdataClient, marketdataClient, reg, detector.Config{
		Method:                     cfg.OICalculationMethod,
		MinOIPercentage:            cfg.MinOIPercentage,
		MinLiquidityPercentage:     cfg.MinLiquidityImpactPercentage,
		MinVolumePercentage:        cfg.MinVolumeImpactPercentage,
		FallbackToOI:               cfg.FallbackToOICalculation,
		FallbackOIPercentage:       cfg.FallbackOIPercentage,
		OrderbookDepthLevels:       cfg.OrderbookDepthLevels,
		OrderbookCacheTTL:          cfg.OrderbookCacheTTL,
		VolumeLookbackHours:        cfg.VolumeLookbackHours,
		DormantHoursNoLargeTrades:  cfg.DormantHoursNoLargeTrades,
		DormantHoursNoPriceMoves:   cfg.DormantHoursNoPriceMoves,
		DormantLargeTradeThreshold: cfg.DormantLargeTradeThreshold,
		DormantPriceMoveThreshold:  cfg.DormantPriceMoveThreshold,
		HistoryFetchLimit:          cfg.IngestFetchLimit,
	}, stats, logger, metrics)

	fingerprintCache := forensics.NewFingerprintCache(redisClient, "surveillance:fingerprint", cfg.SubgraphCacheTTL, 6*time.Hour, logger, metrics)
	fx := forensics.New(indexerClient, chainRPCClient, explorerClient, fingerprintCache, cfg.CEXAddresses, forensics.Thresholds{
		LowTradeCount:             cfg.SubgraphLowTradeCount,
		YoungAccountDays:          cfg.SubgraphYoungAccountDays,
		LowVolumeUSD:              cfg.SubgraphLowVolumeUSD,
		HighConcentrationPct:      cfg.SubgraphHighConcentrationPct,
		FreshFatBetSizeUSD:        cfg.SubgraphFreshFatBetSizeUSD,
		FreshFatBetMaxOI:          cfg.SubgraphFreshFatBetMaxOI,
		FreshFatBetPriorTrades:    cfg.SubgraphFreshFatBetPriorTrades,
		LowDiversificationMarkets: 2,
		CEXFundingWindowDays:      cfg.CEXFundingWindowDays,
		MaxWalletTransactions:     cfg.MaxWalletTransactions,
		SkipTradesOnProxyError:    cfg.SkipTradesOnProxyError,
	}, logger, metrics)

	locker := surveillance.NewDistributedLock(redisClient, "surveillance:lock", logger, metrics)
	sc := scorer.New(store, locker, nil, scorer.Config{
		Weights: scorer.Weights{
			GatedImpact:        cfg.WeightGatedImpact,
			DormancyMagnitude:  cfg.WeightDormancyMagnitude,
			SuspiciousFlags:    cfg.WeightSuspiciousFlags,
			ConfidenceEnvelope: cfg.WeightConfidenceEnvelope,
		},
		Thresholds: scorer.ClassificationThresholds{
			StrongInsider:    cfg.ClassifyStrongInsider,
			HighConfidence:   cfg.ClassifyHighConfidence,
			MediumConfidence: cfg.ClassifyMediumConfidence,
		},
		AlertThreshold: cfg.AlertThreshold,
		LockTTL:        surveillance.DefaultLockTTL,
		LockMaxRetries: surveillance.DefaultLockMaxRetries,
		LockRetryDelay: surveillance.DefaultLockRetryDelay,
	}, stats, logger, metrics)

	o := orchestrator.New(q, poller, reg, det, fx, sc, feedClient, store, time.Duration(cfg.DrainTimeoutMs)*time.Millisecond, logger, metrics)

	go serveMetrics(promRegistry, logger)

	if err := feedClient.Connect(ctx); err != nil {
		logger.Warn("feed connect failed, pull poller will still sweep", "error", err)
	}

	logger.Info("surveillance pipeline starting")
	if err := o.Run(ctx, marketStatsAdapter{marketdataClient}); err != nil {
		logger.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("surveillance pipeline stopped")
}

// marketStatsAdapter narrows marketdata.Client's MarketStatsFor (which
// returns a *marketdata.MarketStats) to the registry.StatsSource seam
// (which expects a *registry.MarketStats): same two fields, different
// packages, so the registry never imports the upstream client package.
type marketStatsAdapter struct {
	client *marketdata.Client
}

func (a marketStatsAdapter) MarketStatsFor(ctx context.Context, conditionID string) (*registry.MarketStats, error) {
	stats, err := a.client.MarketStatsFor(ctx, conditionID)
	if err != nil {
		return nil, err
	}
	return &registry.MarketStats{OpenInterest: stats.OpenInterest, Volume: stats.Volume}, nil
}

func newLogger() (surveillance.Logger, error) {
	if os.Getenv("ENV") == "production" {
		return surveillance.NewProductionZapLogger()
	}
	return surveillance.NewDevelopmentZapLogger()
}

func serveMetrics(registry *prometheus.Registry, logger surveillance.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	addr := envOr("METRICS_ADDR", ":9090")
	logger.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
