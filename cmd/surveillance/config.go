package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	surveillance "github.com/marketsentinel/surveillance"
)

// loadConfig builds a surveillance.Config from DefaultConfig, overridden by
// environment variables (spec §6's configuration table). godotenv.Load in
// main populates the environment from a local .env file, if present,
// before this runs.
func loadConfig() surveillance.Config {
	cfg := surveillance.DefaultConfig()

	cfg.PollInterval = envDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.MinTradeUSDPrefilter = envFloat("MIN_TRADE_USD_PREFILTER", cfg.MinTradeUSDPrefilter)
	cfg.MaxTradeAge = envDuration("MAX_TRADE_AGE", 24*time.Hour)
	cfg.StartupGrace = envDuration("STARTUP_GRACE", cfg.StartupGrace)
	cfg.IngestBatchSize = envInt("INGEST_BATCH_SIZE", cfg.IngestBatchSize)
	cfg.IngestFetchLimit = envInt("INGEST_FETCH_LIMIT", cfg.IngestFetchLimit)

	cfg.MaxQueueSize = envInt("MAX_QUEUE_SIZE", cfg.MaxQueueSize)
	cfg.DrainTimeoutMs = envInt("DRAIN_TIMEOUT_MS", cfg.DrainTimeoutMs)

	cfg.OICalculationMethod = surveillance.ImpactMethod(envOr("OI_CALCULATION_METHOD", string(cfg.OICalculationMethod)))
	cfg.MinOIPercentage = envFloat("MIN_OI_PERCENTAGE", cfg.MinOIPercentage)
	cfg.MinLiquidityImpactPercentage = envFloat("MIN_LIQUIDITY_IMPACT_PERCENTAGE", cfg.MinLiquidityImpactPercentage)
	cfg.MinVolumeImpactPercentage = envFloat("MIN_VOLUME_IMPACT_PERCENTAGE", cfg.MinVolumeImpactPercentage)
	cfg.FallbackToOICalculation = envBool("FALLBACK_TO_OI_CALCULATION", cfg.FallbackToOICalculation)
	cfg.FallbackOIPercentage = envFloat("FALLBACK_OI_PERCENTAGE", cfg.FallbackOIPercentage)

	cfg.OrderbookDepthLevels = envInt("ORDERBOOK_DEPTH_LEVELS", cfg.OrderbookDepthLevels)
	cfg.OrderbookCacheTTL = envDuration("ORDERBOOK_CACHE_TTL", cfg.OrderbookCacheTTL)
	cfg.VolumeLookbackHours = envInt("VOLUME_LOOKBACK_HOURS", cfg.VolumeLookbackHours)

	cfg.DormantHoursNoLargeTrades = envFloat("DORMANT_HOURS_NO_LARGE_TRADES", 48)
	cfg.DormantHoursNoPriceMoves = envFloat("DORMANT_HOURS_NO_PRICE_MOVES", 48)
	cfg.DormantLargeTradeThreshold = envFloat("DORMANT_LARGE_TRADE_THRESHOLD", 10_000)
	cfg.DormantPriceMoveThreshold = envFloat("DORMANT_PRICE_MOVE_THRESHOLD", 5)

	cfg.SubgraphLowTradeCount = envInt("SUBGRAPH_LOW_TRADE_COUNT", 5)
	cfg.SubgraphYoungAccountDays = envInt("SUBGRAPH_YOUNG_ACCOUNT_DAYS", 30)
	cfg.SubgraphLowVolumeUSD = envFloat("SUBGRAPH_LOW_VOLUME_USD", 5_000)
	cfg.SubgraphHighConcentrationPct = envFloat("SUBGRAPH_HIGH_CONCENTRATION_PCT", 80)
	cfg.SubgraphFreshFatBetSizeUSD = envFloat("SUBGRAPH_FRESH_FAT_BET_SIZE_USD", 5_000)
	cfg.SubgraphFreshFatBetMaxOI = envFloat("SUBGRAPH_FRESH_FAT_BET_MAX_OI", 60_000)
	cfg.SubgraphFreshFatBetPriorTrades = envInt("SUBGRAPH_FRESH_FAT_BET_PRIOR_TRADES", 5)
	cfg.SubgraphCacheTTL = envDuration("SUBGRAPH_CACHE_TTL", cfg.SubgraphCacheTTL)

	cfg.CEXFundingWindowDays = envInt("CEX_FUNDING_WINDOW_DAYS", 7)
	cfg.MinWalletAgeInDays = envInt("MIN_WALLET_AGE_IN_DAYS", 0)
	cfg.MaxWalletTransactions = envInt("MAX_WALLET_TRANSACTIONS", 1_000)
	cfg.MinNetflowPercentage = envFloat("MIN_NETFLOW_PERCENTAGE", 0)

	cfg.AlertThreshold = envFloat("ALERT_THRESHOLD", cfg.ClassifyMediumConfidence)
	cfg.MinTradeSize = envFloat("MIN_TRADE_SIZE", 0)
	cfg.MinOI = envFloat("MIN_OI", 0)

	cfg.WeightGatedImpact = envFloat("WEIGHT_GATED_IMPACT", cfg.WeightGatedImpact)
	cfg.WeightDormancyMagnitude = envFloat("WEIGHT_DORMANCY_MAGNITUDE", cfg.WeightDormancyMagnitude)
	cfg.WeightSuspiciousFlags = envFloat("WEIGHT_SUSPICIOUS_FLAGS", cfg.WeightSuspiciousFlags)
	cfg.WeightConfidenceEnvelope = envFloat("WEIGHT_CONFIDENCE_ENVELOPE", cfg.WeightConfidenceEnvelope)
	cfg.ClassifyStrongInsider = envFloat("CLASSIFY_STRONG_INSIDER", cfg.ClassifyStrongInsider)
	cfg.ClassifyHighConfidence = envFloat("CLASSIFY_HIGH_CONFIDENCE", cfg.ClassifyHighConfidence)
	cfg.ClassifyMediumConfidence = envFloat("CLASSIFY_MEDIUM_CONFIDENCE", cfg.ClassifyMediumConfidence)

	cfg.SkipTradesOnProxyError = envBool("SKIP_TRADES_ON_PROXY_ERROR", false)
	cfg = cfg.WithCEXAddresses(envList("CEX_ADDRESSES"))

	return cfg
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
