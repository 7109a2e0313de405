package surveillance

import "time"

// Configuration constants, mostly retry/backoff defaults shared by the
// upstream client layer (spec §7a) and the distributed lock.
const (
	DefaultMaxRetries      = 3
	DefaultInitialBackoff  = 100 * time.Millisecond
	DefaultBackoffMultiple = 2
	DefaultJitterPercent   = 0.5 // 50% jitter to avoid thundering herd

	DefaultLockTTL           = 30 * time.Second
	DefaultLockRetryDelay    = 50 * time.Millisecond
	DefaultLockMaxRetries    = 3
	DefaultCircuitFailureThreshold = 5
	DefaultCircuitMonitoringPeriod = time.Minute
	DefaultCircuitRecoveryTimeout  = 30 * time.Second
	DefaultCircuitHalfOpenAttempts = 1
)

// RetryConfig holds configuration for retry operations with exponential backoff
type RetryConfig struct {
	MaxRetries      int
	InitialBackoff  time.Duration
	BackoffMultiple int
	JitterPercent   float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      DefaultMaxRetries,
		InitialBackoff:  DefaultInitialBackoff,
		BackoffMultiple: DefaultBackoffMultiple,
		JitterPercent:   DefaultJitterPercent,
	}
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return &ConfigError{Field: "MaxRetries", Value: c.MaxRetries, Reason: "must be non-negative"}
	}
	if c.InitialBackoff <= 0 {
		return &ConfigError{Field: "InitialBackoff", Value: c.InitialBackoff, Reason: "must be positive"}
	}
	if c.BackoffMultiple < 1 {
		return &ConfigError{Field: "BackoffMultiple", Value: c.BackoffMultiple, Reason: "must be >= 1"}
	}
	if c.JitterPercent < 0 || c.JitterPercent > 1 {
		return &ConfigError{Field: "JitterPercent", Value: c.JitterPercent, Reason: "must be between 0 and 1"}
	}
	return nil
}

// Config is the full configuration surface of spec §6, built from
// DefaultConfig overridden by env vars (godotenv-populated in development)
// in cmd/surveillance's loadConfig. Every field corresponds to
// one row of the spec's configuration table.
type Config struct {
	// Ingestion (4.G)
	PollInterval         time.Duration
	MinTradeUSDPrefilter float64
	MaxTradeAge          time.Duration
	StartupGrace         time.Duration
	IngestBatchSize      int
	IngestFetchLimit     int

	// Trade Queue (4.H)
	MaxQueueSize   int
	DrainTimeoutMs int

	// Impact gating (4.I)
	OICalculationMethod         ImpactMethod
	MinOIPercentage             float64
	MinLiquidityImpactPercentage float64
	MinVolumeImpactPercentage   float64
	FallbackToOICalculation     bool
	FallbackOIPercentage        float64

	// Microstructure windows (4.E/4.I)
	OrderbookDepthLevels   int
	OrderbookCacheTTL      time.Duration
	VolumeLookbackHours    int

	// Dormancy (4.I)
	DormantHoursNoLargeTrades  float64
	DormantHoursNoPriceMoves   float64
	DormantLargeTradeThreshold float64
	DormantPriceMoveThreshold  float64

	// Wallet forensics flags (4.J)
	SubgraphLowTradeCount        int
	SubgraphYoungAccountDays     int
	SubgraphLowVolumeUSD         float64
	SubgraphHighConcentrationPct float64
	SubgraphFreshFatBetSizeUSD   float64
	SubgraphFreshFatBetMaxOI     float64
	SubgraphFreshFatBetPriorTrades int
	SubgraphCacheTTL             time.Duration

	// On-chain forensics flags (4.J)
	CEXFundingWindowDays  int
	MinWalletAgeInDays    int
	MaxWalletTransactions int
	MinNetflowPercentage  float64

	// Final gating (4.K)
	AlertThreshold float64
	MinTradeSize   float64
	MinOI          float64

	// Scoring weights and classification thresholds (4.K)
	WeightGatedImpact        float64
	WeightDormancyMagnitude  float64
	WeightSuspiciousFlags    float64
	WeightConfidenceEnvelope float64
	ClassifyStrongInsider    float64
	ClassifyHighConfidence   float64
	ClassifyMediumConfidence float64

	// Whether wallet-forensics proxy-resolution errors skip the trade
	// (true) or proceed with reduced confidence (false); spec §7.
	SkipTradesOnProxyError bool

	// CEXAddresses is the set of known exchange hot-wallet addresses; the
	// on-chain forensics path checks inbound transfers against it to detect
	// exchange funding within CEXFundingWindowDays. Populated via
	// WithCEXAddresses rather than an env var, since it is a set, not a
	// scalar.
	CEXAddresses map[string]struct{}
}

// WithCEXAddresses returns a copy of c with its CEXAddresses set replaced.
// Addresses are normalized with NormalizeAddress.
func (c Config) WithCEXAddresses(addrs []string) Config {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[NormalizeAddress(a)] = struct{}{}
	}
	c.CEXAddresses = set
	return c
}

// IsCEXAddress reports whether addr (any case) is a known exchange wallet.
func (c Config) IsCEXAddress(addr string) bool {
	_, ok := c.CEXAddresses[NormalizeAddress(addr)]
	return ok
}

// DefaultConfig returns the documented defaults for every option in spec §6
// that specifies one; options without a stated default are left at their
// Go zero value and must be set by the caller.
func DefaultConfig() Config {
	return Config{
		PollInterval:         60 * time.Second,
		StartupGrace:         5 * time.Second,
		IngestBatchSize:      25,
		IngestFetchLimit:     200,
		MaxQueueSize:         10_000,
		DrainTimeoutMs:       30_000,
		OICalculationMethod:  MethodOpenInterest,
		OrderbookDepthLevels: 10,
		OrderbookCacheTTL:    30 * time.Second,
		VolumeLookbackHours:  24,
		SubgraphCacheTTL:     24 * time.Hour,
		FallbackToOICalculation: true,
		WeightGatedImpact:        1.0,
		WeightDormancyMagnitude:  10.0,
		WeightSuspiciousFlags:    5.0,
		WeightConfidenceEnvelope: 10.0,
		ClassifyStrongInsider:    30,
		ClassifyHighConfidence:   20,
		ClassifyMediumConfidence: 10,
	}
}

// Validate enforces the invariants a misconfigured deployment would
// otherwise surface as silent, hard-to-diagnose gating behavior.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return &ConfigError{Field: "PollInterval", Value: c.PollInterval, Reason: "must be positive"}
	}
	switch c.OICalculationMethod {
	case MethodLiquidity, MethodVolume, MethodOpenInterest:
	default:
		return &ConfigError{Field: "OICalculationMethod", Value: c.OICalculationMethod, Reason: "must be one of liquidity, volume, open-interest"}
	}
	if c.AlertThreshold < 0 {
		return &ConfigError{Field: "AlertThreshold", Value: c.AlertThreshold, Reason: "must be non-negative"}
	}
	if c.OrderbookDepthLevels <= 0 {
		return &ConfigError{Field: "OrderbookDepthLevels", Value: c.OrderbookDepthLevels, Reason: "must be positive"}
	}
	return nil
}
