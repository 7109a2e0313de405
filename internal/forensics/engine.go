package forensics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	surveillance "github.com/marketsentinel/surveillance"
	"github.com/marketsentinel/surveillance/internal/upstream/chainrpc"
	"github.com/marketsentinel/surveillance/internal/upstream/explorer"
	"github.com/marketsentinel/surveillance/internal/upstream/indexer"
)

// IndexerClient is the narrow indexer seam the indexer-first path uses.
// Each method already composes rate-limit -> circuit-break -> retry
// through its own Resilience (spec §4.J: "parallel queries go through the
// rate limiter and circuit breaker").
type IndexerClient interface {
	UserActivity(ctx context.Context, address string) ([]indexer.Activity, error)
	CLOBTrades(ctx context.Context, address string) ([]indexer.CLOBTrade, error)
	UserPositions(ctx context.Context, address string) ([]indexer.Position, error)
	ProxyToSigner(ctx context.Context, proxy string) (string, error)
}

// ChainRPCClient is the narrow chain-RPC seam the on-chain fallback uses.
type ChainRPCClient interface {
	AssetTransferHistory(ctx context.Context, address string, direction chainrpc.TransferDirection, fromBlock, toBlock uint64, categories ...chainrpc.TransferCategory) ([]chainrpc.AssetTransfer, error)
	FirstTransferTimestamp(ctx context.Context, address string) (*time.Time, error)
}

// ExplorerClient is the alternative on-chain data source for
// first-transfer timestamp and protocol-diversity (method-id-keyed normal
// transactions).
type ExplorerClient interface {
	FirstTransferTimestamp(ctx context.Context, address string) (*time.Time, error)
	NormalTransactions(ctx context.Context, address, methodID string, page, offset int) ([]explorer.Transaction, error)
}

// Thresholds bundles the flag-computation and calibration tunables spec §6
// lists under "wallet forensics flags" and "on-chain flags".
type Thresholds struct {
	LowTradeCount        int
	YoungAccountDays     int
	LowVolumeUSD         float64
	HighConcentrationPct float64
	FreshFatBetSizeUSD   float64
	FreshFatBetMaxOI     float64
	FreshFatBetPriorTrades int
	LowDiversificationMarkets int

	CEXFundingWindowDays int
	MaxWalletTransactions int

	SkipTradesOnProxyError bool
}

// Engine computes WalletFingerprints per spec §4.J: indexer-first, with an
// on-chain fallback when the indexer has nothing for the address.
type Engine struct {
	indexer    IndexerClient
	chainRPC   ChainRPCClient
	explorer   ExplorerClient
	cache      *FingerprintCache
	cexAddresses map[string]struct{}
	thresholds Thresholds
	logger     surveillance.Logger
	metrics    surveillance.Metrics
}

// New builds a forensics engine. cache may be nil to disable caching.
func New(indexerClient IndexerClient, chainRPC ChainRPCClient, explorerClient ExplorerClient, cache *FingerprintCache, cexAddresses map[string]struct{}, thresholds Thresholds, logger surveillance.Logger, metrics surveillance.Metrics) *Engine {
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &surveillance.NoOpMetrics{}
	}
	return &Engine{
		indexer:      indexerClient,
		chainRPC:     chainRPC,
		explorer:     explorerClient,
		cache:        cache,
		cexAddresses: cexAddresses,
		thresholds:   thresholds,
		logger:       logger,
		metrics:      metrics,
	}
}

// resolveSkipErr signals that the trade carrying address should be skipped
// entirely because identity resolution failed in a way the configured
// policy treats as fatal (spec §4.J / §7: skipTradesOnProxyError).
type resolveSkipErr struct{ cause error }

func (e *resolveSkipErr) Error() string { return "wallet forensics: skip trade: " + e.cause.Error() }
func (e *resolveSkipErr) Unwrap() error { return e.cause }

// resolveIdentity applies the indexer's proxy->signer mapping before flag
// computation (spec §4.J). A 404 proceeds with the given address (the
// address was never a proxy); any other structured error is routed through
// the decision framework and honors skipTradesOnProxyError.
func (e *Engine) resolveIdentity(ctx context.Context, address string) (string, error) {
	signer, err := e.indexer.ProxyToSigner(ctx, address)
	if err == nil {
		return surveillance.NormalizeAddress(signer), nil
	}

	ruling := surveillance.Decide(surveillance.BoundaryProxyResolution, err, e.thresholds.SkipTradesOnProxyError)
	switch ruling.Decision {
	case surveillance.DecisionProceed:
		e.logger.Info("proxy resolution unresolved, proceeding with given address", "address", address, "error", err)
		return address, nil
	case surveillance.DecisionSkip:
		e.logger.Warn("proxy resolution failed, skipping trade per configuration", "address", address, "error", err)
		return "", &resolveSkipErr{cause: err}
	default:
		e.logger.Warn("proxy resolution failed, proceeding with reduced confidence", "address", address, "error", err)
		return address, nil
	}
}

// Fingerprint computes (or returns a cached) WalletFingerprint for
// address. currentTradeUSD and currentTradeMarketOI feed the fresh-fat-bet
// flag (spec §4.J).
func (e *Engine) Fingerprint(ctx context.Context, address string, currentTradeUSD, currentTradeMarketOI decimal.Decimal) (*surveillance.WalletFingerprint, error) {
	resolved, err := e.resolveIdentity(ctx, address)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if fp, ok := e.cache.Get(ctx, surveillance.PathIndexer, resolved); ok {
			return fp, nil
		}
		if fp, ok := e.cache.Get(ctx, surveillance.PathOnChain, resolved); ok {
			return fp, nil
		}
	}

	indexerResult := e.runIndexerPath(ctx, resolved)
	if indexerResult.hasData {
		fp := e.buildIndexerFingerprint(resolved, indexerResult, currentTradeUSD, currentTradeMarketOI)
		e.calibrateConfidence(fp, indexerResult.sourceCount(), false)
		if e.cache != nil {
			e.cache.Put(ctx, fp)
		}
		return fp, nil
	}

	e.metrics.Increment(surveillance.MetricForensicsOnChainFallback)
	onChainResult := e.runOnChainPath(ctx, resolved)
	fp := e.buildOnChainFingerprint(resolved, onChainResult, currentTradeUSD, currentTradeMarketOI)
	bothRan := indexerResult.attempted && onChainResult.attempted
	if bothRan {
		e.logParallelScoring(resolved, indexerResult, onChainResult)
	}
	e.calibrateConfidence(fp, onChainResult.sourceCount(), onChainResult.hadError)
	if e.cache != nil {
		e.cache.Put(ctx, fp)
	}
	return fp, nil
}
