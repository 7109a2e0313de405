// Package detector implements the Signal Detector (spec §4.I): hybrid
// absolute/relative impact gating plus a dormancy check on the market the
// trade belongs to.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	surveillance "github.com/marketsentinel/surveillance"
	"github.com/marketsentinel/surveillance/internal/upstream/marketdata"
)

// OrderbookSource is the data-API seam the liquidity method reads from.
type OrderbookSource interface {
	OrderbookSnapshot(ctx context.Context, tokenID string) (*marketdata.Orderbook, error)
}

// HistorySource is the trade-history seam the volume method and dormancy
// check both read from: recent trades for a market's condition id, most
// recent first (the shape marketdata.Client.TradesForConditions already
// returns).
type HistorySource interface {
	TradesForConditions(ctx context.Context, conditionIDs []string, minUSD decimal.Decimal, limit int) ([]marketdata.Trade, error)
}

// MarketResolver is the registry seam the detector needs open-interest
// from for the open-interest impact method and its fallback.
type MarketResolver interface {
	ByConditionID(conditionID string) (*surveillance.Market, bool)
}

// Config bundles the spec §4.I / §6 tunables the detector needs.
type Config struct {
	Method               surveillance.ImpactMethod
	MinOIPercentage      float64
	MinLiquidityPercentage float64
	MinVolumePercentage  float64
	FallbackToOI         bool
	FallbackOIPercentage float64

	OrderbookDepthLevels int
	OrderbookCacheTTL    time.Duration
	VolumeLookbackHours  int

	DormantHoursNoLargeTrades  float64
	DormantHoursNoPriceMoves   float64
	DormantLargeTradeThreshold float64
	DormantPriceMoveThreshold  float64

	HistoryFetchLimit int
}

type cachedOrderbook struct {
	book    *marketdata.Orderbook
	expires time.Time
}

// Detector computes Signals and DormancyMetrics for incoming trades.
type Detector struct {
	orderbook OrderbookSource
	history   HistorySource
	markets   MarketResolver
	config    Config
	stats     surveillance.StatsIncrementer
	logger    surveillance.Logger
	metrics   surveillance.Metrics

	obMu    sync.Mutex
	obCache map[string]cachedOrderbook
}

// New builds a Detector.
func New(orderbook OrderbookSource, history HistorySource, markets MarketResolver, config Config, stats surveillance.StatsIncrementer, logger surveillance.Logger, metrics surveillance.Metrics) *Detector {
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &surveillance.NoOpMetrics{}
	}
	return &Detector{
		orderbook: orderbook,
		history:   history,
		markets:   markets,
		config:    config,
		stats:     stats,
		logger:    logger,
		metrics:   metrics,
		obCache:   make(map[string]cachedOrderbook),
	}
}

func (d *Detector) incr(name string) {
	d.metrics.Increment(name)
	if d.stats != nil {
		d.stats.Increment(name)
	}
}

// Evaluate computes the Signal for trade and, when the signal passes the
// hybrid gate, the market's DormancyMetrics. Dormancy never gates emission
// on its own (spec §4.I); it is computed only once the trade has already
// passed so an uninteresting trade never pays for the extra history scan.
func (d *Detector) Evaluate(ctx context.Context, trade surveillance.Trade, market *surveillance.Market) (*surveillance.Signal, *surveillance.DormancyMetrics, error) {
	d.incr(surveillance.MetricTradesAnalyzed)

	usdValue := trade.USDValue()
	impactPct, method, err := d.impactPercentage(ctx, trade, market, usdValue)
	if err != nil {
		d.incr(surveillance.MetricFilteredNoMarketData)
		return nil, nil, err
	}

	signal := &surveillance.Signal{
		Trade:            trade,
		USDValue:         usdValue,
		ImpactPercentage: impactPct,
		Method:           method,
		AbsoluteTier:     surveillance.AbsoluteTierFor(usdValue),
	}
	signal.Threshold = decimal.NewFromFloat(d.thresholdFor(method))

	switch {
	case impactPct.GreaterThanOrEqual(signal.Threshold):
		signal.Gate = surveillance.GateRelative
	case signal.AbsoluteTier != surveillance.TierNone:
		signal.Gate = surveillance.GateAbsolute
	default:
		signal.Gate = surveillance.GateNone
	}

	switch signal.Gate {
	case surveillance.GateRelative:
		d.incr(surveillance.MetricPassedImpactGate)
		if method == surveillance.MethodOpenInterest {
			d.incr(surveillance.MetricPassedOIFilter)
		}
	case surveillance.GateAbsolute:
		d.incr(surveillance.MetricPassedAbsoluteGate)
	default:
		d.incr(filteredMetricFor(method))
		return signal, nil, nil
	}
	d.incr(surveillance.MetricSignalsEmitted)

	dormancy, err := d.computeDormancy(ctx, market)
	if err != nil {
		d.logger.Warn("dormancy computation failed, proceeding without it", "market_id", market.ID, "error", err)
		return signal, nil, nil
	}
	return signal, dormancy, nil
}

func (d *Detector) thresholdFor(method surveillance.ImpactMethod) float64 {
	switch method {
	case surveillance.MethodLiquidity:
		return d.config.MinLiquidityPercentage
	case surveillance.MethodVolume:
		return d.config.MinVolumePercentage
	default:
		if d.config.Method == surveillance.MethodLiquidity || d.config.Method == surveillance.MethodVolume {
			return d.config.FallbackOIPercentage
		}
		return d.config.MinOIPercentage
	}
}

func filteredMetricFor(method surveillance.ImpactMethod) string {
	if method == surveillance.MethodOpenInterest {
		return surveillance.MetricFilteredOIThreshold
	}
	return surveillance.MetricFilteredImpactThreshold
}

// impactPercentage computes USD / denominator under the configured
// method, falling back to open-interest when the primary method's
// denominator is non-positive or the call itself fails and FallbackToOI is
// enabled (spec §4.I).
func (d *Detector) impactPercentage(ctx context.Context, trade surveillance.Trade, market *surveillance.Market, usdValue decimal.Decimal) (decimal.Decimal, surveillance.ImpactMethod, error) {
	switch d.config.Method {
	case surveillance.MethodLiquidity:
		pct, err := d.liquidityImpact(ctx, trade, market, usdValue)
		if err == nil && pct != nil {
			return *pct, surveillance.MethodLiquidity, nil
		}
		if !d.config.FallbackToOI {
			if err != nil {
				return decimal.Zero, "", err
			}
			return decimal.Zero, surveillance.MethodLiquidity, nil
		}
		d.incr(surveillance.MetricFilteredNoMarketData)
	case surveillance.MethodVolume:
		pct, err := d.volumeImpact(ctx, market, usdValue)
		if err == nil && pct != nil {
			return *pct, surveillance.MethodVolume, nil
		}
		if !d.config.FallbackToOI {
			if err != nil {
				return decimal.Zero, "", err
			}
			return decimal.Zero, surveillance.MethodVolume, nil
		}
	}

	// open-interest method, or fallback from liquidity/volume.
	if market.OpenInterest.IsZero() || market.OpenInterest.IsNegative() {
		return decimal.Zero, surveillance.MethodOpenInterest, &surveillance.UpstreamBadDataError{Upstream: "registry", Reason: "open interest is non-positive for " + market.ID}
	}
	pct := usdValue.Div(market.OpenInterest)
	return pct, surveillance.MethodOpenInterest, nil
}

func (d *Detector) liquidityImpact(ctx context.Context, trade surveillance.Trade, market *surveillance.Market, usdValue decimal.Decimal) (*decimal.Decimal, error) {
	tokenID := market.YesTokenID
	if trade.Outcome == surveillance.OutcomeNo {
		tokenID = market.NoTokenID
	}
	book, err := d.orderbookCached(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	side := "asks"
	if trade.Side == surveillance.SideSell {
		side = "bids"
	}
	liquidity := book.AvailableLiquidity(side, d.config.OrderbookDepthLevels)
	if !liquidity.IsPositive() {
		return nil, nil
	}
	pct := usdValue.Div(liquidity)
	return &pct, nil
}

func (d *Detector) orderbookCached(ctx context.Context, tokenID string) (*marketdata.Orderbook, error) {
	d.obMu.Lock()
	cached, ok := d.obCache[tokenID]
	d.obMu.Unlock()
	if ok && surveillance.Now().Before(cached.expires) {
		return cached.book, nil
	}

	book, err := d.orderbook.OrderbookSnapshot(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	d.obMu.Lock()
	d.obCache[tokenID] = cachedOrderbook{book: book, expires: surveillance.Now().Add(d.config.OrderbookCacheTTL)}
	d.obMu.Unlock()
	return book, nil
}

func (d *Detector) volumeImpact(ctx context.Context, market *surveillance.Market, usdValue decimal.Decimal) (*decimal.Decimal, error) {
	since := surveillance.Now().Add(-time.Duration(d.config.VolumeLookbackHours) * time.Hour)
	trades, err := d.history.TradesForConditions(ctx, []string{market.ConditionID}, decimal.Zero, d.config.HistoryFetchLimit)
	if err != nil {
		return nil, err
	}
	volume := decimal.Zero
	for _, t := range trades {
		if t.Timestamp.Before(since) {
			continue
		}
		volume = volume.Add(t.USDValue())
	}
	if !volume.IsPositive() {
		return nil, nil
	}
	pct := usdValue.Div(volume)
	return &pct, nil
}

// computeDormancy scans the two lookback windows spec §4.I defines. A
// market is dormant only when BOTH windows show no qualifying event.
func (d *Detector) computeDormancy(ctx context.Context, market *surveillance.Market) (*surveillance.DormancyMetrics, error) {
	trades, err := d.history.TradesForConditions(ctx, []string{market.ConditionID}, decimal.Zero, d.config.HistoryFetchLimit)
	if err != nil {
		return nil, err
	}

	now := surveillance.Now()
	largeCutoff := now.Add(-time.Duration(d.config.DormantHoursNoLargeTrades) * time.Hour)
	moveCutoff := now.Add(-time.Duration(d.config.DormantHoursNoPriceMoves) * time.Hour)
	largeThreshold := decimal.NewFromFloat(d.config.DormantLargeTradeThreshold)
	moveThreshold := decimal.NewFromFloat(d.config.DormantPriceMoveThreshold)

	hoursSinceLarge := -1.0
	hoursSinceMove := -1.0

	// trades are most-recent-first.
	for _, t := range trades {
		if t.Timestamp.Before(largeCutoff) {
			break
		}
		if t.USDValue().GreaterThanOrEqual(largeThreshold) {
			hoursSinceLarge = now.Sub(t.Timestamp).Hours()
			break
		}
	}

	for i := 0; i < len(trades)-1; i++ {
		if trades[i].Timestamp.Before(moveCutoff) {
			break
		}
		prev, cur := trades[i+1].Price, trades[i].Price
		if prev.IsZero() {
			continue
		}
		change := cur.Sub(prev).Div(prev).Abs().Mul(decimal.NewFromInt(100))
		if change.GreaterThanOrEqual(moveThreshold) {
			hoursSinceMove = now.Sub(trades[i].Timestamp).Hours()
			break
		}
	}

	isDormant := hoursSinceLarge < 0 && hoursSinceMove < 0
	return &surveillance.DormancyMetrics{
		MarketID:                      market.ID,
		HoursSinceLastLargeTrade:      hoursSinceLarge,
		HoursSinceLastSignificantMove: hoursSinceMove,
		IsDormant:                     isDormant,
	}, nil
}
