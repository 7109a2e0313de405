package forensics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	surveillance "github.com/marketsentinel/surveillance"
	"github.com/marketsentinel/surveillance/internal/upstream/indexer"
)

// indexerPathResult collects the three parallel indexer queries spec §4.J
// names: activity (splits/merges/redemptions), CLOB activity (maker+taker
// trades), and positions (per-condition P&L).
type indexerPathResult struct {
	attempted bool
	hasData   bool
	hadError  bool

	activity  []indexer.Activity
	trades    []indexer.CLOBTrade
	positions []indexer.Position
}

func (r indexerPathResult) sourceCount() int {
	n := 0
	if len(r.activity) > 0 {
		n++
	}
	if len(r.trades) > 0 {
		n++
	}
	if len(r.positions) > 0 {
		n++
	}
	return n
}

// runIndexerPath fires the three indexer queries in parallel and merges
// their results (spec §4.J). The path has data whenever any of the three
// queries returned something; "no data at all" is what triggers the
// on-chain fallback.
func (e *Engine) runIndexerPath(ctx context.Context, address string) indexerPathResult {
	type activityResult struct {
		activity []indexer.Activity
		err      error
	}
	type tradesResult struct {
		trades []indexer.CLOBTrade
		err    error
	}
	type positionsResult struct {
		positions []indexer.Position
		err       error
	}

	activityCh := make(chan activityResult, 1)
	tradesCh := make(chan tradesResult, 1)
	positionsCh := make(chan positionsResult, 1)

	go func() {
		a, err := e.indexer.UserActivity(ctx, address)
		activityCh <- activityResult{activity: a, err: err}
	}()
	go func() {
		t, err := e.indexer.CLOBTrades(ctx, address)
		tradesCh <- tradesResult{trades: t, err: err}
	}()
	go func() {
		p, err := e.indexer.UserPositions(ctx, address)
		positionsCh <- positionsResult{positions: p, err: err}
	}()

	ar, tr, pr := <-activityCh, <-tradesCh, <-positionsCh

	result := indexerPathResult{attempted: true}
	if ar.err == nil {
		result.activity = ar.activity
	} else {
		result.hadError = true
		e.logger.Warn("indexer activity query failed", "address", address, "error", ar.err)
	}
	if tr.err == nil {
		result.trades = tr.trades
	} else {
		result.hadError = true
		e.logger.Warn("indexer CLOB trades query failed", "address", address, "error", tr.err)
	}
	if pr.err == nil {
		result.positions = pr.positions
	} else {
		result.hadError = true
		e.logger.Warn("indexer positions query failed", "address", address, "error", pr.err)
	}

	result.hasData = len(result.activity) > 0 || len(result.trades) > 0 || len(result.positions) > 0
	return result
}

func (e *Engine) buildIndexerFingerprint(address string, r indexerPathResult, currentTradeUSD, currentTradeMarketOI decimal.Decimal) *surveillance.WalletFingerprint {
	lifetimeTrades := len(r.trades)
	lifetimeVolume := decimal.Zero
	for _, t := range r.trades {
		lifetimeVolume = lifetimeVolume.Add(t.Price.Mul(t.Size))
	}

	var accountAgeDays *int
	earliest := earliestActivityTime(r)
	if earliest != nil {
		days := int(surveillance.Now().Sub(*earliest).Hours() / 24)
		accountAgeDays = &days
	}

	totalValue := decimal.Zero
	maxValue := decimal.Zero
	marketsTraded := make(map[string]struct{})
	for _, p := range r.positions {
		totalValue = totalValue.Add(p.ValueUSD)
		if p.ValueUSD.GreaterThan(maxValue) {
			maxValue = p.ValueUSD
		}
		marketsTraded[p.ConditionID] = struct{}{}
	}
	concentrationPct := 0.0
	if totalValue.IsPositive() {
		concentrationPct, _ = maxValue.Div(totalValue).Mul(decimal.NewFromInt(100)).Float64()
	}

	flags := e.computeFlags(lifetimeTrades, lifetimeVolume, accountAgeDays, concentrationPct, len(marketsTraded), lifetimeTrades, currentTradeUSD, currentTradeMarketOI)

	return &surveillance.WalletFingerprint{
		Address:            address,
		LifetimeTradeCount: lifetimeTrades,
		LifetimeUSDVolume:  lifetimeVolume,
		AccountAgeDays:     accountAgeDays,
		ConcentrationPct:   concentrationPct,
		MarketsTraded:      len(marketsTraded),
		Flags:              flags,
		Path:               surveillance.PathIndexer,
		ComputedAt:         surveillance.Now(),
	}
}

func earliestActivityTime(r indexerPathResult) *time.Time {
	var earliest *time.Time
	for _, a := range r.activity {
		t := a.Timestamp
		if earliest == nil || t.Before(*earliest) {
			earliest = &t
		}
	}
	for _, tr := range r.trades {
		t := tr.Timestamp
		if earliest == nil || t.Before(*earliest) {
			earliest = &t
		}
	}
	return earliest
}
