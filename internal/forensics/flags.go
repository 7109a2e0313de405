package forensics

import (
	"github.com/shopspring/decimal"

	surveillance "github.com/marketsentinel/surveillance"
)

// computeFlags evaluates the six boolean signals of spec §4.J's flag
// table against the data a path (indexer or on-chain) was able to
// produce. priorTrades is the lifetime trade count observed before the
// trade currently under evaluation, the input the fresh-fat-bet flag
// needs.
func (e *Engine) computeFlags(lifetimeTrades int, lifetimeVolume decimal.Decimal, accountAgeDays *int, concentrationPct float64, marketsTraded int, priorTrades int, currentTradeUSD, currentTradeMarketOI decimal.Decimal) surveillance.WalletFlags {
	t := e.thresholds

	youngAccount := accountAgeDays == nil || *accountAgeDays <= t.YoungAccountDays

	freshFatBet := priorTrades <= t.FreshFatBetPriorTrades &&
		currentTradeUSD.GreaterThanOrEqual(decimal.NewFromFloat(t.FreshFatBetSizeUSD)) &&
		currentTradeMarketOI.LessThanOrEqual(decimal.NewFromFloat(t.FreshFatBetMaxOI))

	return surveillance.WalletFlags{
		LowTradeCount:      lifetimeTrades <= t.LowTradeCount,
		YoungAccount:       youngAccount,
		LowVolume:          lifetimeVolume.LessThanOrEqual(decimal.NewFromFloat(t.LowVolumeUSD)),
		HighConcentration:  concentrationPct >= t.HighConcentrationPct,
		FreshFatBet:        freshFatBet,
		LowDiversification: marketsTraded <= t.LowDiversificationMarkets,
	}
}
