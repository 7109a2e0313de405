package forensics

import (
	surveillance "github.com/marketsentinel/surveillance"
)

// calibrateConfidence fills fp.Confidence per spec §4.J's independent
// 0-100 calibration: data completeness (how many of the path's sources
// returned something), cross-source consistency (flags agreeing with each
// other rather than contradicting), freshness (the path chosen — on-chain
// data is coarser than the indexer), and reliability (penalized when the
// path hit upstream errors along the way).
func (e *Engine) calibrateConfidence(fp *surveillance.WalletFingerprint, sourceCount int, hadError bool) {
	maxSources := 3
	if fp.Path == surveillance.PathOnChain {
		maxSources = 2
	}
	completeness := 100.0 * float64(sourceCount) / float64(maxSources)
	if completeness > 100 {
		completeness = 100
	}

	consistency := 100.0
	if fp.Flags.YoungAccount && fp.LifetimeTradeCount > e.thresholds.LowTradeCount*5 {
		consistency -= 30 // "young account" but heavy trade history disagree
	}
	if fp.Flags.LowVolume && fp.ConcentrationPct >= e.thresholds.HighConcentrationPct {
		consistency -= 10 // a near-empty wallet can't meaningfully concentrate
	}
	if consistency < 0 {
		consistency = 0
	}

	freshness := 100.0
	if fp.Path == surveillance.PathOnChain {
		freshness = 60.0
	}

	reliability := 100.0
	if hadError {
		reliability = 50.0
	}

	score := int((completeness*0.35 + consistency*0.25 + freshness*0.2 + reliability*0.2))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	fp.Confidence = surveillance.ConfidenceEnvelope{
		DataCompleteness:       completeness,
		CrossSourceConsistency: consistency,
		Freshness:              freshness,
		Reliability:            reliability,
		Score:                  score,
		Level:                  surveillance.LevelForScore(score),
	}
}

// logParallelScoring records whether the indexer path's signal agreed or
// disagreed with the on-chain fallback, when both were attempted in the
// same Fingerprint call (spec §4.J). This only happens when the indexer
// path came back empty (triggering the fallback) yet still reported an
// attempt, so in practice it logs indexer-empty-vs-on-chain-found cases.
func (e *Engine) logParallelScoring(address string, indexerResult indexerPathResult, onChainResult onChainPathResult) {
	indexerSawActivity := indexerResult.hasData
	onChainSawActivity := onChainResult.uniqueTxCount > 0
	if indexerSawActivity == onChainSawActivity {
		e.logger.Info("forensics paths agree", "address", address, "indexer_activity", indexerSawActivity, "on_chain_activity", onChainSawActivity)
		return
	}
	e.logger.Warn("forensics paths disagree", "address", address, "indexer_activity", indexerSawActivity, "on_chain_activity", onChainSawActivity)
}
