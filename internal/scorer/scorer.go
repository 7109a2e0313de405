// Package scorer implements the Alert Scorer & Persister (spec §4.K):
// composite scoring from a Signal, its DormancyMetrics, and a
// WalletFingerprint, classification into a severity bucket, and
// lock-guarded idempotent persistence keyed by trade id.
package scorer

import (
	"context"
	"time"

	surveillance "github.com/marketsentinel/surveillance"
)

// Store is the persistence seam the scorer writes through (internal/storepg
// implements this against Postgres).
type Store interface {
	UpsertAlert(ctx context.Context, alert *surveillance.Alert) error
}

// Locker is the distributed-lock seam guarding the write path so push+pull
// duplicates of the same trade cannot double-emit (spec §4.K).
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration, fn func(ctx context.Context) error) error
}

// Notifier is the fire-and-forget outbound delivery seam. A delivery
// failure is logged but never rolls back persistence (spec §4.K).
type Notifier interface {
	Notify(ctx context.Context, alert *surveillance.Alert) error
}

// Weights bundles the composite score's per-component multipliers (spec
// §6's "scoring weights").
type Weights struct {
	GatedImpact        float64
	DormancyMagnitude  float64
	SuspiciousFlags    float64
	ConfidenceEnvelope float64
}

// ClassificationThresholds maps a composite score to a severity bucket
// (spec §4.K).
type ClassificationThresholds struct {
	StrongInsider    float64
	HighConfidence   float64
	MediumConfidence float64
}

// Config bundles the scorer's tunables.
type Config struct {
	Weights        Weights
	Thresholds     ClassificationThresholds
	AlertThreshold float64
	LockTTL        time.Duration
	LockMaxRetries int
	LockRetryDelay time.Duration
}

// Scorer computes and persists Alerts.
type Scorer struct {
	store    Store
	locker   Locker
	notifier Notifier
	config   Config
	stats    surveillance.StatsIncrementer
	logger   surveillance.Logger
	metrics  surveillance.Metrics
}

// New builds a Scorer. notifier may be nil to disable outbound delivery.
func New(store Store, locker Locker, notifier Notifier, config Config, stats surveillance.StatsIncrementer, logger surveillance.Logger, metrics surveillance.Metrics) *Scorer {
	if logger == nil {
		logger = &surveillance.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &surveillance.NoOpMetrics{}
	}
	return &Scorer{store: store, locker: locker, notifier: notifier, config: config, stats: stats, logger: logger, metrics: metrics}
}

func (s *Scorer) incr(name string) {
	s.metrics.Increment(name)
	if s.stats != nil {
		s.stats.Increment(name)
	}
}

// Score computes the composite ScoreBreakdown and its total for a
// Signal/DormancyMetrics/WalletFingerprint triple. dormancy and
// fingerprint may be nil (dormancy is not computed for trades that fail
// the detector's gate before reaching this stage; a fingerprint is always
// produced by forensics, but callers testing the scorer in isolation may
// omit it).
func (s *Scorer) Score(signal *surveillance.Signal, dormancy *surveillance.DormancyMetrics, fingerprint *surveillance.WalletFingerprint) (surveillance.ScoreBreakdown, float64) {
	w := s.config.Weights

	gatedImpact := gatedImpactComponent(signal)
	dormancyMagnitude := dormancyComponent(dormancy)
	suspiciousFlags := 0.0
	confidenceEnvelope := 0.0
	if fingerprint != nil {
		suspiciousFlags = float64(fingerprint.Flags.Count())
		confidenceEnvelope = float64(fingerprint.Confidence.Score) / 100.0
	}

	breakdown := surveillance.ScoreBreakdown{
		GatedImpact:        gatedImpact * w.GatedImpact,
		DormancyMagnitude:  dormancyMagnitude * w.DormancyMagnitude,
		SuspiciousFlags:    suspiciousFlags * w.SuspiciousFlags,
		ConfidenceEnvelope: confidenceEnvelope * w.ConfidenceEnvelope,
	}
	total := breakdown.GatedImpact + breakdown.DormancyMagnitude + breakdown.SuspiciousFlags + breakdown.ConfidenceEnvelope
	return breakdown, total
}

// gatedImpactComponent rewards trades gated by an absolute whale/large
// tier over ones gated purely by relative impact (spec §4.K: "higher if
// via absolute whale/large tier").
func gatedImpactComponent(signal *surveillance.Signal) float64 {
	if signal == nil {
		return 0
	}
	base, _ := signal.ImpactPercentage.Float64()
	switch signal.AbsoluteTier {
	case surveillance.TierWhale:
		return base + 3.0
	case surveillance.TierLarge:
		return base + 2.0
	case surveillance.TierSignificant:
		return base + 1.0
	case surveillance.TierNotable:
		return base + 0.5
	default:
		return base
	}
}

func dormancyComponent(dormancy *surveillance.DormancyMetrics) float64 {
	if dormancy == nil || !dormancy.IsDormant {
		return 0
	}
	return 1.0
}

// Classify maps a composite score to a severity bucket (spec §4.K).
func Classify(score float64, thresholds ClassificationThresholds) surveillance.AlertClassification {
	switch {
	case score >= thresholds.StrongInsider:
		return surveillance.ClassificationStrongInsider
	case score >= thresholds.HighConfidence:
		return surveillance.ClassificationHighConfidence
	case score >= thresholds.MediumConfidence:
		return surveillance.ClassificationMediumConfidence
	default:
		return surveillance.ClassificationLogOnly
	}
}

// Evaluate scores the trade, classifies it, and — when the composite score
// clears AlertThreshold — persists it under the trade-id lock and fires
// the (fire-and-forget) notifier. Returns the Alert whether or not it
// cleared the threshold, so callers can still inspect log-only
// classifications.
func (s *Scorer) Evaluate(ctx context.Context, signal *surveillance.Signal, dormancy *surveillance.DormancyMetrics, fingerprint *surveillance.WalletFingerprint) (*surveillance.Alert, error) {
	breakdown, score := s.Score(signal, dormancy, fingerprint)
	classification := Classify(score, s.config.Thresholds)

	wallet := ""
	if fingerprint != nil {
		wallet = fingerprint.Address
	} else {
		wallet = signal.Trade.Taker
	}

	alert := &surveillance.Alert{
		TradeID:        signal.Trade.ID,
		MarketID:       signal.Trade.MarketID,
		Wallet:         wallet,
		Score:          score,
		Classification: classification,
		Breakdown:      breakdown,
		Timestamp:      surveillance.Now(),
	}

	s.incr(classificationMetric(classification))

	shouldAlert := score >= s.config.AlertThreshold
	if !shouldAlert {
		s.incr(surveillance.MetricAlertsLogOnly)
		return alert, nil
	}

	lockKey := "alert:" + signal.Trade.ID
	err := s.locker.WithLock(ctx, lockKey, s.config.LockTTL, s.config.LockMaxRetries, s.config.LockRetryDelay, func(ctx context.Context) error {
		return s.store.UpsertAlert(ctx, alert)
	})
	if err != nil {
		s.logger.Warn("alert persistence failed", "trade_id", alert.TradeID, "error", err)
		return alert, err
	}
	s.incr(surveillance.MetricAlertsEmitted)

	if s.notifier != nil {
		go func() {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.notifier.Notify(notifyCtx, alert); err != nil {
				s.logger.Warn("alert notification delivery failed", "trade_id", alert.TradeID, "error", err)
			}
		}()
	}

	return alert, nil
}

func classificationMetric(c surveillance.AlertClassification) string {
	switch c {
	case surveillance.ClassificationStrongInsider:
		return surveillance.MetricClassificationStrongInsider
	case surveillance.ClassificationHighConfidence:
		return surveillance.MetricClassificationHighConfidence
	case surveillance.ClassificationMediumConfidence:
		return surveillance.MetricClassificationMediumConfidence
	default:
		return surveillance.MetricClassificationLogOnly
	}
}
