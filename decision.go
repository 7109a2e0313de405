package surveillance

import "errors"

// Decision is the outcome of classifying an error at a component boundary
// (spec §7): proceed with reduced confidence, skip the item, retry the
// call, or abort (produce no result for this item).
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionSkip    Decision = "skip"
	DecisionRetry   Decision = "retry"
	DecisionAbort   Decision = "abort"
)

// Severity labels a Ruling for logging purposes.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Ruling is what the decision framework returns for a single error: what to
// do, how loudly to log it, and which funnel counter to bump.
type Ruling struct {
	Decision Decision
	Severity Severity
	Counter  string
}

// StatsIncrementer is the narrow interface the decision framework depends on
// to bump funnel counters. Design Notes §9 calls out a reference cycle
// between the queue consumer's decision framework and the signal detector's
// stats hash; both sides depend on this interface instead of on each other's
// concrete type, which breaks the cycle.
type StatsIncrementer interface {
	Increment(name string)
}

// Boundary names the call site a decision is being made for; used only to
// pick the right counter/log fields, not to change the decision logic
// itself (the taxonomy in spec §7 is the same across boundaries).
type Boundary string

const (
	BoundaryProxyResolution  Boundary = "proxy_resolution"
	BoundaryIndexerQuery     Boundary = "indexer_query"
	BoundaryChainRPC         Boundary = "chain_rpc"
	BoundaryMarketData       Boundary = "market_data"
	BoundaryOrderbookFetch   Boundary = "orderbook_fetch"
	BoundaryWalletForensics  Boundary = "wallet_forensics"
	BoundaryAlertPersistence Boundary = "alert_persistence"
)

// Decide classifies err observed at boundary b and returns the ruling to
// apply. skipOnProxyError mirrors the skipTradesOnProxyError configuration
// option (4.J): when false, a structured proxy-resolution error proceeds
// with reduced confidence instead of skipping the trade.
//
// Examples from spec §7:
//   - proxy resolution 404 -> proceed (expected, not an error worth logging loud)
//   - proxy resolution other structured error -> skip or proceed per config
//   - network error anywhere -> retry
//   - circuit open -> abort (the caller already backed off; don't spin)
func Decide(b Boundary, err error, skipOnProxyError bool) Ruling {
	if err == nil {
		return Ruling{Decision: DecisionProceed, Severity: SeverityInfo}
	}

	switch {
	case errorIsCircuitOpen(err):
		return Ruling{Decision: DecisionAbort, Severity: SeverityWarn, Counter: counterName(b, "circuit_open")}

	case errorIsNotFound(err):
		if b == BoundaryProxyResolution {
			return Ruling{Decision: DecisionProceed, Severity: SeverityInfo, Counter: counterName(b, "not_found")}
		}
		return Ruling{Decision: DecisionSkip, Severity: SeverityInfo, Counter: counterName(b, "not_found")}

	case IsRetryable(err):
		return Ruling{Decision: DecisionRetry, Severity: SeverityWarn, Counter: counterName(b, "retry")}

	case errorIsUpstreamBadData(err):
		if b == BoundaryProxyResolution {
			if skipOnProxyError {
				return Ruling{Decision: DecisionSkip, Severity: SeverityWarn, Counter: counterName(b, "bad_data_skip")}
			}
			return Ruling{Decision: DecisionProceed, Severity: SeverityWarn, Counter: counterName(b, "bad_data_proceed")}
		}
		return Ruling{Decision: DecisionSkip, Severity: SeverityWarn, Counter: counterName(b, "bad_data")}

	default:
		return Ruling{Decision: DecisionAbort, Severity: SeverityError, Counter: counterName(b, "unclassified_error")}
	}
}

func counterName(b Boundary, suffix string) string {
	return string(b) + "_" + suffix
}

func errorIsCircuitOpen(err error) bool {
	var e *CircuitOpenError
	return errors.As(err, &e)
}

func errorIsNotFound(err error) bool {
	return IsNotFound(err)
}

func errorIsUpstreamBadData(err error) bool {
	var e *UpstreamBadDataError
	return errors.As(err, &e)
}
