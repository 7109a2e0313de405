package surveillance

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MarketTier classifies a market's surveillance priority.
type MarketTier int

const (
	TierOne MarketTier = iota + 1
	TierTwo
	TierThree
)

// Market is the immutable-identity-plus-mutable-liveness entity of spec §3.
// ConditionID is the equivalence key across upstreams; YesTokenID and
// NoTokenID may each be empty (not every market has both outcomes listed
// with the venue at registration time).
type Market struct {
	ID           string          `json:"id"`
	ConditionID  string          `json:"condition_id"`
	YesTokenID   string          `json:"yes_token_id,omitempty"`
	NoTokenID    string          `json:"no_token_id,omitempty"`
	Question     string          `json:"question"`
	Slug         string          `json:"slug"`
	Tier         MarketTier      `json:"tier"`
	Category     string          `json:"category"`
	Enabled      bool            `json:"enabled"`
	OpenInterest decimal.Decimal `json:"open_interest"`
	Volume       decimal.Decimal `json:"volume"`
}

// Validate checks the invariants spec §3 assigns to Market: a condition id
// is required, and token ids, when present, must not collide with a
// different market's (checked by the registry at insert time, not here).
func (m *Market) Validate() error {
	if m.ConditionID == "" {
		return &InvalidInputError{Field: "ConditionID", Value: m.ConditionID, Reason: "must not be empty"}
	}
	if m.YesTokenID == "" && m.NoTokenID == "" {
		return &InvalidInputError{Field: "YesTokenID/NoTokenID", Reason: "at least one outcome token id must be present"}
	}
	return nil
}

// TokenIDs returns the non-empty outcome token ids for this market.
func (m *Market) TokenIDs() []string {
	ids := make([]string, 0, 2)
	if m.YesTokenID != "" {
		ids = append(ids, m.YesTokenID)
	}
	if m.NoTokenID != "" {
		ids = append(ids, m.NoTokenID)
	}
	return ids
}

// OutcomeForTokenID returns ("yes"|"no", true) if tokenID belongs to this
// market, or ("", false) otherwise.
func (m *Market) OutcomeForTokenID(tokenID string) (string, bool) {
	switch {
	case m.YesTokenID != "" && strings.EqualFold(m.YesTokenID, tokenID):
		return "yes", true
	case m.NoTokenID != "" && strings.EqualFold(m.NoTokenID, tokenID):
		return "no", true
	default:
		return "", false
	}
}
