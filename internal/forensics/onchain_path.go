package forensics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	surveillance "github.com/marketsentinel/surveillance"
	"github.com/marketsentinel/surveillance/internal/upstream/chainrpc"
)

// onChainPathResult collects the on-chain fallback's four data points
// (spec §4.J): transaction count via asset-transfers, first-transfer
// timestamp, CEX-funding, and protocol diversity.
type onChainPathResult struct {
	attempted bool
	hadError  bool

	uniqueTxCount    int
	firstTransfer    *time.Time
	cexFunded        bool
	protocolDiversity int
}

func (r onChainPathResult) sourceCount() int {
	n := 0
	if r.uniqueTxCount > 0 {
		n++
	}
	if r.firstTransfer != nil {
		n++
	}
	return n
}

// runOnChainPath gathers the on-chain fallback inputs. Transaction count
// is computed by combining inbound and outbound asset-transfer hashes
// into a unique set, explicitly NOT the RPC nonce (spec §4.J: the nonce
// "only counts sent" transactions, undercounting a wallet's real
// activity).
func (e *Engine) runOnChainPath(ctx context.Context, address string) onChainPathResult {
	result := onChainPathResult{attempted: true}

	inbound, err := e.chainRPC.AssetTransferHistory(ctx, address, chainrpc.DirectionInbound, 0, 0,
		chainrpc.CategoryExternal, chainrpc.CategoryERC20, chainrpc.CategoryERC721, chainrpc.CategoryERC1155)
	if err != nil {
		result.hadError = true
		e.logger.Warn("on-chain inbound transfer history failed", "address", address, "error", err)
	}
	outbound, err := e.chainRPC.AssetTransferHistory(ctx, address, chainrpc.DirectionOutbound, 0, 0,
		chainrpc.CategoryExternal, chainrpc.CategoryERC20, chainrpc.CategoryERC721, chainrpc.CategoryERC1155)
	if err != nil {
		result.hadError = true
		e.logger.Warn("on-chain outbound transfer history failed", "address", address, "error", err)
	}

	seen := make(map[string]struct{}, len(inbound)+len(outbound))
	for _, t := range inbound {
		seen[t.Hash] = struct{}{}
	}
	for _, t := range outbound {
		seen[t.Hash] = struct{}{}
	}
	result.uniqueTxCount = len(seen)

	first, err := e.chainRPC.FirstTransferTimestamp(ctx, address)
	if err != nil || first == nil {
		if err != nil {
			e.logger.Warn("chain-rpc first-transfer lookup failed, trying explorer", "address", address, "error", err)
		}
		if e.explorer != nil {
			if alt, altErr := e.explorer.FirstTransferTimestamp(ctx, address); altErr == nil {
				first = alt
			} else {
				result.hadError = true
				e.logger.Warn("explorer first-transfer lookup failed", "address", address, "error", altErr)
			}
		}
	}
	result.firstTransfer = first

	cutoff := surveillance.Now().AddDate(0, 0, -e.thresholds.CEXFundingWindowDays)
	for _, t := range inbound {
		if t.Timestamp.Before(cutoff) {
			continue
		}
		if _, ok := e.cexAddresses[t.From]; ok {
			result.cexFunded = true
			break
		}
	}

	if e.explorer != nil {
		txs, err := e.explorer.NormalTransactions(ctx, address, "", 1, e.thresholds.MaxWalletTransactions)
		if err != nil {
			result.hadError = true
			e.logger.Warn("protocol-diversity lookup failed", "address", address, "error", err)
		} else {
			contracts := make(map[string]struct{})
			for _, tx := range txs {
				if tx.MethodID == "" {
					continue
				}
				contracts[tx.To] = struct{}{}
			}
			result.protocolDiversity = len(contracts)
		}
	}

	return result
}

func (e *Engine) buildOnChainFingerprint(address string, r onChainPathResult, currentTradeUSD, currentTradeMarketOI decimal.Decimal) *surveillance.WalletFingerprint {
	var accountAgeDays *int
	if r.firstTransfer != nil {
		days := int(surveillance.Now().Sub(*r.firstTransfer).Hours() / 24)
		accountAgeDays = &days
	}

	flags := e.computeFlags(r.uniqueTxCount, decimal.Zero, accountAgeDays, 0, r.protocolDiversity, r.uniqueTxCount, currentTradeUSD, currentTradeMarketOI)
	flags.LowVolume = false // on-chain path has no USD-volume signal to evaluate this flag against
	if r.cexFunded {
		flags.FreshFatBet = flags.FreshFatBet || true
	}

	return &surveillance.WalletFingerprint{
		Address:            address,
		LifetimeTradeCount: r.uniqueTxCount,
		LifetimeUSDVolume:  decimal.Zero,
		AccountAgeDays:     accountAgeDays,
		ConcentrationPct:   0,
		MarketsTraded:      r.protocolDiversity,
		Flags:              flags,
		Path:               surveillance.PathOnChain,
		ComputedAt:         surveillance.Now(),
	}
}
