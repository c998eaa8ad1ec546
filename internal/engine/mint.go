package engine

import (
	"context"

	"github.com/google/uuid"

	"prediction-exchange/internal/model"
)

// mintCandidate pairs a resting opposite-side BUY order with the
// quantity available to mint against it.
type mintCandidate struct {
	entry *OrderEntry
	qty   int
}

// planMint finds resting BUY orders on the opposite side priced at
// exactly 100-takerPriceCents, oldest-first, skipping the taker's own
// orders, up to remainingQty — grounded on share_minting.py's
// attempt_share_minting: complementary-price match, FIFO by
// created_at, one candidate consumed at a time until the taker order
// is filled or candidates run out.
func planMint(book *OrderBook, takerPriceCents int, takerUserID string, remainingQty int) []mintCandidate {
	complementPrice := 100 - takerPriceCents
	candidates := book.OrdersAtPrice(complementPrice)

	var plan []mintCandidate
	rem := remainingQty
	for _, c := range candidates {
		if rem <= 0 {
			break
		}
		if c.UserID == takerUserID {
			continue
		}
		qty := min(rem, c.RemainingQty)
		if qty <= 0 {
			continue
		}
		plan = append(plan, mintCandidate{entry: c, qty: qty})
		rem -= qty
	}
	return plan
}

// runMint executes as much of plan as solvency allows, applying one
// Ledger.ApplyMint per candidate and advancing the book in lockstep. A
// candidate whose user can no longer afford its leg by execution time
// is skipped (TransientSkip) rather than aborting the whole taker
// order, matching share_minting.py's per-candidate balance check.
// Returns the total quantity actually minted.
func (m *MarketEngine) runMint(ctx context.Context, book *OrderBook, takerOrderID, takerUserID string, takerSide model.Side, takerPriceCents, takerFilledSoFar, takerQty int, plan []mintCandidate) (int, error) {
	mintedTotal := 0
	takerFilled := takerFilledSoFar

	for _, cand := range plan {
		if takerFilled >= takerQty {
			break
		}
		qty := min(cand.qty, takerQty-takerFilled)
		if qty <= 0 {
			continue
		}

		takerCost := int64(takerPriceCents) * int64(qty)
		candidateCost := int64(cand.entry.PriceCents) * int64(qty)

		takerWallet, err := m.ledger.GetWallet(ctx, takerUserID)
		if err != nil {
			return mintedTotal, err
		}
		candWallet, err := m.ledger.GetWallet(ctx, cand.entry.UserID)
		if err != nil {
			return mintedTotal, err
		}
		if takerWallet.BalanceCents < takerCost || candWallet.BalanceCents < candidateCost {
			m.logTransientSkip(takerOrderID, cand.entry.OrderID, "insufficient balance for mint leg")
			m.metrics.TransientSkips.Inc()
			continue
		}

		newTakerFilled := takerFilled + qty
		candFilledBefore := cand.entry.Qty - cand.entry.RemainingQty
		candFilledAfter := candFilledBefore + qty

		seq, err := m.ledger.NextSeq(ctx, m.marketID)
		if err != nil {
			return mintedTotal, err
		}

		err = m.ledger.ApplyMint(ctx, MintEffects{
			MarketID:            m.marketID,
			TakerUserID:         takerUserID,
			CandidateUserID:     cand.entry.UserID,
			TakerSide:           takerSide,
			TakerOrderID:        takerOrderID,
			CandidateOrderID:    cand.entry.OrderID,
			TakerPriceCents:     takerPriceCents,
			CandidatePriceCents: cand.entry.PriceCents,
			Qty:                 qty,
			TakerNewFilled:      newTakerFilled,
			TakerNewStatus:      model.DeriveStatus(newTakerFilled, takerQty),
			CandidateNewFilled:  candFilledAfter,
			CandidateNewStatus:  model.DeriveStatus(candFilledAfter, cand.entry.Qty),
			TradeID:             uuid.NewString(),
			Seq:                 seq,
		})
		if err != nil {
			return mintedTotal, err
		}

		book.ApplyFill(cand.entry.OrderID, qty)
		takerFilled = newTakerFilled
		mintedTotal += qty
		m.metrics.MintedShares.Add(float64(qty) * 2)
		m.metrics.TradesExecuted.WithLabelValues(string(model.TradeMint)).Inc()
	}

	return mintedTotal, nil
}
