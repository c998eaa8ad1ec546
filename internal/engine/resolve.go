package engine

import (
	"context"

	"prediction-exchange/internal/apperr"
	"prediction-exchange/internal/model"
)

// resolve credits every position's winning-side shares at 100 cents
// each, cancels every OPEN/PARTIAL order still resting, and marks the
// market resolved. Grounded on markets.py's resolve_market.
func (e *MarketEngine) resolve(ctx context.Context, outcome model.Side) error {
	mkt, err := e.ledger.GetMarket(ctx, e.marketID)
	if err != nil {
		return err
	}
	if mkt == nil {
		return apperr.NotFound("market not found")
	}
	if mkt.Status == model.MarketResolved {
		return apperr.Precondition("market already resolved")
	}

	positions, err := e.ledger.ListPositions(ctx, e.marketID)
	if err != nil {
		return err
	}
	for _, p := range positions {
		shares := p.Shares(outcome)
		if shares <= 0 {
			continue
		}
		payoutCents := int64(shares) * 100
		if err := e.ledger.AdjustBalance(ctx, p.UserID, payoutCents); err != nil {
			return err
		}
		e.metrics.ResolutionPayoutCents.Add(float64(payoutCents))
	}

	e.cancelAllResting(ctx)

	if err := e.ledger.ResolveMarket(ctx, e.marketID, outcome); err != nil {
		return err
	}
	if e.publish != nil {
		e.publish(e.marketID, "market_resolved", map[string]any{"outcome": outcome})
	}
	return nil
}

// deleteMarket refunds every position at its own average cost basis,
// refunds the unfilled portion of resting BUY orders only (a resting
// SELL order holds shares, not cents, so there is nothing to return),
// then cascade-deletes the market. Grounded on markets.py's
// delete_market.
func (e *MarketEngine) deleteMarket(ctx context.Context) error {
	positions, err := e.ledger.ListPositions(ctx, e.marketID)
	if err != nil {
		return err
	}
	for _, p := range positions {
		refundCents := int64(float64(p.YesShares)*p.AvgYesPriceCents + float64(p.NoShares)*p.AvgNoPriceCents)
		if refundCents <= 0 {
			continue
		}
		if err := e.ledger.RefundPosition(ctx, e.marketID, p.UserID, refundCents); err != nil {
			return err
		}
	}

	for _, side := range [2]model.Side{model.SideYes, model.SideNo} {
		book := e.book.Side(side)
		for _, orderID := range book.restingOrderIDs() {
			entry := book.Get(orderID)
			if entry == nil || entry.OrderType != model.TypeBuy {
				continue
			}
			refundCents := int64(entry.RemainingQty) * int64(entry.PriceCents)
			if refundCents > 0 {
				if err := e.ledger.RefundOrder(ctx, orderID, refundCents); err != nil {
					return err
				}
			}
		}
	}

	e.cancelAllResting(ctx)
	return e.ledger.DeleteMarketCascade(ctx, e.marketID)
}

// cancelAllResting empties both in-memory books and marks every OPEN/
// PARTIAL order CANCELLED — used by both resolve and delete, since both
// end the market's trading life.
func (e *MarketEngine) cancelAllResting(ctx context.Context) {
	for _, side := range [2]model.Side{model.SideYes, model.SideNo} {
		book := e.book.Side(side)
		for _, orderID := range book.restingOrderIDs() {
			book.Remove(orderID)
			_ = e.ledger.SetOrderStatus(ctx, orderID, model.StatusCancelled)
			e.metrics.OrdersCancelled.Inc()
		}
	}
}
