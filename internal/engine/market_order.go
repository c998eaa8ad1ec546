package engine

import (
	"context"

	"github.com/google/uuid"

	"prediction-exchange/internal/apperr"
	"prediction-exchange/internal/model"
)

// submitMarket executes a market order: BUY spends up to a token
// budget sweeping resting SELL orders ascending by price; SELL sells
// up to a share quantity sweeping resting BUY orders descending by
// price. Neither rests on the book — an unfilled remainder is simply
// left unfilled, except a BUY that gets no fills from the resting asks,
// which falls back to a synthetic limit order at the minting price. Grounded on orders.py's execute_market_buy/execute_market_sell.
func (e *MarketEngine) submitMarket(ctx context.Context, userID string, req model.PlaceMarketReq) (*model.MarketOrderResult, error) {
	if req.TokenAmount <= 0 {
		return nil, errInvalidAmount
	}
	if req.OrderType == model.TypeBuy {
		return e.executeMarketBuy(ctx, userID, req.Side, req.TokenAmount)
	}
	return e.executeMarketSell(ctx, userID, req.Side, int(req.TokenAmount))
}

var errInvalidAmount = apperr.Validation("token amount must be positive")

func (e *MarketEngine) executeMarketBuy(ctx context.Context, userID string, side model.Side, budget int64) (*model.MarketOrderResult, error) {
	if err := e.checkBalance(ctx, userID, budget); err != nil {
		return nil, err
	}

	book := e.book.Side(side)
	var trades []model.Trade
	totalShares := 0
	var totalSpent int64
	remaining := budget

	for _, askPrice := range append([]int(nil), book.askPrices...) {
		if remaining <= 0 {
			break
		}
		level := book.asks[askPrice]
		if level == nil {
			continue
		}
		for _, entry := range append([]*OrderEntry(nil), level.Orders...) {
			if remaining <= 0 {
				break
			}
			if entry.UserID == userID {
				continue
			}
			maxAffordable := int(remaining / int64(askPrice))
			qty := min(maxAffordable, entry.RemainingQty)
			if qty <= 0 {
				continue
			}
			cost := int64(askPrice) * int64(qty)

			filledBefore := entry.Qty - entry.RemainingQty
			filledAfter := filledBefore + qty
			seq, err := e.ledger.NextSeq(ctx, e.marketID)
			if err != nil {
				return nil, err
			}
			tradeID := uuid.NewString()
			sellOrderID := entry.OrderID

			if err := e.ledger.ApplyFill(ctx, FillEffects{
				MarketID: e.marketID, Side: side, PriceCents: askPrice, Qty: qty,
				BuyUserID: userID, SellUserID: entry.UserID,
				BuyOrderID: nil, SellOrderID: &sellOrderID,
				BuyNewFilled: 0, BuyNewStatus: model.StatusFilled,
				SellNewFilled: filledAfter, SellNewStatus: model.DeriveStatus(filledAfter, entry.Qty),
				TradeID: tradeID, Seq: seq, IsMarketOrder: true,
			}); err != nil {
				return nil, err
			}

			book.ApplyFill(entry.OrderID, qty)
			totalShares += qty
			totalSpent += cost
			remaining -= cost

			trades = append(trades, model.Trade{
				ID: tradeID, MarketID: e.marketID, SellOrderID: &sellOrderID,
				BuyerID: userID, SellerID: entry.UserID, Side: side, PriceCents: askPrice, Qty: qty,
				Kind: model.TradeMatch, IsMarketOrder: true, Seq: seq,
			})
			e.metrics.TradesExecuted.WithLabelValues(string(model.TradeMatch)).Inc()
			e.metrics.TradeVolumeCents.WithLabelValues(e.marketID).Add(float64(cost))
		}
	}

	if totalShares == 0 && remaining > 0 {
		minted, spent, err := e.mintAtMidpointFallback(ctx, userID, side, remaining)
		if err != nil {
			return nil, err
		}
		totalShares += minted
		totalSpent += spent
	}

	e.publishBookAndTrades(trades)

	var avgPrice float64
	var message string
	if totalShares > 0 {
		avgPrice = float64(totalSpent) / float64(totalShares) / 100
		message = "bought shares at best available prices"
	} else {
		message = "no shares available at current prices"
	}

	return &model.MarketOrderResult{
		SharesFilled: int64(totalShares),
		TokensSpent:  totalSpent,
		AveragePrice: avgPrice,
		Message:      message,
	}, nil
}

// mintAtMidpointFallback places a transient limit BUY order priced
// just above the book's midpoint, runs the minting engine against it
// alone (no matching — a BUY never matches a BUY), then discards
// whatever remains unfilled. Grounded on orders.py's "try share
// minting" branch of execute_market_buy.
func (e *MarketEngine) mintAtMidpointFallback(ctx context.Context, userID string, side model.Side, remainingBudgetCents int64) (int, int64, error) {
	oppBook := e.book.Side(side.Opposite())
	midDollars := e.book.Side(side).Midpoint()
	mintPriceCents := int(midDollars*100) + 1
	if mintPriceCents > 99 {
		mintPriceCents = 99
	}
	if mintPriceCents < 1 {
		mintPriceCents = 1
	}

	maxShares := int(remainingBudgetCents / int64(mintPriceCents))
	if maxShares <= 0 {
		return 0, 0, nil
	}

	orderID := uuid.NewString()
	seq, err := e.ledger.NextSeq(ctx, e.marketID)
	if err != nil {
		return 0, 0, err
	}
	order := &model.Order{
		ID: orderID, MarketID: e.marketID, UserID: userID, Side: side,
		OrderType: model.TypeBuy, PriceCents: mintPriceCents, Qty: maxShares,
		FilledQty: 0, Status: model.StatusOpen, Seq: seq,
	}
	if err := e.ledger.InsertOrder(ctx, order); err != nil {
		return 0, 0, err
	}

	plan := planMint(oppBook, mintPriceCents, userID, maxShares)
	minted, err := e.runMint(ctx, oppBook, orderID, userID, side, mintPriceCents, 0, maxShares, plan)
	if err != nil {
		return 0, 0, err
	}

	status := model.StatusCancelled
	if minted == maxShares {
		status = model.StatusFilled
	}
	if err := e.ledger.SetOrderStatus(ctx, orderID, status); err != nil {
		return 0, 0, err
	}

	return minted, int64(minted) * int64(mintPriceCents), nil
}

func (e *MarketEngine) executeMarketSell(ctx context.Context, userID string, side model.Side, qtyToSell int) (*model.MarketOrderResult, error) {
	if err := e.checkShareHolding(ctx, userID, side, qtyToSell); err != nil {
		return nil, err
	}

	book := e.book.Side(side)
	var trades []model.Trade
	totalShares := 0
	var totalReceived int64
	remaining := qtyToSell

	for _, bidPrice := range append([]int(nil), book.bidPrices...) {
		if remaining <= 0 {
			break
		}
		level := book.bids[bidPrice]
		if level == nil {
			continue
		}
		for _, entry := range append([]*OrderEntry(nil), level.Orders...) {
			if remaining <= 0 {
				break
			}
			if entry.UserID == userID {
				continue
			}
			qty := min(remaining, entry.RemainingQty)
			if qty <= 0 {
				continue
			}
			value := int64(bidPrice) * int64(qty)

			buyerWallet, err := e.ledger.GetWallet(ctx, entry.UserID)
			if err != nil {
				return nil, err
			}
			if buyerWallet.BalanceCents < value {
				// A market sell never rests, so it has no order id of its own.
				e.logTransientSkip("", entry.OrderID, "buyer balance insufficient for fill")
				e.metrics.TransientSkips.Inc()
				continue
			}

			filledBefore := entry.Qty - entry.RemainingQty
			filledAfter := filledBefore + qty
			seq, err := e.ledger.NextSeq(ctx, e.marketID)
			if err != nil {
				return nil, err
			}
			tradeID := uuid.NewString()
			buyOrderID := entry.OrderID

			if err := e.ledger.ApplyFill(ctx, FillEffects{
				MarketID: e.marketID, Side: side, PriceCents: bidPrice, Qty: qty,
				BuyUserID: entry.UserID, SellUserID: userID,
				BuyOrderID: &buyOrderID, SellOrderID: nil,
				BuyNewFilled: filledAfter, BuyNewStatus: model.DeriveStatus(filledAfter, entry.Qty),
				SellNewFilled: 0, SellNewStatus: model.StatusFilled,
				TradeID: tradeID, Seq: seq, IsMarketOrder: true,
			}); err != nil {
				return nil, err
			}

			book.ApplyFill(entry.OrderID, qty)
			totalShares += qty
			totalReceived += value
			remaining -= qty

			trades = append(trades, model.Trade{
				ID: tradeID, MarketID: e.marketID, BuyOrderID: &buyOrderID,
				BuyerID: entry.UserID, SellerID: userID, Side: side, PriceCents: bidPrice, Qty: qty,
				Kind: model.TradeMatch, IsMarketOrder: true, Seq: seq,
			})
			e.metrics.TradesExecuted.WithLabelValues(string(model.TradeMatch)).Inc()
			e.metrics.TradeVolumeCents.WithLabelValues(e.marketID).Add(float64(value))
		}
	}

	e.publishBookAndTrades(trades)

	var avgPrice float64
	var message string
	if totalShares > 0 {
		avgPrice = float64(totalReceived) / float64(totalShares) / 100
		message = "sold shares at best available prices"
	} else {
		message = "no buyers available at current prices"
	}

	return &model.MarketOrderResult{
		SharesFilled: int64(totalShares),
		TokensSpent:  totalReceived,
		AveragePrice: avgPrice,
		Message:      message,
	}, nil
}
