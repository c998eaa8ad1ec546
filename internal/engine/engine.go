// Package engine is the single-writer matching/minting engine: one
// goroutine per active market reading a buffered command channel
// (actor pattern), with a two-sided YES/NO book and a minting step
// ahead of matching for every BUY order.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"prediction-exchange/internal/apperr"
	"prediction-exchange/internal/metrics"
	"prediction-exchange/internal/model"
)

// PublishFunc broadcasts a WS message for a market.
type PublishFunc func(marketID, msgType string, data any)

// ── Manager ──────────────────────────────────────────

type Manager struct {
	engines map[string]*MarketEngine
	mu      sync.RWMutex
	ledger  Ledger
	publish PublishFunc
	metrics *metrics.Collector
}

func NewManager(ledger Ledger, pub PublishFunc, mc *metrics.Collector) *Manager {
	return &Manager{
		engines: make(map[string]*MarketEngine),
		ledger:  ledger,
		publish: pub,
		metrics: mc,
	}
}

// Boot starts one engine per market still accepting orders, so a
// restart resumes exactly where the prior process left off.
func (m *Manager) Boot(ctx context.Context) error {
	ids, err := m.openMarketIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := m.StartEngine(ctx, id); err != nil {
			return fmt.Errorf("boot %s: %w", id, err)
		}
	}
	log.Info().Int("count", len(ids)).Msg("booted market engines")
	return nil
}

func (m *Manager) openMarketIDs(ctx context.Context) ([]string, error) {
	mkts, err := m.ledger.GetOpenMarkets(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(mkts))
	for i, mk := range mkts {
		ids[i] = mk.ID
	}
	return ids, nil
}

func (m *Manager) StartEngine(ctx context.Context, marketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[marketID]; ok {
		return nil
	}
	eng, err := newMarketEngine(ctx, marketID, m.ledger, m.publish, m.metrics)
	if err != nil {
		return err
	}
	m.engines[marketID] = eng
	go eng.run(context.Background())
	m.metrics.ActiveMarketEngines.Inc()
	return nil
}

func (m *Manager) StopEngine(marketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.engines[marketID]
	if !ok {
		return
	}
	close(eng.stopCh)
	delete(m.engines, marketID)
	m.metrics.ActiveMarketEngines.Dec()
}

func (m *Manager) GetEngine(marketID string) *MarketEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[marketID]
}

func (m *Manager) Snapshot(marketID string) (model.BookSnapshot, bool) {
	eng := m.GetEngine(marketID)
	if eng == nil {
		return model.BookSnapshot{}, false
	}
	return eng.book.Snapshot(50), true
}

// ── MarketEngine ─────────────────────────────────────

type MarketEngine struct {
	marketID string
	book     *TwoSidedBook
	cmdCh    chan command
	stopCh   chan struct{}
	ledger   Ledger
	publish  PublishFunc
	metrics  *metrics.Collector
}

func newMarketEngine(ctx context.Context, marketID string, ledger Ledger, pub PublishFunc, mc *metrics.Collector) (*MarketEngine, error) {
	book := NewTwoSidedBook()
	orders, err := ledger.ListOpenOrders(ctx, marketID)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		o := &orders[i]
		book.Side(o.Side).Add(&OrderEntry{
			OrderID:      o.ID,
			UserID:       o.UserID,
			OrderType:    o.OrderType,
			PriceCents:   o.PriceCents,
			Qty:          o.Qty,
			RemainingQty: o.Remaining(),
			Seq:          o.Seq,
		})
	}
	log.Info().Str("market_id", marketID).Int("orders", len(orders)).Msg("loaded market engine")
	return &MarketEngine{
		marketID: marketID,
		book:     book,
		cmdCh:    make(chan command, 128),
		stopCh:   make(chan struct{}),
		ledger:   ledger,
		publish:  pub,
		metrics:  mc,
	}, nil
}

func (e *MarketEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

// ── Commands ─────────────────────────────────────────
//
// Every public entry point sends a command onto cmdCh and blocks on a
// reply channel: all state mutation happens on the engine's own
// goroutine, so two orders for the same market are never matched
// concurrently (reads bypass the channel — see Manager.Snapshot).

type command interface{ exec(e *MarketEngine) }

type limitCmd struct {
	req    model.PlaceLimitReq
	userID string
	ch     chan<- limitResult
}

type marketCmd struct {
	req    model.PlaceMarketReq
	userID string
	ch     chan<- marketResult
}

type cancelCmd struct {
	orderID string
	userID  string
	ch      chan<- error
}

type resolveCmd struct {
	outcome model.Side
	ch      chan<- error
}

type deleteCmd struct {
	ch chan<- error
}

type limitResult struct {
	order  *model.Order
	trades []model.Trade
	err    error
}

type marketResult struct {
	res *model.MarketOrderResult
	err error
}

func (c limitCmd) exec(e *MarketEngine) {
	order, trades, err := e.submitLimit(context.Background(), c.userID, c.req)
	c.ch <- limitResult{order: order, trades: trades, err: err}
}

func (c marketCmd) exec(e *MarketEngine) {
	res, err := e.submitMarket(context.Background(), c.userID, c.req)
	c.ch <- marketResult{res: res, err: err}
}

func (c cancelCmd) exec(e *MarketEngine) { c.ch <- e.cancel(context.Background(), c.orderID, c.userID) }
func (c resolveCmd) exec(e *MarketEngine) { c.ch <- e.resolve(context.Background(), c.outcome) }
func (c deleteCmd) exec(e *MarketEngine)  { c.ch <- e.deleteMarket(context.Background()) }

// SubmitLimit places a resting-capable order: BUY orders attempt
// minting against the opposite side's book first, then matching
// against resting SELL orders on their own side's book; SELL orders
// only match. The unfilled remainder rests.
func (e *MarketEngine) SubmitLimit(userID string, req model.PlaceLimitReq) (*model.Order, []model.Trade, error) {
	ch := make(chan limitResult, 1)
	e.cmdCh <- limitCmd{req: req, userID: userID, ch: ch}
	r := <-ch
	return r.order, r.trades, r.err
}

// SubmitMarket sweeps the book (and, for BUY with no fills, falls
// back to a synthetic mint-seeking order) per a token budget or share
// quantity rather than a limit price.
func (e *MarketEngine) SubmitMarket(userID string, req model.PlaceMarketReq) (*model.MarketOrderResult, error) {
	ch := make(chan marketResult, 1)
	e.cmdCh <- marketCmd{req: req, userID: userID, ch: ch}
	r := <-ch
	return r.res, r.err
}

func (e *MarketEngine) Cancel(orderID, userID string) error {
	ch := make(chan error, 1)
	e.cmdCh <- cancelCmd{orderID: orderID, userID: userID, ch: ch}
	return <-ch
}

func (e *MarketEngine) Resolve(outcome model.Side) error {
	ch := make(chan error, 1)
	e.cmdCh <- resolveCmd{outcome: outcome, ch: ch}
	return <-ch
}

func (e *MarketEngine) Delete() error {
	ch := make(chan error, 1)
	e.cmdCh <- deleteCmd{ch: ch}
	return <-ch
}

// ── submitLimit ──────────────────────────────────────

func (e *MarketEngine) submitLimit(ctx context.Context, userID string, req model.PlaceLimitReq) (*model.Order, []model.Trade, error) {
	if req.PriceCents < 1 || req.PriceCents > 99 {
		return nil, nil, apperr.Validation("price must be 1-99 cents")
	}
	if req.Qty < 1 {
		return nil, nil, apperr.Validation("quantity must be positive")
	}
	if req.OrderType == model.TypeSell {
		if err := e.checkShareHolding(ctx, userID, req.Side, req.Qty); err != nil {
			return nil, nil, err
		}
	} else {
		if err := e.checkBalance(ctx, userID, int64(req.PriceCents)*int64(req.Qty)); err != nil {
			return nil, nil, err
		}
	}

	orderID := uuid.NewString()
	seq, err := e.ledger.NextSeq(ctx, e.marketID)
	if err != nil {
		return nil, nil, err
	}

	order := &model.Order{
		ID: orderID, MarketID: e.marketID, UserID: userID,
		Side: req.Side, OrderType: req.OrderType, PriceCents: req.PriceCents,
		Qty: req.Qty, FilledQty: 0, Status: model.StatusOpen, Seq: seq,
	}
	if err := e.ledger.InsertOrder(ctx, order); err != nil {
		return nil, nil, err
	}
	e.metrics.OrdersPlaced.WithLabelValues(string(req.OrderType)).Inc()

	var trades []model.Trade
	filled := 0

	if req.OrderType == model.TypeBuy {
		priceCents := req.PriceCents
		oppBook := e.book.Side(req.Side.Opposite())
		plan := planMint(oppBook, priceCents, userID, req.Qty-filled)
		if len(plan) > 0 {
			minted, err := e.runMint(ctx, oppBook, orderID, userID, req.Side, priceCents, filled, req.Qty, plan)
			if err != nil {
				return nil, nil, err
			}
			filled += minted
		}
	}

	book := e.book.Side(req.Side)
	opType := req.OrderType

	if filled < req.Qty {
		priceCents := req.PriceCents
		matches := book.FindMatches(req.OrderType, &priceCents, req.Qty-filled, userID)
		newFilled, newTrades, err := e.runMatches(ctx, book, orderID, userID, req.Side, opType, filled, matches)
		if err != nil {
			return nil, nil, err
		}
		filled += newFilled
		trades = append(trades, newTrades...)
	}

	order.FilledQty = filled
	order.Status = model.DeriveStatus(filled, req.Qty)
	if err := e.ledger.SetOrderStatus(ctx, orderID, order.Status); err != nil {
		return nil, nil, err
	}

	if order.Remaining() > 0 {
		book.Add(&OrderEntry{
			OrderID: orderID, UserID: userID, OrderType: req.OrderType,
			PriceCents: req.PriceCents, Qty: req.Qty, RemainingQty: order.Remaining(), Seq: seq,
		})
	}

	e.publishBookAndTrades(trades)
	return order, trades, nil
}

// runMatches executes FindMatches results against the resting side,
// crediting both legs at the maker's price (the resting order's
// price, per price-time priority). takerFilledSoFar is the taker's
// fill before matching (e.g. from minting), so the persisted taker
// fill count includes it. Returns the quantity filled by these
// matches and the trades generated.
func (e *MarketEngine) runMatches(ctx context.Context, book *OrderBook, takerOrderID, takerUserID string, side model.Side, takerType model.OrderType, takerFilledSoFar int, matches []Match) (int, []model.Trade, error) {
	var trades []model.Trade
	filled := 0

	for _, match := range matches {
		maker := match.Entry
		qty := match.FillQty
		price := match.FillPrice

		makerWallet, err := e.ledger.GetWallet(ctx, maker.UserID)
		if err != nil {
			return filled, trades, err
		}
		takerWallet, err := e.ledger.GetWallet(ctx, takerUserID)
		if err != nil {
			return filled, trades, err
		}

		var buyUserID, sellUserID string
		var buyOrderID, sellOrderID *string
		tOID := takerOrderID
		mOID := maker.OrderID
		if takerType == model.TypeBuy {
			buyUserID, sellUserID = takerUserID, maker.UserID
			buyOrderID, sellOrderID = &tOID, &mOID
			if takerWallet.BalanceCents < int64(price)*int64(qty) {
				e.logTransientSkip(takerOrderID, maker.OrderID, "taker balance insufficient for fill")
				e.metrics.TransientSkips.Inc()
				continue
			}
		} else {
			buyUserID, sellUserID = maker.UserID, takerUserID
			buyOrderID, sellOrderID = &mOID, &tOID
			if makerWallet.BalanceCents < int64(price)*int64(qty) {
				e.logTransientSkip(takerOrderID, maker.OrderID, "maker balance insufficient for fill")
				e.metrics.TransientSkips.Inc()
				continue
			}
		}

		makerFilledBefore := maker.Qty - maker.RemainingQty
		makerFilledAfter := makerFilledBefore + qty
		takerFilledAfter := takerFilledSoFar + filled + qty

		var buyNewFilled, sellNewFilled int
		var buyNewStatus, sellNewStatus model.OrderStatus
		if takerType == model.TypeBuy {
			buyNewFilled, buyNewStatus = takerFilledAfter, model.StatusPartial
			sellNewFilled, sellNewStatus = makerFilledAfter, model.DeriveStatus(makerFilledAfter, maker.Qty)
		} else {
			sellNewFilled, sellNewStatus = takerFilledAfter, model.StatusPartial
			buyNewFilled, buyNewStatus = makerFilledAfter, model.DeriveStatus(makerFilledAfter, maker.Qty)
		}

		seq, err := e.ledger.NextSeq(ctx, e.marketID)
		if err != nil {
			return filled, trades, err
		}
		tradeID := uuid.NewString()

		err = e.ledger.ApplyFill(ctx, FillEffects{
			MarketID: e.marketID, Side: side, PriceCents: price, Qty: qty,
			BuyUserID: buyUserID, SellUserID: sellUserID,
			BuyOrderID: buyOrderID, SellOrderID: sellOrderID,
			BuyNewFilled: buyNewFilled, BuyNewStatus: buyNewStatus,
			SellNewFilled: sellNewFilled, SellNewStatus: sellNewStatus,
			TradeID: tradeID, Seq: seq, IsMarketOrder: false,
		})
		if err != nil {
			return filled, trades, err
		}

		book.ApplyFill(maker.OrderID, qty)
		filled += qty

		trades = append(trades, model.Trade{
			ID: tradeID, MarketID: e.marketID, BuyOrderID: buyOrderID, SellOrderID: sellOrderID,
			BuyerID: buyUserID, SellerID: sellUserID, Side: side, PriceCents: price, Qty: qty,
			Kind: model.TradeMatch, Seq: seq,
		})
		e.metrics.TradesExecuted.WithLabelValues(string(model.TradeMatch)).Inc()
		e.metrics.TradeVolumeCents.WithLabelValues(e.marketID).Add(float64(price) * float64(qty))
	}

	return filled, trades, nil
}

func (e *MarketEngine) checkBalance(ctx context.Context, userID string, costCents int64) error {
	w, err := e.ledger.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	if w == nil || w.BalanceCents < costCents {
		return apperr.Precondition("insufficient balance")
	}
	return nil
}

func (e *MarketEngine) checkShareHolding(ctx context.Context, userID string, side model.Side, qty int) error {
	p, err := e.ledger.GetPosition(ctx, e.marketID, userID)
	if err != nil {
		return err
	}
	if p.Shares(side) < qty {
		return apperr.Precondition(fmt.Sprintf("insufficient %s shares", side))
	}
	return nil
}

// ── Cancel ───────────────────────────────────────────

func (e *MarketEngine) cancel(ctx context.Context, orderID, userID string) error {
	o, err := e.ledger.GetOrder(ctx, orderID)
	if err != nil || o == nil {
		return apperr.NotFound("order not found")
	}
	if o.UserID != userID {
		return apperr.Authorization("not your order")
	}
	if o.Status != model.StatusOpen && o.Status != model.StatusPartial {
		return apperr.Precondition("order not cancelable")
	}

	e.book.Side(o.Side).Remove(orderID)
	if err := e.ledger.SetOrderStatus(ctx, orderID, model.StatusCancelled); err != nil {
		return err
	}
	e.metrics.OrdersCancelled.Inc()
	e.publishBookAndTrades(nil)
	return nil
}

// logTransientSkip records an insolvent counterparty being passed over
// for the next candidate, at debug level, identified by market/order/
// candidate ids.
func (e *MarketEngine) logTransientSkip(orderID, candidateOrderID, reason string) {
	err := apperr.TransientSkip(reason)
	log.Debug().
		Str("market_id", e.marketID).
		Str("order_id", orderID).
		Str("candidate_id", candidateOrderID).
		Msg(err.Error())
}

// updateMidpoints persists the book's current YES/NO midpoints onto
// the market record and refreshes the resting-order-depth gauge, so
// both survive a process restart and are visible to GET /api/markets/{id}.
func (e *MarketEngine) updateMidpoints(ctx context.Context) {
	if err := e.ledger.SetMarketMidpoints(ctx, e.marketID, e.book.Yes.Midpoint(), e.book.No.Midpoint()); err != nil {
		log.Error().Err(err).Str("market_id", e.marketID).Msg("failed to persist market midpoints")
	}
	e.metrics.OrderbookDepth.WithLabelValues(e.marketID, "yes").Set(float64(e.book.Yes.Size()))
	e.metrics.OrderbookDepth.WithLabelValues(e.marketID, "no").Set(float64(e.book.No.Size()))
}

func (e *MarketEngine) publishBookAndTrades(trades []model.Trade) {
	e.updateMidpoints(context.Background())
	if e.publish == nil {
		return
	}
	e.publish(e.marketID, "orderbook_update", e.book.Snapshot(20))
	for _, t := range trades {
		e.publish(e.marketID, "trade_executed", t)
	}
}
