package engine

import (
	"context"
	"sync"

	"prediction-exchange/internal/model"
	"prediction-exchange/internal/position"
)

// fakeLedger is an in-memory Ledger used to exercise the matching and
// minting engine without a database, mirroring internal/db.Store's
// mutation semantics (debit-at-fill-time wallets, weighted-average
// position credit) closely enough to drive real scenarios.
type fakeLedger struct {
	mu        sync.Mutex
	markets   map[string]*model.Market
	wallets   map[string]*model.Wallet
	positions map[string]*model.Position // key: marketID+"|"+userID
	orders    map[string]*model.Order
	seqs      map[string]int64
	trades    []model.Trade
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		markets:   make(map[string]*model.Market),
		wallets:   make(map[string]*model.Wallet),
		positions: make(map[string]*model.Position),
		orders:    make(map[string]*model.Order),
		seqs:      make(map[string]int64),
	}
}

func (f *fakeLedger) addMarket(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets[id] = &model.Market{ID: id, Status: model.MarketActive}
}

func (f *fakeLedger) fundWallet(userID string, cents int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallets[userID] = &model.Wallet{UserID: userID, BalanceCents: cents}
}

func (f *fakeLedger) posKey(marketID, userID string) string { return marketID + "|" + userID }

// setPosition seeds a user's holding directly, for tests that need a
// SELL order to pass the share-holding check without first minting.
func (f *fakeLedger) setPosition(marketID, userID string, yesShares, noShares int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[f.posKey(marketID, userID)] = &model.Position{
		MarketID: marketID, UserID: userID, YesShares: yesShares, NoShares: noShares,
	}
}

func (f *fakeLedger) GetMarket(ctx context.Context, marketID string) (*model.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markets[marketID], nil
}

func (f *fakeLedger) GetOpenMarkets(ctx context.Context) ([]model.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Market
	for _, m := range f.markets {
		if m.Status == model.MarketActive {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeLedger) SetMarketMidpoints(ctx context.Context, marketID string, yesMid, noMid float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.markets[marketID]; ok {
		m.CurrentYesPrice, m.CurrentNoPrice = yesMid, noMid
	}
	return nil
}

func (f *fakeLedger) ResolveMarket(ctx context.Context, marketID string, outcome model.Side) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markets[marketID]
	if !ok {
		return nil
	}
	m.Status = model.MarketResolved
	m.ResolvedOutcome = &outcome
	return nil
}

func (f *fakeLedger) DeleteMarketCascade(ctx context.Context, marketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.markets, marketID)
	for k, o := range f.orders {
		if o.MarketID == marketID {
			delete(f.orders, k)
		}
	}
	for k := range f.positions {
		if len(k) > len(marketID) && k[:len(marketID)] == marketID {
			delete(f.positions, k)
		}
	}
	return nil
}

func (f *fakeLedger) NextSeq(ctx context.Context, marketID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqs[marketID]++
	return f.seqs[marketID], nil
}

func (f *fakeLedger) InsertOrder(ctx context.Context, o *model.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *o
	f.orders[o.ID] = &cp
	return nil
}

func (f *fakeLedger) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (f *fakeLedger) ListOpenOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Order
	for _, o := range f.orders {
		if o.MarketID == marketID && (o.Status == model.StatusOpen || o.Status == model.StatusPartial) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeLedger) SetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.Status = status
	}
	return nil
}

func (f *fakeLedger) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[userID]
	if !ok {
		return &model.Wallet{UserID: userID}, nil
	}
	cp := *w
	return &cp, nil
}

func (f *fakeLedger) AdjustBalance(ctx context.Context, userID string, deltaCents int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[userID]
	if !ok {
		w = &model.Wallet{UserID: userID}
		f.wallets[userID] = w
	}
	w.BalanceCents += deltaCents
	return nil
}

func (f *fakeLedger) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[f.posKey(marketID, userID)]
	if !ok {
		return &model.Position{MarketID: marketID, UserID: userID}, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeLedger) ListPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Position
	for _, p := range f.positions {
		if p.MarketID == marketID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeLedger) creditPosition(marketID, userID string, side model.Side, qty, priceCents int) {
	key := f.posKey(marketID, userID)
	p, ok := f.positions[key]
	if !ok {
		p = &model.Position{MarketID: marketID, UserID: userID}
		f.positions[key] = p
	}
	if side == model.SideYes {
		p.YesShares, p.AvgYesPriceCents = position.Credit(p.YesShares, p.AvgYesPriceCents, qty, priceCents)
	} else {
		p.NoShares, p.AvgNoPriceCents = position.Credit(p.NoShares, p.AvgNoPriceCents, qty, priceCents)
	}
}

func (f *fakeLedger) debitPosition(marketID, userID string, side model.Side, qty int) {
	key := f.posKey(marketID, userID)
	p, ok := f.positions[key]
	if !ok {
		return
	}
	if side == model.SideYes {
		p.YesShares = position.Debit(p.YesShares, qty)
	} else {
		p.NoShares = position.Debit(p.NoShares, qty)
	}
}

func (f *fakeLedger) ApplyFill(ctx context.Context, fl FillEffects) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	value := int64(fl.PriceCents) * int64(fl.Qty)
	if w, ok := f.wallets[fl.BuyUserID]; ok {
		w.BalanceCents -= value
	} else {
		f.wallets[fl.BuyUserID] = &model.Wallet{UserID: fl.BuyUserID, BalanceCents: -value}
	}
	if w, ok := f.wallets[fl.SellUserID]; ok {
		w.BalanceCents += value
	} else {
		f.wallets[fl.SellUserID] = &model.Wallet{UserID: fl.SellUserID, BalanceCents: value}
	}

	f.debitPosition(fl.MarketID, fl.SellUserID, fl.Side, fl.Qty)
	f.creditPosition(fl.MarketID, fl.BuyUserID, fl.Side, fl.Qty, fl.PriceCents)

	if fl.BuyOrderID != nil {
		if o, ok := f.orders[*fl.BuyOrderID]; ok {
			o.FilledQty, o.Status = fl.BuyNewFilled, fl.BuyNewStatus
		}
	}
	if fl.SellOrderID != nil {
		if o, ok := f.orders[*fl.SellOrderID]; ok {
			o.FilledQty, o.Status = fl.SellNewFilled, fl.SellNewStatus
		}
	}

	f.trades = append(f.trades, model.Trade{
		ID: fl.TradeID, MarketID: fl.MarketID, BuyOrderID: fl.BuyOrderID, SellOrderID: fl.SellOrderID,
		BuyerID: fl.BuyUserID, SellerID: fl.SellUserID, Side: fl.Side, PriceCents: fl.PriceCents, Qty: fl.Qty,
		Kind: model.TradeMatch, IsMarketOrder: fl.IsMarketOrder, Seq: fl.Seq,
	})
	if mkt, ok := f.markets[fl.MarketID]; ok {
		mkt.TotalVolumeCents += value
	}
	return nil
}

func (f *fakeLedger) ApplyMint(ctx context.Context, m MintEffects) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	takerCost := int64(m.TakerPriceCents) * int64(m.Qty)
	candCost := int64(m.CandidatePriceCents) * int64(m.Qty)
	if w, ok := f.wallets[m.TakerUserID]; ok {
		w.BalanceCents -= takerCost
	} else {
		f.wallets[m.TakerUserID] = &model.Wallet{UserID: m.TakerUserID, BalanceCents: -takerCost}
	}
	if w, ok := f.wallets[m.CandidateUserID]; ok {
		w.BalanceCents -= candCost
	} else {
		f.wallets[m.CandidateUserID] = &model.Wallet{UserID: m.CandidateUserID, BalanceCents: -candCost}
	}

	f.creditPosition(m.MarketID, m.TakerUserID, m.TakerSide, m.Qty, m.TakerPriceCents)
	f.creditPosition(m.MarketID, m.CandidateUserID, m.TakerSide.Opposite(), m.Qty, m.CandidatePriceCents)

	if o, ok := f.orders[m.TakerOrderID]; ok {
		o.FilledQty, o.Status = m.TakerNewFilled, m.TakerNewStatus
	}
	if o, ok := f.orders[m.CandidateOrderID]; ok {
		o.FilledQty, o.Status = m.CandidateNewFilled, m.CandidateNewStatus
	}

	buyOrderID, sellOrderID := m.TakerOrderID, m.CandidateOrderID
	f.trades = append(f.trades, model.Trade{
		ID: m.TradeID, MarketID: m.MarketID, BuyOrderID: &buyOrderID, SellOrderID: &sellOrderID,
		BuyerID: m.TakerUserID, SellerID: m.CandidateUserID, Side: m.TakerSide, PriceCents: m.TakerPriceCents,
		Qty: m.Qty, Kind: model.TradeMint, Seq: m.Seq,
	})
	if mkt, ok := f.markets[m.MarketID]; ok {
		mkt.TotalVolumeCents += int64(m.Qty) * 100
	}
	return nil
}

func (f *fakeLedger) RefundPosition(ctx context.Context, marketID, userID string, cents int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[userID]
	if !ok {
		w = &model.Wallet{UserID: userID}
		f.wallets[userID] = w
	}
	w.BalanceCents += cents
	return nil
}

func (f *fakeLedger) RefundOrder(ctx context.Context, orderID string, cents int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil
	}
	w, ok := f.wallets[o.UserID]
	if !ok {
		w = &model.Wallet{UserID: o.UserID}
		f.wallets[o.UserID] = w
	}
	w.BalanceCents += cents
	return nil
}
