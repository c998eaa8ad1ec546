package engine

import (
	"sort"

	"prediction-exchange/internal/model"
)

// OrderEntry is a resting order in one side's book.
type OrderEntry struct {
	OrderID      string
	UserID       string
	OrderType    model.OrderType
	PriceCents   int
	Qty          int // original order quantity, constant once resting
	RemainingQty int
	Seq          int64
}

// Level is a price level with a FIFO queue of orders.
type Level struct {
	Price  int
	Orders []*OrderEntry
}

func (l *Level) TotalQty() int {
	t := 0
	for _, o := range l.Orders {
		t += o.RemainingQty
	}
	return t
}

// Match represents a potential fill against a resting order, returned
// without mutating the book so a caller can confirm maker solvency
// before committing it.
type Match struct {
	Entry     *OrderEntry
	FillQty   int
	FillPrice int
}

// OrderBook is an in-memory limit order book for one side (YES or NO)
// of one market. A market holds two of these — see TwoSidedBook.
type OrderBook struct {
	bids      map[int]*Level // price -> Level, BUY orders
	asks      map[int]*Level // price -> Level, SELL orders
	bidPrices []int          // sorted descending
	askPrices []int          // sorted ascending
	index     map[string]*OrderEntry
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids:  make(map[int]*Level),
		asks:  make(map[int]*Level),
		index: make(map[string]*OrderEntry),
	}
}

// ── Queries ──────────────────────────────────────────

func (b *OrderBook) BestBid() *int {
	if len(b.bidPrices) == 0 {
		return nil
	}
	p := b.bidPrices[0]
	return &p
}

func (b *OrderBook) BestAsk() *int {
	if len(b.askPrices) == 0 {
		return nil
	}
	p := b.askPrices[0]
	return &p
}

func (b *OrderBook) Size() int { return len(b.index) }

func (b *OrderBook) Get(orderID string) *OrderEntry { return b.index[orderID] }

// restingOrderIDs snapshots every order ID currently indexed, so a
// caller can safely mutate the book (Remove) while iterating.
func (b *OrderBook) restingOrderIDs() []string {
	ids := make([]string, 0, len(b.index))
	for id := range b.index {
		ids = append(ids, id)
	}
	return ids
}

// OrdersAtPrice returns the resting BUY orders at exactly priceCents,
// oldest-first — used by the minting engine to find mint candidates.
func (b *OrderBook) OrdersAtPrice(priceCents int) []*OrderEntry {
	lvl, ok := b.bids[priceCents]
	if !ok {
		return nil
	}
	out := make([]*OrderEntry, len(lvl.Orders))
	copy(out, lvl.Orders)
	return out
}

func (b *OrderBook) Snapshot(depth int) (bids, asks []model.BookLevel) {
	for i := 0; i < len(b.bidPrices) && i < depth; i++ {
		p := b.bidPrices[i]
		bids = append(bids, model.BookLevel{PriceCents: p, Qty: b.bids[p].TotalQty()})
	}
	for i := 0; i < len(b.askPrices) && i < depth; i++ {
		p := b.askPrices[i]
		asks = append(asks, model.BookLevel{PriceCents: p, Qty: b.asks[p].TotalQty()})
	}
	if bids == nil {
		bids = []model.BookLevel{}
	}
	if asks == nil {
		asks = []model.BookLevel{}
	}
	return
}

// Midpoint is (bestBid+bestAsk)/2 in dollars, falling back to the
// one-sided price, then to 0.5 when the book is empty.
func (b *OrderBook) Midpoint() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	switch {
	case bid != nil && ask != nil:
		return (float64(*bid) + float64(*ask)) / 200
	case bid != nil:
		return float64(*bid) / 100
	case ask != nil:
		return float64(*ask) / 100
	default:
		return 0.5
	}
}

// ── Add / Remove ─────────────────────────────────────

func (b *OrderBook) Add(e *OrderEntry) {
	if _, exists := b.index[e.OrderID]; exists {
		return
	}
	b.index[e.OrderID] = e
	if e.OrderType == model.TypeBuy {
		b.addToSide(b.bids, &b.bidPrices, e, false) // desc
	} else {
		b.addToSide(b.asks, &b.askPrices, e, true) // asc
	}
}

func (b *OrderBook) Remove(orderID string) *OrderEntry {
	e, ok := b.index[orderID]
	if !ok {
		return nil
	}
	delete(b.index, orderID)
	if e.OrderType == model.TypeBuy {
		b.removeFromSide(b.bids, &b.bidPrices, e)
	} else {
		b.removeFromSide(b.asks, &b.askPrices, e)
	}
	return e
}

// ── Matching ─────────────────────────────────────────

// FindMatches returns potential matches without mutating the book.
// priceCents nil means a market order (any resting price accepted).
func (b *OrderBook) FindMatches(orderType model.OrderType, priceCents *int, maxQty int, excludeUserID string) []Match {
	var matches []Match
	rem := maxQty

	if orderType == model.TypeBuy {
		for _, askPrice := range b.askPrices {
			if rem <= 0 {
				break
			}
			if priceCents != nil && askPrice > *priceCents {
				break
			}
			level := b.asks[askPrice]
			for _, entry := range level.Orders {
				if rem <= 0 {
					break
				}
				if entry.UserID == excludeUserID {
					continue
				}
				fq := min(rem, entry.RemainingQty)
				matches = append(matches, Match{Entry: entry, FillQty: fq, FillPrice: askPrice})
				rem -= fq
			}
		}
	} else {
		for _, bidPrice := range b.bidPrices {
			if rem <= 0 {
				break
			}
			if priceCents != nil && bidPrice < *priceCents {
				break
			}
			level := b.bids[bidPrice]
			for _, entry := range level.Orders {
				if rem <= 0 {
					break
				}
				if entry.UserID == excludeUserID {
					continue
				}
				fq := min(rem, entry.RemainingQty)
				matches = append(matches, Match{Entry: entry, FillQty: fq, FillPrice: bidPrice})
				rem -= fq
			}
		}
	}
	return matches
}

// ApplyFill reduces the remaining qty of a resting order, removing it
// from the book once fully filled. Returns the remaining qty.
func (b *OrderBook) ApplyFill(orderID string, fillQty int) int {
	e := b.index[orderID]
	if e == nil {
		return 0
	}
	e.RemainingQty -= fillQty
	if e.RemainingQty <= 0 {
		b.Remove(orderID)
		return 0
	}
	return e.RemainingQty
}

// ── Internals ────────────────────────────────────────

func (b *OrderBook) addToSide(m map[int]*Level, prices *[]int, e *OrderEntry, asc bool) {
	level, ok := m[e.PriceCents]
	if !ok {
		level = &Level{Price: e.PriceCents}
		m[e.PriceCents] = level
		*prices = append(*prices, e.PriceCents)
		if asc {
			sort.Ints(*prices)
		} else {
			sort.Sort(sort.Reverse(sort.IntSlice(*prices)))
		}
	}
	level.Orders = append(level.Orders, e)
}

func (b *OrderBook) removeFromSide(m map[int]*Level, prices *[]int, e *OrderEntry) {
	level, ok := m[e.PriceCents]
	if !ok {
		return
	}
	for i, o := range level.Orders {
		if o.OrderID == e.OrderID {
			level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
			break
		}
	}
	if len(level.Orders) == 0 {
		delete(m, e.PriceCents)
		for i, p := range *prices {
			if p == e.PriceCents {
				*prices = append((*prices)[:i], (*prices)[i+1:]...)
				break
			}
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// TwoSidedBook is a market's full book: one independent OrderBook per
// binary outcome. A BUY YES order and a BUY NO order never match each
// other directly — they either mint (see mint.go) or rest.
type TwoSidedBook struct {
	Yes *OrderBook
	No  *OrderBook
}

func NewTwoSidedBook() *TwoSidedBook {
	return &TwoSidedBook{Yes: NewOrderBook(), No: NewOrderBook()}
}

func (t *TwoSidedBook) Side(s model.Side) *OrderBook {
	if s == model.SideYes {
		return t.Yes
	}
	return t.No
}

func (t *TwoSidedBook) Snapshot(depth int) model.BookSnapshot {
	yesBids, yesAsks := t.Yes.Snapshot(depth)
	noBids, noAsks := t.No.Snapshot(depth)
	return model.BookSnapshot{
		Yes:    model.BookSide{Bids: yesBids, Asks: yesAsks},
		No:     model.BookSide{Bids: noBids, Asks: noAsks},
		MidYes: t.Yes.Midpoint(),
		MidNo:  t.No.Midpoint(),
	}
}
