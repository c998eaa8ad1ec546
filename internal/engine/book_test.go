package engine

import (
	"testing"

	"prediction-exchange/internal/model"
)

func TestAddAndBestBidAsk(t *testing.T) {
	b := NewOrderBook()

	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", OrderType: model.TypeBuy, PriceCents: 40, Qty: 10, RemainingQty: 10, Seq: 1})
	b.Add(&OrderEntry{OrderID: "b2", UserID: "u1", OrderType: model.TypeBuy, PriceCents: 45, Qty: 5, RemainingQty: 5, Seq: 2})
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u2", OrderType: model.TypeSell, PriceCents: 55, Qty: 10, RemainingQty: 10, Seq: 3})
	b.Add(&OrderEntry{OrderID: "a2", UserID: "u2", OrderType: model.TypeSell, PriceCents: 60, Qty: 5, RemainingQty: 5, Seq: 4})

	if b.Size() != 4 {
		t.Fatalf("expected size 4, got %d", b.Size())
	}
	if bb := b.BestBid(); bb == nil || *bb != 45 {
		t.Fatalf("expected best bid 45, got %v", bb)
	}
	if ba := b.BestAsk(); ba == nil || *ba != 55 {
		t.Fatalf("expected best ask 55, got %v", ba)
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := NewOrderBook()

	// Two resting sells at the same price; the older one matches first.
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u2", OrderType: model.TypeSell, PriceCents: 50, Qty: 3, RemainingQty: 3, Seq: 1})
	b.Add(&OrderEntry{OrderID: "a2", UserID: "u2", OrderType: model.TypeSell, PriceCents: 50, Qty: 3, RemainingQty: 3, Seq: 2})

	price := 50
	matches := b.FindMatches(model.TypeBuy, &price, 4, "u1")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Entry.OrderID != "a1" {
		t.Fatalf("expected first match a1, got %s", matches[0].Entry.OrderID)
	}
	if matches[0].FillQty != 3 {
		t.Fatalf("expected first fill 3, got %d", matches[0].FillQty)
	}
	if matches[1].Entry.OrderID != "a2" {
		t.Fatalf("expected second match a2, got %s", matches[1].Entry.OrderID)
	}
	if matches[1].FillQty != 1 {
		t.Fatalf("expected second fill 1, got %d", matches[1].FillQty)
	}
}

func TestPartialFillAcrossLevels(t *testing.T) {
	b := NewOrderBook()

	b.Add(&OrderEntry{OrderID: "a1", UserID: "u2", OrderType: model.TypeSell, PriceCents: 50, Qty: 2, RemainingQty: 2, Seq: 1})
	b.Add(&OrderEntry{OrderID: "a2", UserID: "u2", OrderType: model.TypeSell, PriceCents: 55, Qty: 3, RemainingQty: 3, Seq: 2})
	b.Add(&OrderEntry{OrderID: "a3", UserID: "u2", OrderType: model.TypeSell, PriceCents: 60, Qty: 5, RemainingQty: 5, Seq: 3})

	// Buy 6 at a price ceiling of 60 should fill 2@50 + 3@55 + 1@60.
	price := 60
	matches := b.FindMatches(model.TypeBuy, &price, 6, "u1")
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	total := 0
	for _, m := range matches {
		total += m.FillQty
	}
	if total != 6 {
		t.Fatalf("expected total fill 6, got %d", total)
	}
	if matches[2].FillQty != 1 {
		t.Fatalf("expected partial fill 1 at 60, got %d", matches[2].FillQty)
	}
}

func TestMarketOrderNoPriceCeiling(t *testing.T) {
	b := NewOrderBook()

	b.Add(&OrderEntry{OrderID: "a1", UserID: "u2", OrderType: model.TypeSell, PriceCents: 50, Qty: 10, RemainingQty: 10, Seq: 1})

	// nil price ceiling accepts the resting order at any price.
	matches := b.FindMatches(model.TypeBuy, nil, 5, "u1")
	if len(matches) != 1 || matches[0].FillQty != 5 {
		t.Fatalf("expected 1 match for 5 qty, got %d matches", len(matches))
	}
}

func TestSelfTradePreventionSkips(t *testing.T) {
	b := NewOrderBook()

	b.Add(&OrderEntry{OrderID: "a1", UserID: "u1", OrderType: model.TypeSell, PriceCents: 50, Qty: 5, RemainingQty: 5, Seq: 1})
	b.Add(&OrderEntry{OrderID: "a2", UserID: "u2", OrderType: model.TypeSell, PriceCents: 55, Qty: 5, RemainingQty: 5, Seq: 2})

	price := 99
	matches := b.FindMatches(model.TypeBuy, &price, 3, "u1")
	if len(matches) != 1 {
		t.Fatalf("expected 1 match (skipping own order), got %d", len(matches))
	}
	if matches[0].Entry.UserID != "u2" {
		t.Fatalf("expected match with u2, got %s", matches[0].Entry.UserID)
	}
}

func TestRemoveOrder(t *testing.T) {
	b := NewOrderBook()
	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", OrderType: model.TypeBuy, PriceCents: 50, Qty: 5, RemainingQty: 5, Seq: 1})
	b.Add(&OrderEntry{OrderID: "b2", UserID: "u1", OrderType: model.TypeBuy, PriceCents: 50, Qty: 3, RemainingQty: 3, Seq: 2})

	removed := b.Remove("b1")
	if removed == nil || removed.OrderID != "b1" {
		t.Fatal("expected to remove b1")
	}
	if b.Size() != 1 {
		t.Fatalf("expected size 1 after remove, got %d", b.Size())
	}
	if bb := b.BestBid(); bb == nil || *bb != 50 {
		t.Fatal("best bid should still be 50")
	}
}

func TestRemoveLastAtLevel(t *testing.T) {
	b := NewOrderBook()
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u1", OrderType: model.TypeSell, PriceCents: 50, Qty: 5, RemainingQty: 5, Seq: 1})
	b.Remove("a1")

	if b.BestAsk() != nil {
		t.Fatal("expected no best ask after removing the only order")
	}
	if b.Size() != 0 {
		t.Fatal("expected empty book")
	}
}

func TestApplyFillPartial(t *testing.T) {
	b := NewOrderBook()
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u1", OrderType: model.TypeSell, PriceCents: 50, Qty: 10, RemainingQty: 10, Seq: 1})

	rem := b.ApplyFill("a1", 3)
	if rem != 7 {
		t.Fatalf("expected remaining 7, got %d", rem)
	}
	if b.Size() != 1 {
		t.Fatal("order should still be in book")
	}
}

func TestApplyFillFull(t *testing.T) {
	b := NewOrderBook()
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u1", OrderType: model.TypeSell, PriceCents: 50, Qty: 5, RemainingQty: 5, Seq: 1})

	rem := b.ApplyFill("a1", 5)
	if rem != 0 {
		t.Fatalf("expected remaining 0, got %d", rem)
	}
	if b.Size() != 0 {
		t.Fatal("order should be removed from book once fully filled")
	}
}

func TestSnapshotDepth(t *testing.T) {
	b := NewOrderBook()
	for i := 1; i <= 5; i++ {
		b.Add(&OrderEntry{OrderID: "b" + string(rune('0'+i)), UserID: "u1", OrderType: model.TypeBuy, PriceCents: 40 + i, Qty: 1, RemainingQty: 1, Seq: int64(i)})
	}
	for i := 1; i <= 5; i++ {
		b.Add(&OrderEntry{OrderID: "a" + string(rune('0'+i)), UserID: "u2", OrderType: model.TypeSell, PriceCents: 50 + i, Qty: 1, RemainingQty: 1, Seq: int64(5 + i)})
	}

	bids, asks := b.Snapshot(3)
	if len(bids) != 3 {
		t.Fatalf("expected 3 bid levels, got %d", len(bids))
	}
	if len(asks) != 3 {
		t.Fatalf("expected 3 ask levels, got %d", len(asks))
	}
	if bids[0].PriceCents != 45 {
		t.Fatalf("expected top bid 45, got %d", bids[0].PriceCents)
	}
	if asks[0].PriceCents != 51 {
		t.Fatalf("expected top ask 51, got %d", asks[0].PriceCents)
	}
}

func TestDuplicateAddIgnored(t *testing.T) {
	b := NewOrderBook()
	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", OrderType: model.TypeBuy, PriceCents: 50, Qty: 5, RemainingQty: 5, Seq: 1})
	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", OrderType: model.TypeBuy, PriceCents: 50, Qty: 5, RemainingQty: 5, Seq: 2})

	if b.Size() != 1 {
		t.Fatalf("expected size 1 (duplicate order ID ignored), got %d", b.Size())
	}
}

func TestFindMatchesSellSide(t *testing.T) {
	b := NewOrderBook()

	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", OrderType: model.TypeBuy, PriceCents: 60, Qty: 5, RemainingQty: 5, Seq: 1})
	b.Add(&OrderEntry{OrderID: "b2", UserID: "u1", OrderType: model.TypeBuy, PriceCents: 55, Qty: 5, RemainingQty: 5, Seq: 2})

	// A SELL floored at 55 should match the best bid (60) first, then 55.
	price := 55
	matches := b.FindMatches(model.TypeSell, &price, 8, "u2")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].FillPrice != 60 {
		t.Fatalf("expected first fill at 60, got %d", matches[0].FillPrice)
	}
	total := 0
	for _, m := range matches {
		total += m.FillQty
	}
	if total != 8 {
		t.Fatalf("expected total 8, got %d", total)
	}
}

func TestMidpointFallsBackWhenOneSided(t *testing.T) {
	b := NewOrderBook()
	if mid := b.Midpoint(); mid != 0.5 {
		t.Fatalf("expected 0.5 on an empty book, got %v", mid)
	}

	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", OrderType: model.TypeBuy, PriceCents: 40, Qty: 1, RemainingQty: 1, Seq: 1})
	if mid := b.Midpoint(); mid != 0.4 {
		t.Fatalf("expected 0.4 bid-only, got %v", mid)
	}

	b.Add(&OrderEntry{OrderID: "a1", UserID: "u2", OrderType: model.TypeSell, PriceCents: 60, Qty: 1, RemainingQty: 1, Seq: 2})
	if mid := b.Midpoint(); mid != 0.5 {
		t.Fatalf("expected 0.5 midpoint of 40/60, got %v", mid)
	}
}

func TestOrdersAtPriceReturnsBuyOrdersOldestFirst(t *testing.T) {
	b := NewOrderBook()
	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", OrderType: model.TypeBuy, PriceCents: 50, Qty: 2, RemainingQty: 2, Seq: 1})
	b.Add(&OrderEntry{OrderID: "b2", UserID: "u2", OrderType: model.TypeBuy, PriceCents: 50, Qty: 3, RemainingQty: 3, Seq: 2})

	orders := b.OrdersAtPrice(50)
	if len(orders) != 2 || orders[0].OrderID != "b1" || orders[1].OrderID != "b2" {
		t.Fatalf("expected [b1 b2] oldest-first, got %+v", orders)
	}
}

func TestTwoSidedBookIndependence(t *testing.T) {
	tb := NewTwoSidedBook()
	tb.Side(model.SideYes).Add(&OrderEntry{OrderID: "y1", UserID: "u1", OrderType: model.TypeBuy, PriceCents: 60, Qty: 1, RemainingQty: 1, Seq: 1})

	if tb.Side(model.SideYes).Size() != 1 {
		t.Fatal("expected 1 order on the YES side")
	}
	if tb.Side(model.SideNo).Size() != 0 {
		t.Fatal("expected the NO side to remain empty")
	}
}
