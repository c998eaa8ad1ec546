package engine

import (
	"context"
	"testing"

	"prediction-exchange/internal/metrics"
	"prediction-exchange/internal/model"
)

func newTestEngine(t *testing.T, marketID string, ledger *fakeLedger) *MarketEngine {
	t.Helper()
	ledger.addMarket(marketID)
	eng, err := newMarketEngine(context.Background(), marketID, ledger, nil, metrics.Noop())
	if err != nil {
		t.Fatalf("newMarketEngine: %v", err)
	}
	return eng
}

func TestSubmitLimitRestsWhenNoCounterparty(t *testing.T) {
	ledger := newFakeLedger()
	ledger.fundWallet("alice", 10000)
	eng := newTestEngine(t, "m1", ledger)

	order, trades, err := eng.submitLimit(context.Background(), "alice", model.PlaceLimitReq{
		Side: model.SideYes, OrderType: model.TypeBuy, PriceCents: 40, Qty: 10,
	})
	if err != nil {
		t.Fatalf("submitLimit: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(trades))
	}
	if order.Status != model.StatusOpen {
		t.Fatalf("expected OPEN, got %s", order.Status)
	}
	if eng.book.Side(model.SideYes).Size() != 1 {
		t.Fatal("expected the order to rest on the YES book")
	}
}

func TestSubmitLimitMatchesRestingOpposite(t *testing.T) {
	ledger := newFakeLedger()
	ledger.fundWallet("alice", 10000)
	ledger.fundWallet("bob", 10000)
	eng := newTestEngine(t, "m1", ledger)
	ledger.setPosition("m1", "bob", 5, 0)

	// Bob rests a SELL YES at 60; Alice buys YES at 60, matching it.
	if _, _, err := eng.submitLimit(context.Background(), "bob", model.PlaceLimitReq{
		Side: model.SideYes, OrderType: model.TypeSell, PriceCents: 60, Qty: 5,
	}); err != nil {
		t.Fatalf("bob's resting SELL failed to submit: %v", err)
	}

	order, trades, err := eng.submitLimit(context.Background(), "alice", model.PlaceLimitReq{
		Side: model.SideYes, OrderType: model.TypeBuy, PriceCents: 60, Qty: 5,
	})
	if err != nil {
		t.Fatalf("submitLimit: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if order.Status != model.StatusFilled {
		t.Fatalf("expected FILLED, got %s", order.Status)
	}

	aliceWallet, _ := ledger.GetWallet(context.Background(), "alice")
	if aliceWallet.BalanceCents != 10000-5*60 {
		t.Fatalf("expected alice debited 300 cents, got balance %d", aliceWallet.BalanceCents)
	}
	bobWallet, _ := ledger.GetWallet(context.Background(), "bob")
	if bobWallet.BalanceCents != 10000+5*60 {
		t.Fatalf("expected bob credited 300 cents, got balance %d", bobWallet.BalanceCents)
	}
}

// With no YES holding seeded, bob's SELL must fail checkShareHolding
// (the test above seeds a position via the fake ledger to get past
// this check and isolate matching).
func TestSubmitLimitSellRequiresShares(t *testing.T) {
	ledger := newFakeLedger()
	ledger.fundWallet("bob", 10000)
	eng := newTestEngine(t, "m1", ledger)

	_, _, err := eng.submitLimit(context.Background(), "bob", model.PlaceLimitReq{
		Side: model.SideYes, OrderType: model.TypeSell, PriceCents: 60, Qty: 5,
	})
	if err == nil {
		t.Fatal("expected an error selling shares bob doesn't hold")
	}
}

func TestSubmitLimitBuyRequiresBalance(t *testing.T) {
	ledger := newFakeLedger()
	ledger.fundWallet("alice", 10)
	eng := newTestEngine(t, "m1", ledger)

	_, _, err := eng.submitLimit(context.Background(), "alice", model.PlaceLimitReq{
		Side: model.SideYes, OrderType: model.TypeBuy, PriceCents: 40, Qty: 10,
	})
	if err == nil {
		t.Fatal("expected insufficient-balance error")
	}
}

func TestSubmitLimitRejectsOutOfRangePrice(t *testing.T) {
	ledger := newFakeLedger()
	ledger.fundWallet("alice", 10000)
	eng := newTestEngine(t, "m1", ledger)

	if _, _, err := eng.submitLimit(context.Background(), "alice", model.PlaceLimitReq{
		Side: model.SideYes, OrderType: model.TypeBuy, PriceCents: 0, Qty: 1,
	}); err == nil {
		t.Fatal("expected price=0 to be rejected")
	}
	if _, _, err := eng.submitLimit(context.Background(), "alice", model.PlaceLimitReq{
		Side: model.SideYes, OrderType: model.TypeBuy, PriceCents: 100, Qty: 1,
	}); err == nil {
		t.Fatal("expected price=100 to be rejected")
	}
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	ledger := newFakeLedger()
	ledger.fundWallet("alice", 10000)
	eng := newTestEngine(t, "m1", ledger)

	order, _, err := eng.submitLimit(context.Background(), "alice", model.PlaceLimitReq{
		Side: model.SideYes, OrderType: model.TypeBuy, PriceCents: 40, Qty: 10,
	})
	if err != nil {
		t.Fatalf("submitLimit: %v", err)
	}

	if err := eng.cancel(context.Background(), order.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if eng.book.Side(model.SideYes).Size() != 0 {
		t.Fatal("expected the book to be empty after cancel")
	}
}

func TestCancelRejectsNonOwner(t *testing.T) {
	ledger := newFakeLedger()
	ledger.fundWallet("alice", 10000)
	eng := newTestEngine(t, "m1", ledger)

	order, _, err := eng.submitLimit(context.Background(), "alice", model.PlaceLimitReq{
		Side: model.SideYes, OrderType: model.TypeBuy, PriceCents: 40, Qty: 10,
	})
	if err != nil {
		t.Fatalf("submitLimit: %v", err)
	}

	if err := eng.cancel(context.Background(), order.ID, "mallory"); err == nil {
		t.Fatal("expected cancel by a non-owner to fail")
	}

	unchanged, _ := ledger.GetOrder(context.Background(), order.ID)
	if unchanged.Status != model.StatusOpen {
		t.Fatalf("expected the order untouched by the rejected cancel, got status %s", unchanged.Status)
	}
	if eng.book.Side(model.SideYes).Get(order.ID) == nil {
		t.Fatal("expected the order to still rest on the book")
	}
}
