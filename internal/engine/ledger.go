package engine

import (
	"context"

	"prediction-exchange/internal/model"
)

// Ledger is the persistence boundary the matching/minting engine
// depends on. internal/db.Store implements it against Postgres; tests
// in this package back it with an in-memory fake so the engine's
// matching/minting/resolution logic can be exercised without a
// database, keeping the pure book math (OrderBook) separate from the
// store-backed MarketEngine.
type Ledger interface {
	GetMarket(ctx context.Context, marketID string) (*model.Market, error)
	GetOpenMarkets(ctx context.Context) ([]model.Market, error)
	SetMarketMidpoints(ctx context.Context, marketID string, yesMid, noMid float64) error
	ResolveMarket(ctx context.Context, marketID string, outcome model.Side) error
	DeleteMarketCascade(ctx context.Context, marketID string) error

	NextSeq(ctx context.Context, marketID string) (int64, error)
	InsertOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	ListOpenOrders(ctx context.Context, marketID string) ([]model.Order, error)
	SetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error

	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	AdjustBalance(ctx context.Context, userID string, deltaCents int64) error

	GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error)
	ListPositions(ctx context.Context, marketID string) ([]model.Position, error)

	// ApplyFill and ApplyMint perform one fill step's worth of
	// mutation atomically: ledger debit/credit, position transfer or
	// credit, order fill advance, and trade append either all
	// succeed or none are observed. No atomicity is promised *across*
	// fill steps within a multi-fill operation.
	ApplyFill(ctx context.Context, f FillEffects) error
	ApplyMint(ctx context.Context, m MintEffects) error

	RefundPosition(ctx context.Context, marketID, userID string, cents int64) error
	RefundOrder(ctx context.Context, orderID string, cents int64) error
}

// FillEffects describes one MATCH execution step. BuyOrderID/
// SellOrderID are nil for the leg of a market-order sweep that never
// rested on the book.
type FillEffects struct {
	MarketID      string
	Side          model.Side
	PriceCents    int
	Qty           int
	BuyUserID     string
	SellUserID    string
	BuyOrderID    *string
	SellOrderID   *string
	BuyNewFilled  int
	BuyNewStatus  model.OrderStatus
	SellNewFilled int
	SellNewStatus model.OrderStatus
	TradeID       string
	Seq           int64
	IsMarketOrder bool
}

// MintEffects describes one MINT execution step: taker and candidate
// are both BUY orders on opposite sides whose prices sum to 100
// cents.
type MintEffects struct {
	MarketID           string
	TakerUserID        string
	CandidateUserID    string
	TakerSide          model.Side
	TakerOrderID       string
	CandidateOrderID   string
	TakerPriceCents    int
	CandidatePriceCents int
	Qty                int
	TakerNewFilled     int
	TakerNewStatus     model.OrderStatus
	CandidateNewFilled int
	CandidateNewStatus model.OrderStatus
	TradeID            string
	Seq                int64
}
