// Package model holds the domain types shared across the ledger store,
// matching/minting engine, position service and HTTP/WS adapters.
package model

import "time"

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type MarketStatus string

const (
	MarketActive   MarketStatus = "active"
	MarketResolved MarketStatus = "resolved"
)

// Side is the binary outcome a share pays out on.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

type OrderType string

const (
	TypeBuy  OrderType = "BUY"
	TypeSell OrderType = "SELL"
)

type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

type TradeKind string

const (
	TradeMatch TradeKind = "MATCH"
	TradeMint  TradeKind = "MINT"
)

// ── Domain objects ───────────────────────────────────

// User is the external identity; auth (see internal/api) is a thin
// wrapper around it.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Wallet is the user's token balance. There is no locked/reserved
// column: per spec, funds are debited at fill time, not reserved at
// submit time (see DESIGN.md, "no up-front fund locking").
type Wallet struct {
	UserID       string `json:"user_id"`
	BalanceCents int64  `json:"balance_cents"`
}

type Market struct {
	ID              string       `json:"id"`
	Slug            string       `json:"slug"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Status          MarketStatus `json:"status"`
	ResolvedOutcome *Side        `json:"resolved_outcome,omitempty"`
	CurrentYesPrice float64      `json:"current_yes_price"`
	CurrentNoPrice  float64      `json:"current_no_price"`
	TotalVolumeCents int64       `json:"total_volume_cents"`
	CreatedAt       time.Time    `json:"created_at"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
}

// Order is a persisted limit order and always carries a price.
// Market-order sweeps create no Order row (their trades carry a nil
// order id on that leg); the only Order row a market order creates is
// the transient BUY order of the market-buy mint fallback.
type Order struct {
	ID           string      `json:"id"`
	MarketID     string      `json:"market_id"`
	UserID       string      `json:"user_id"`
	Side         Side        `json:"side"`
	OrderType    OrderType   `json:"order_type"`
	PriceCents   int         `json:"price_cents"`
	Qty          int         `json:"qty"`
	FilledQty    int         `json:"filled_qty"`
	Status       OrderStatus `json:"status"`
	Seq          int64       `json:"seq"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (o *Order) Remaining() int { return o.Qty - o.FilledQty }

// DeriveStatus computes the status implied by filled/qty, per the
// invariant FILLED⇔filled=quantity, PARTIAL⇔0<filled<quantity,
// OPEN⇔filled=0 (CANCELLED is never derived, only set explicitly).
func DeriveStatus(filled, qty int) OrderStatus {
	switch {
	case filled >= qty:
		return StatusFilled
	case filled > 0:
		return StatusPartial
	default:
		return StatusOpen
	}
}

// Trade is immutable once inserted. BuyOrderID/SellOrderID are nil
// for market-order sweep legs that never rested on the book.
type Trade struct {
	ID            string    `json:"id"`
	MarketID      string    `json:"market_id"`
	BuyOrderID    *string   `json:"buy_order_id"`
	SellOrderID   *string   `json:"sell_order_id"`
	BuyerID       string    `json:"buyer_id"`
	SellerID      string    `json:"seller_id"`
	Side          Side      `json:"side"`
	PriceCents    int       `json:"price_cents"`
	Qty           int       `json:"qty"`
	Kind          TradeKind `json:"kind"`
	IsMarketOrder bool      `json:"is_market_order"`
	Seq           int64     `json:"seq"`
	CreatedAt     time.Time `json:"created_at"`
}

// Position is unique per (user, market). AvgYesPriceCents/
// AvgNoPriceCents are float because a weighted average of integer
// cent prices is not itself integral.
type Position struct {
	MarketID         string  `json:"market_id"`
	UserID           string  `json:"user_id"`
	YesShares        int     `json:"yes_shares"`
	NoShares         int     `json:"no_shares"`
	AvgYesPriceCents float64 `json:"avg_yes_price_cents"`
	AvgNoPriceCents  float64 `json:"avg_no_price_cents"`
}

func (p *Position) Shares(side Side) int {
	if side == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

func (p *Position) AvgPriceCents(side Side) float64 {
	if side == SideYes {
		return p.AvgYesPriceCents
	}
	return p.AvgNoPriceCents
}

// ── API request/response shapes ──────────────────────

type PlaceLimitReq struct {
	Side       Side      `json:"side"`
	OrderType  OrderType `json:"order_type"`
	PriceCents int       `json:"price_cents"`
	Qty        int       `json:"qty"`
}

type PlaceMarketReq struct {
	Side        Side      `json:"side"`
	OrderType   OrderType `json:"order_type"`
	TokenAmount int64     `json:"token_amount"` // budget cents (BUY) or share qty (SELL)
}

type OrderResult struct {
	Order  *Order  `json:"order"`
	Trades []Trade `json:"trades"`
}

type MarketOrderResult struct {
	SharesFilled int64   `json:"shares_filled"`
	TokensSpent  int64   `json:"tokens_spent"`
	AveragePrice float64 `json:"average_price"`
	Message      string  `json:"message"`
}

type BookLevel struct {
	PriceCents int `json:"price_cents"`
	Qty        int `json:"qty"`
}

type BookSide struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

type BookSnapshot struct {
	Yes      BookSide `json:"YES"`
	No       BookSide `json:"NO"`
	MidYes   float64  `json:"mid_yes"`
	MidNo    float64  `json:"mid_no"`
}
