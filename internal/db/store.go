// Package db is the ledger store: persistent records for markets,
// orders, trades and positions, plus the atomic fill/mint mutation
// batches the matching engine depends on through internal/engine.Ledger.
// Uses database/sql + lib/pq + golang-migrate with tx-threaded helper
// functions; positions carry both YES and NO shares, and the wallet
// debits at fill time rather than locking funds at submit time (see
// DESIGN.md).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"prediction-exchange/internal/engine"
	"prediction-exchange/internal/model"
	"prediction-exchange/internal/position"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: sqlDB}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// ── Users / wallets (ambient — thin auth collaborator) ──────────────

func (s *Store) CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, role) VALUES ($1,$2,$3)
		 RETURNING id, email, password_hash, role, created_at`, email, hash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE email=$1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) CreateWallet(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO wallets (user_id) VALUES ($1)`, userID)
	return err
}

func (s *Store) DepositWallet(ctx context.Context, userID string, cents int64) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`UPDATE wallets SET balance_cents = balance_cents + $1 WHERE user_id=$2
		 RETURNING user_id, balance_cents`, cents, userID,
	).Scan(&w.UserID, &w.BalanceCents)
	return w, err
}

func (s *Store) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, balance_cents FROM wallets WHERE user_id=$1`, userID,
	).Scan(&w.UserID, &w.BalanceCents)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *Store) AdjustBalance(ctx context.Context, userID string, deltaCents int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE wallets SET balance_cents = balance_cents + $1 WHERE user_id=$2`, deltaCents, userID)
	return err
}

// ── Markets ──────────────────────────────────────────

func (s *Store) CreateMarket(ctx context.Context, slug, title, desc string) (*model.Market, error) {
	m := &model.Market{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO markets (slug,title,description) VALUES ($1,$2,$3)
		 RETURNING id,slug,title,description,status,resolved_outcome,current_yes_price,current_no_price,total_volume_cents,created_at,resolved_at`,
		slug, title, desc,
	).Scan(&m.ID, &m.Slug, &m.Title, &m.Description, &m.Status, &m.ResolvedOutcome, &m.CurrentYesPrice, &m.CurrentNoPrice, &m.TotalVolumeCents, &m.CreatedAt, &m.ResolvedAt)
	return m, err
}

func (s *Store) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,slug,title,description,status,resolved_outcome,current_yes_price,current_no_price,total_volume_cents,created_at,resolved_at
		 FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMarkets(rows)
}

func (s *Store) GetOpenMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,slug,title,description,status,resolved_outcome,current_yes_price,current_no_price,total_volume_cents,created_at,resolved_at
		 FROM markets WHERE status='active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMarkets(rows)
}

func scanMarkets(rows *sql.Rows) ([]model.Market, error) {
	var out []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.Slug, &m.Title, &m.Description, &m.Status, &m.ResolvedOutcome, &m.CurrentYesPrice, &m.CurrentNoPrice, &m.TotalVolumeCents, &m.CreatedAt, &m.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m := &model.Market{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id,slug,title,description,status,resolved_outcome,current_yes_price,current_no_price,total_volume_cents,created_at,resolved_at
		 FROM markets WHERE id=$1`, id,
	).Scan(&m.ID, &m.Slug, &m.Title, &m.Description, &m.Status, &m.ResolvedOutcome, &m.CurrentYesPrice, &m.CurrentNoPrice, &m.TotalVolumeCents, &m.CreatedAt, &m.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *Store) SetMarketMidpoints(ctx context.Context, marketID string, yesMid, noMid float64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE markets SET current_yes_price=$1, current_no_price=$2 WHERE id=$3`, yesMid, noMid, marketID)
	return err
}

func (s *Store) ResolveMarket(ctx context.Context, marketID string, outcome model.Side) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE markets SET status='resolved', resolved_outcome=$1, resolved_at=now() WHERE id=$2`, outcome, marketID)
	return err
}

func (s *Store) DeleteMarketCascade(ctx context.Context, marketID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE market_id=$1`, marketID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE market_id=$1`, marketID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE market_id=$1`, marketID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM markets WHERE id=$1`, marketID); err != nil {
		return err
	}
	return tx.Commit()
}

// ── Orders ───────────────────────────────────────────

func (s *Store) NextSeq(ctx context.Context, marketID string) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0) FROM (
			SELECT seq FROM orders WHERE market_id=$1
			UNION ALL SELECT seq FROM trades WHERE market_id=$1
		 ) t`, marketID,
	).Scan(&seq)
	return seq + 1, err
}

func (s *Store) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.DB.QueryRowContext(ctx,
		`INSERT INTO orders (id,market_id,user_id,side,order_type,price_cents,qty,filled_qty,status,seq)
		 VALUES (COALESCE(NULLIF($1,''), gen_random_uuid()::text),$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 RETURNING id, created_at, updated_at`,
		o.ID, o.MarketID, o.UserID, o.Side, o.OrderType, o.PriceCents, o.Qty, o.FilledQty, o.Status, o.Seq,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o := &model.Order{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id,market_id,user_id,side,order_type,price_cents,qty,filled_qty,status,seq,created_at,updated_at
		 FROM orders WHERE id=$1`, id,
	).Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.OrderType, &o.PriceCents, &o.Qty, &o.FilledQty, &o.Status, &o.Seq, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Store) ListOpenOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,market_id,user_id,side,order_type,price_cents,qty,filled_qty,status,seq,created_at,updated_at
		 FROM orders WHERE market_id=$1 AND status IN ('OPEN','PARTIAL') ORDER BY seq`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) ListUserOrders(ctx context.Context, marketID, userID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,market_id,user_id,side,order_type,price_cents,qty,filled_qty,status,seq,created_at,updated_at
		 FROM orders WHERE market_id=$1 AND user_id=$2 ORDER BY created_at DESC LIMIT 200`, marketID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) SetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE orders SET status=$1, updated_at=now() WHERE id=$2`, status, orderID)
	return err
}

func scanOrders(rows *sql.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.OrderType, &o.PriceCents, &o.Qty, &o.FilledQty, &o.Status, &o.Seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// ── Trades ───────────────────────────────────────────

func (s *Store) ListTrades(ctx context.Context, marketID string, limit int) ([]model.Trade, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,market_id,buy_order_id,sell_order_id,buyer_id,seller_id,side,price_cents,qty,kind,is_market_order,seq,created_at
		 FROM trades WHERE market_id=$1 ORDER BY created_at DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.ID, &t.MarketID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &t.Side, &t.PriceCents, &t.Qty, &t.Kind, &t.IsMarketOrder, &t.Seq, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ── Positions ────────────────────────────────────────

func (s *Store) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	p := &model.Position{MarketID: marketID, UserID: userID}
	err := s.DB.QueryRowContext(ctx,
		`SELECT yes_shares,no_shares,avg_yes_price_cents,avg_no_price_cents FROM positions WHERE market_id=$1 AND user_id=$2`,
		marketID, userID,
	).Scan(&p.YesShares, &p.NoShares, &p.AvgYesPriceCents, &p.AvgNoPriceCents)
	if err == sql.ErrNoRows {
		return p, nil // zero position: valid, not yet persisted
	}
	return p, err
}

func (s *Store) ListPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT market_id,user_id,yes_shares,no_shares,avg_yes_price_cents,avg_no_price_cents FROM positions WHERE market_id=$1`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.MarketID, &p.UserID, &p.YesShares, &p.NoShares, &p.AvgYesPriceCents, &p.AvgNoPriceCents); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) RefundPosition(ctx context.Context, marketID, userID string, cents int64) error {
	return s.AdjustBalance(ctx, userID, cents)
}

func (s *Store) RefundOrder(ctx context.Context, orderID string, cents int64) error {
	var userID string
	if err := s.DB.QueryRowContext(ctx, `SELECT user_id FROM orders WHERE id=$1`, orderID).Scan(&userID); err != nil {
		return err
	}
	return s.AdjustBalance(ctx, userID, cents)
}

// upsertPosition applies a credit (qty>0) of side shares at priceCents
// inside tx, creating the row on first credit.
func upsertPosition(ctx context.Context, tx *sql.Tx, marketID, userID string, side model.Side, qty int, priceCents int) error {
	var yes, no int
	var avgYes, avgNo float64
	err := tx.QueryRowContext(ctx,
		`SELECT yes_shares,no_shares,avg_yes_price_cents,avg_no_price_cents FROM positions WHERE market_id=$1 AND user_id=$2 FOR UPDATE`,
		marketID, userID,
	).Scan(&yes, &no, &avgYes, &avgNo)
	exists := true
	if err == sql.ErrNoRows {
		exists = false
		err = nil
	}
	if err != nil {
		return err
	}

	if side == model.SideYes {
		yes, avgYes = position.Credit(yes, avgYes, qty, priceCents)
	} else {
		no, avgNo = position.Credit(no, avgNo, qty, priceCents)
	}

	if !exists {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO positions (market_id,user_id,yes_shares,no_shares,avg_yes_price_cents,avg_no_price_cents)
			 VALUES ($1,$2,$3,$4,$5,$6)`, marketID, userID, yes, no, avgYes, avgNo)
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE positions SET yes_shares=$1,no_shares=$2,avg_yes_price_cents=$3,avg_no_price_cents=$4 WHERE market_id=$5 AND user_id=$6`,
		yes, no, avgYes, avgNo, marketID, userID)
	return err
}

// debitPosition subtracts qty shares of side from the position inside
// tx; the row must already exist (callers verify share-sufficiency at
// submit time).
func debitPosition(ctx context.Context, tx *sql.Tx, marketID, userID string, side model.Side, qty int) error {
	col := "yes_shares"
	if side == model.SideNo {
		col = "no_shares"
	}
	_, err := tx.ExecContext(ctx, `UPDATE positions SET `+col+` = `+col+` - $1 WHERE market_id=$2 AND user_id=$3`, qty, marketID, userID)
	return err
}

func setOrderFillTx(ctx context.Context, tx *sql.Tx, orderID string, filled int, status model.OrderStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE orders SET filled_qty=$1, status=$2, updated_at=now() WHERE id=$3`, filled, status, orderID)
	return err
}

func insertTradeTx(ctx context.Context, tx *sql.Tx, t *model.Trade) error {
	return tx.QueryRowContext(ctx,
		`INSERT INTO trades (id,market_id,buy_order_id,sell_order_id,buyer_id,seller_id,side,price_cents,qty,kind,is_market_order,seq)
		 VALUES (COALESCE(NULLIF($1,''), gen_random_uuid()::text),$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 RETURNING id, created_at`,
		t.ID, t.MarketID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID, t.Side, t.PriceCents, t.Qty, t.Kind, t.IsMarketOrder, t.Seq,
	).Scan(&t.ID, &t.CreatedAt)
}

// ApplyFill executes one MATCH step atomically: buyer debit, seller
// credit, share transfer, both orders' fill advance, trade append,
// market volume increment.
func (s *Store) ApplyFill(ctx context.Context, f engine.FillEffects) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	valueCents := int64(f.PriceCents) * int64(f.Qty)

	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET balance_cents = balance_cents - $1 WHERE user_id=$2`, valueCents, f.BuyUserID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET balance_cents = balance_cents + $1 WHERE user_id=$2`, valueCents, f.SellUserID); err != nil {
		return err
	}

	if err := debitPosition(ctx, tx, f.MarketID, f.SellUserID, f.Side, f.Qty); err != nil {
		return err
	}
	if err := upsertPosition(ctx, tx, f.MarketID, f.BuyUserID, f.Side, f.Qty, f.PriceCents); err != nil {
		return err
	}

	if f.BuyOrderID != nil {
		if err := setOrderFillTx(ctx, tx, *f.BuyOrderID, f.BuyNewFilled, f.BuyNewStatus); err != nil {
			return err
		}
	}
	if f.SellOrderID != nil {
		if err := setOrderFillTx(ctx, tx, *f.SellOrderID, f.SellNewFilled, f.SellNewStatus); err != nil {
			return err
		}
	}

	trade := &model.Trade{
		ID: f.TradeID, MarketID: f.MarketID, BuyOrderID: f.BuyOrderID, SellOrderID: f.SellOrderID,
		BuyerID: f.BuyUserID, SellerID: f.SellUserID, Side: f.Side, PriceCents: f.PriceCents, Qty: f.Qty,
		Kind: model.TradeMatch, IsMarketOrder: f.IsMarketOrder, Seq: f.Seq,
	}
	if err := insertTradeTx(ctx, tx, trade); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE markets SET total_volume_cents = total_volume_cents + $1 WHERE id=$2`, valueCents, f.MarketID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Debug().Str("market_id", f.MarketID).Int("price_cents", f.PriceCents).Int("qty", f.Qty).Msg("fill applied")
	return nil
}

// ApplyMint executes one MINT step atomically: both legs debited,
// both legs credited with their own side's shares, both orders' fill
// advance, trade append, market volume increment by one dollar per
// pair minted.
func (s *Store) ApplyMint(ctx context.Context, m engine.MintEffects) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	takerCost := int64(m.TakerPriceCents) * int64(m.Qty)
	candidateCost := int64(m.CandidatePriceCents) * int64(m.Qty)

	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET balance_cents = balance_cents - $1 WHERE user_id=$2`, takerCost, m.TakerUserID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET balance_cents = balance_cents - $1 WHERE user_id=$2`, candidateCost, m.CandidateUserID); err != nil {
		return err
	}

	if err := upsertPosition(ctx, tx, m.MarketID, m.TakerUserID, m.TakerSide, m.Qty, m.TakerPriceCents); err != nil {
		return err
	}
	if err := upsertPosition(ctx, tx, m.MarketID, m.CandidateUserID, m.TakerSide.Opposite(), m.Qty, m.CandidatePriceCents); err != nil {
		return err
	}

	if err := setOrderFillTx(ctx, tx, m.TakerOrderID, m.TakerNewFilled, m.TakerNewStatus); err != nil {
		return err
	}
	if err := setOrderFillTx(ctx, tx, m.CandidateOrderID, m.CandidateNewFilled, m.CandidateNewStatus); err != nil {
		return err
	}

	buyOrderID, sellOrderID := m.TakerOrderID, m.CandidateOrderID
	trade := &model.Trade{
		ID: m.TradeID, MarketID: m.MarketID, BuyOrderID: &buyOrderID, SellOrderID: &sellOrderID,
		BuyerID: m.TakerUserID, SellerID: m.CandidateUserID, Side: m.TakerSide, PriceCents: m.TakerPriceCents,
		Qty: m.Qty, Kind: model.TradeMint, Seq: m.Seq,
	}
	if err := insertTradeTx(ctx, tx, trade); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE markets SET total_volume_cents = total_volume_cents + $1 WHERE id=$2`, int64(m.Qty)*100, m.MarketID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Debug().Str("market_id", m.MarketID).Int("qty", m.Qty).Msg("mint applied")
	return nil
}
