// Package api is the HTTP adapter: chi router, JWT auth, and thin
// handlers that validate input then hand off to db.Store (reads) or
// engine.Manager (anything that mutates a market's book).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"prediction-exchange/internal/apperr"
	"prediction-exchange/internal/db"
	"prediction-exchange/internal/engine"
	"prediction-exchange/internal/model"
	"prediction-exchange/internal/ws"
)

type Server struct {
	store   *db.Store
	manager *engine.Manager
	hub     *ws.Hub
	secret  []byte
}

func NewServer(store *db.Store, mgr *engine.Manager, hub *ws.Hub, secret string) *Server {
	return &Server{store: store, manager: mgr, hub: hub, secret: []byte(secret)}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	r.Get("/ws", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/wallet", s.getWallet)

		r.Get("/api/markets", s.listMarkets)
		r.Get("/api/markets/{id}", s.getMarket)
		r.Get("/api/markets/{id}/book", s.getBook)
		r.Get("/api/markets/{id}/trades", s.getTrades)

		r.Post("/api/markets/{id}/orders/limit", s.placeLimitOrder)
		r.Post("/api/markets/{id}/orders/market", s.placeMarketOrder)
		r.Delete("/api/orders/{id}", s.cancelOrder)
		r.Get("/api/markets/{id}/orders", s.listOrders)

		r.Get("/api/markets/{id}/positions", s.listPositions)
		r.Get("/api/markets/{id}/positions/me", s.getMyPosition)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/markets", s.createMarket)
			r.Post("/api/admin/markets/{id}/resolve", s.resolveMarket)
			r.Delete("/api/admin/markets/{id}", s.deleteMarket)
			r.Post("/api/admin/deposit", s.adminDeposit)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}

	existing, _ := s.store.GetUserByEmail(r.Context(), req.Email)
	if existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash), model.RoleUser)
	if err != nil {
		jsonErr(w, 500, "create user failed: "+err.Error())
		return
	}
	if err := s.store.CreateWallet(r.Context(), user.ID); err != nil {
		jsonErr(w, 500, "create wallet failed")
		return
	}

	token := s.makeToken(user.ID, user.Role)
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	token := s.makeToken(user.ID, user.Role)
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) makeToken(userID string, role model.Role) string {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Wallet ───────────────────────────────────────────

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	wallet, err := s.store.GetWallet(r.Context(), uid)
	if err != nil || wallet == nil {
		jsonErr(w, 404, "wallet not found")
		return
	}
	json200(w, wallet)
}

// ── Markets ──────────────────────────────────────────

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	json200(w, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mkt, err := s.store.GetMarket(r.Context(), id)
	if err != nil || mkt == nil {
		jsonErr(w, 404, "market not found")
		return
	}
	json200(w, mkt)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.manager.Snapshot(id)
	if !ok {
		jsonErr(w, 404, "engine not running for this market")
		return
	}
	json200(w, snap)
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 200 {
		limit = n
	}
	trades, err := s.store.ListTrades(r.Context(), id, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	json200(w, trades)
}

// ── Orders ───────────────────────────────────────────

func (s *Server) placeLimitOrder(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	var req model.PlaceLimitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Side != model.SideYes && req.Side != model.SideNo {
		jsonErr(w, 400, "side must be YES or NO")
		return
	}
	if req.OrderType != model.TypeBuy && req.OrderType != model.TypeSell {
		jsonErr(w, 400, "order_type must be BUY or SELL")
		return
	}

	eng, err := s.engineFor(r.Context(), marketID)
	if err != nil {
		jsonAppErr(w, err)
		return
	}

	order, trades, err := eng.SubmitLimit(uid, req)
	if err != nil {
		jsonAppErr(w, err)
		return
	}
	json200(w, model.OrderResult{Order: order, Trades: trades})
}

func (s *Server) placeMarketOrder(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	var req model.PlaceMarketReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Side != model.SideYes && req.Side != model.SideNo {
		jsonErr(w, 400, "side must be YES or NO")
		return
	}
	if req.OrderType != model.TypeBuy && req.OrderType != model.TypeSell {
		jsonErr(w, 400, "order_type must be BUY or SELL")
		return
	}

	eng, err := s.engineFor(r.Context(), marketID)
	if err != nil {
		jsonAppErr(w, err)
		return
	}

	result, err := eng.SubmitMarket(uid, req)
	if err != nil {
		jsonAppErr(w, err)
		return
	}
	json200(w, result)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)

	order, err := s.store.GetOrder(r.Context(), orderID)
	if err != nil || order == nil {
		jsonErr(w, 404, "order not found")
		return
	}
	if order.UserID != uid {
		jsonErr(w, 403, "not your order")
		return
	}

	eng := s.manager.GetEngine(order.MarketID)
	if eng == nil {
		jsonErr(w, 500, "engine not running")
		return
	}
	if err := eng.Cancel(orderID, uid); err != nil {
		jsonAppErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "cancelled"})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)
	orders, err := s.store.ListUserOrders(r.Context(), marketID, uid)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	json200(w, orders)
}

// ── Positions ────────────────────────────────────────

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	positions, err := s.store.ListPositions(r.Context(), marketID)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	json200(w, positions)
}

func (s *Server) getMyPosition(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	uid := r.Context().Value(ctxUserID).(string)
	p, err := s.store.GetPosition(r.Context(), marketID, uid)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, p)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug        string `json:"slug"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Slug == "" || req.Title == "" {
		jsonErr(w, 400, "slug and title required")
		return
	}

	mkt, err := s.store.CreateMarket(r.Context(), req.Slug, req.Title, req.Description)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}

	if err := s.manager.StartEngine(r.Context(), mkt.ID); err != nil {
		log.Error().Err(err).Str("market_id", mkt.ID).Msg("api: failed to start engine")
	}

	w.WriteHeader(201)
	json.NewEncoder(w).Encode(mkt)
}

func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")

	var req struct {
		Outcome model.Side `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Outcome != model.SideYes && req.Outcome != model.SideNo {
		jsonErr(w, 400, "outcome must be YES or NO")
		return
	}

	eng := s.manager.GetEngine(marketID)
	if eng == nil {
		jsonErr(w, 404, "engine not running for this market")
		return
	}
	if err := eng.Resolve(req.Outcome); err != nil {
		jsonAppErr(w, err)
		return
	}
	s.manager.StopEngine(marketID)
	json200(w, map[string]string{"status": "resolved", "outcome": string(req.Outcome)})
}

func (s *Server) deleteMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")

	eng := s.manager.GetEngine(marketID)
	if eng == nil {
		jsonErr(w, 404, "engine not running for this market")
		return
	}
	if err := eng.Delete(); err != nil {
		jsonAppErr(w, err)
		return
	}
	s.manager.StopEngine(marketID)
	json200(w, map[string]string{"status": "deleted"})
}

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Cents  int64  `json:"cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.UserID == "" || req.Cents <= 0 {
		jsonErr(w, 400, "user_id and cents > 0 required")
		return
	}
	wallet, err := s.store.DepositWallet(r.Context(), req.UserID, req.Cents)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, wallet)
}

// ── Helpers ──────────────────────────────────────────

func (s *Server) engineFor(ctx context.Context, marketID string) (*engine.MarketEngine, error) {
	mkt, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if mkt == nil {
		return nil, apperr.NotFound("market not found")
	}
	if mkt.Status != model.MarketActive {
		return nil, apperr.Precondition("market not active")
	}
	eng := s.manager.GetEngine(marketID)
	if eng == nil {
		return nil, apperr.Internal("engine not running", nil)
	}
	return eng, nil
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// jsonAppErr maps an engine/store error to its apperr.Kind-derived
// status code rather than defaulting every failure to 400.
func jsonAppErr(w http.ResponseWriter, err error) {
	jsonErr(w, apperr.HTTPStatus(apperr.KindOf(err)), err.Error())
}
