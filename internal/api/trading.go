package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/alerts"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/orders"
)

// TradeRequest is the JSON body for POST /buy and POST /sell.
type TradeRequest struct {
	UserID  string `json:"user_id" validate:"required,max=64"`
	StockID string `json:"stock_id" validate:"required"`
	Shares  int64  `json:"shares" validate:"required,gt=0"`
}

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	UserID      string           `json:"user_id" validate:"required,max=64"`
	StockID     string           `json:"stock_id" validate:"required"`
	Type        model.OrderType  `json:"type" validate:"required,oneof=limitBuy limitSell stopLoss stopProfit"`
	Shares      int64            `json:"shares" validate:"required,gt=0"`
	TargetPrice *decimal.Decimal `json:"target_price" validate:"required"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

// AlertRequest is the JSON body for POST /alerts.
type AlertRequest struct {
	UserID      string           `json:"user_id" validate:"required,max=64"`
	StockID     string           `json:"stock_id" validate:"required"`
	Type        model.AlertType  `json:"type" validate:"required,oneof=above below changePercent"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`
	ChangePct   *decimal.Decimal `json:"change_pct,omitempty"`
}

// Buy handles POST /guilds/{guildID}/buy
// Buys at the stock's current price.
func (s *Server) Buy(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Portfolio.Buy(r.Context(), chi.URLParam(r, "guildID"), req.UserID, req.StockID, req.Shares)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /guilds/{guildID}/sell
func (s *Server) Sell(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Portfolio.Sell(r.Context(), chi.URLParam(r, "guildID"), req.UserID, req.StockID, req.Shares)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PlaceOrder handles POST /guilds/{guildID}/orders
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	o, err := s.Orders.Place(r.Context(), orders.PlaceInput{
		GuildID:     chi.URLParam(r, "guildID"),
		UserID:      req.UserID,
		StockID:     req.StockID,
		Type:        req.Type,
		Shares:      req.Shares,
		TargetPrice: *req.TargetPrice,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrders handles GET /guilds/{guildID}/users/{userID}/orders
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	list, err := s.Orders.ListUser(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []model.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CancelOrder handles DELETE /guilds/{guildID}/users/{userID}/orders/{orderID}
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Orders.Cancel(r.Context(),
		chi.URLParam(r, "guildID"), chi.URLParam(r, "userID"), chi.URLParam(r, "orderID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CreateAlert handles POST /guilds/{guildID}/alerts
func (s *Server) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.Alerts.Create(r.Context(), alerts.CreateInput{
		GuildID:     chi.URLParam(r, "guildID"),
		UserID:      req.UserID,
		StockID:     req.StockID,
		Type:        req.Type,
		TargetPrice: req.TargetPrice,
		ChangePct:   req.ChangePct,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListAlerts handles GET /guilds/{guildID}/users/{userID}/alerts
func (s *Server) ListAlerts(w http.ResponseWriter, r *http.Request) {
	list, err := s.Alerts.ListUser(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []model.PriceAlert{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetPortfolio handles GET /guilds/{guildID}/users/{userID}/portfolio
// Positions are marked to current prices.
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.Portfolio.Portfolio(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetHistory handles GET /guilds/{guildID}/users/{userID}/history?limit=N
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	txs, err := s.Portfolio.History(r.Context(),
		chi.URLParam(r, "guildID"), chi.URLParam(r, "userID"), queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// Leaderboard handles GET /guilds/{guildID}/leaderboard?limit=N
func (s *Server) Leaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Portfolio.Leaderboard(r.Context(), chi.URLParam(r, "guildID"), queryInt(r, "limit", 10))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.LeaderboardRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}
