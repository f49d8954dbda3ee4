package api

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/catalog"
	"github.com/creatorbot/market-engine/internal/model"
)

// CreateStockRequest is the JSON body for POST /stocks.
type CreateStockRequest struct {
	Symbol          string           `json:"symbol" validate:"required,max=10"`
	Name            string           `json:"name" validate:"required,max=100"`
	Price           *decimal.Decimal `json:"price" validate:"required"`
	MinPrice        *decimal.Decimal `json:"min_price" validate:"required"`
	MaxPrice        *decimal.Decimal `json:"max_price" validate:"required"`
	VolatilityPct   *decimal.Decimal `json:"volatility_pct" validate:"required"`
	DividendRatePct decimal.Decimal  `json:"dividend_rate_pct"`
	TotalShares     int64            `json:"total_shares" validate:"required,gt=0"`
}

// UpdateStockRequest is the JSON body for PATCH /stocks/{stockID}. Omitted
// fields are left unchanged.
type UpdateStockRequest struct {
	Name            *string            `json:"name,omitempty" validate:"omitempty,max=100"`
	MinPrice        *decimal.Decimal   `json:"min_price,omitempty"`
	MaxPrice        *decimal.Decimal   `json:"max_price,omitempty"`
	VolatilityPct   *decimal.Decimal   `json:"volatility_pct,omitempty"`
	DividendRatePct *decimal.Decimal   `json:"dividend_rate_pct,omitempty"`
	Status          *model.StockStatus `json:"status,omitempty" validate:"omitempty,oneof=active suspended delisted"`
}

func (u UpdateStockRequest) input() catalog.UpdateInput {
	return catalog.UpdateInput{
		Name:            u.Name,
		MinPrice:        u.MinPrice,
		MaxPrice:        u.MaxPrice,
		VolatilityPct:   u.VolatilityPct,
		DividendRatePct: u.DividendRatePct,
		Status:          u.Status,
	}
}

// ResizeRequest is the JSON body for PUT /stocks/{stockID}/supply.
type ResizeRequest struct {
	TotalShares int64 `json:"total_shares" validate:"required,gt=0"`
}

// BulkUpdateRequest maps stock IDs to their changes.
type BulkUpdateRequest struct {
	Updates map[string]UpdateStockRequest `json:"updates" validate:"required,min=1,dive"`
}

// BulkDelistRequest lists the stocks to delist.
type BulkDelistRequest struct {
	StockIDs []string `json:"stock_ids" validate:"required,min=1,dive,required"`
}

// BulkResponse reports a batch operation.
type BulkResponse struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func bulkResponse(res *catalog.BulkResult) BulkResponse {
	out := BulkResponse{Succeeded: res.Succeeded}
	if out.Succeeded == nil {
		out.Succeeded = []string{}
	}
	if len(res.Failed) > 0 {
		out.Failed = make(map[string]string, len(res.Failed))
		for id, err := range res.Failed {
			out.Failed[id] = err.Error()
		}
	}
	return out
}

// ConfigRequest is the JSON body for PUT /config. Omitted fields are left
// unchanged.
type ConfigRequest struct {
	Enabled                *bool            `json:"enabled,omitempty"`
	TradingFeePct          *decimal.Decimal `json:"trading_fee_pct,omitempty"`
	TickIntervalMinutes    *int             `json:"tick_interval_minutes,omitempty" validate:"omitempty,gte=1"`
	MinOrderAmount         *decimal.Decimal `json:"min_order_amount,omitempty"`
	MaxOrderAmount         *decimal.Decimal `json:"max_order_amount,omitempty"`
	FluctuationRangePct    *decimal.Decimal `json:"fluctuation_range_pct,omitempty"`
	AutoFluctuationEnabled *bool            `json:"auto_fluctuation_enabled,omitempty"`
	DividendUnitsPerYear   *int             `json:"dividend_units_per_year,omitempty" validate:"omitempty,gte=1"`
	NotificationChannelID  *string          `json:"notification_channel_id,omitempty"`
}

// GetConfig handles GET /guilds/{guildID}/config
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Catalog.MarketConfig(r.Context(), chi.URLParam(r, "guildID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfig handles PUT /guilds/{guildID}/config
func (s *Server) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg, err := s.Catalog.UpdateMarketConfig(r.Context(), chi.URLParam(r, "guildID"), catalog.ConfigInput{
		Enabled:                req.Enabled,
		TradingFeePct:          req.TradingFeePct,
		TickIntervalMinutes:    req.TickIntervalMinutes,
		MinOrderAmount:         req.MinOrderAmount,
		MaxOrderAmount:         req.MaxOrderAmount,
		FluctuationRangePct:    req.FluctuationRangePct,
		AutoFluctuationEnabled: req.AutoFluctuationEnabled,
		DividendUnitsPerYear:   req.DividendUnitsPerYear,
		NotificationChannelID:  req.NotificationChannelID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ListStocks handles GET /guilds/{guildID}/stocks
// Accepts ?status=active,suspended to filter.
func (s *Server) ListStocks(w http.ResponseWriter, r *http.Request) {
	var statuses []model.StockStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, v := range strings.Split(raw, ",") {
			st := model.StockStatus(strings.TrimSpace(v))
			if !st.Valid() {
				writeError(w, "unknown status "+string(st), http.StatusBadRequest)
				return
			}
			statuses = append(statuses, st)
		}
	}
	stocks, err := s.Catalog.List(r.Context(), chi.URLParam(r, "guildID"), statuses...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if stocks == nil {
		stocks = []model.Stock{}
	}
	writeJSON(w, http.StatusOK, stocks)
}

// CreateStock handles POST /guilds/{guildID}/stocks
func (s *Server) CreateStock(w http.ResponseWriter, r *http.Request) {
	var req CreateStockRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.Catalog.Create(r.Context(), chi.URLParam(r, "guildID"), catalog.CreateInput{
		Symbol:          req.Symbol,
		Name:            req.Name,
		Price:           *req.Price,
		MinPrice:        *req.MinPrice,
		MaxPrice:        *req.MaxPrice,
		VolatilityPct:   *req.VolatilityPct,
		DividendRatePct: req.DividendRatePct,
		TotalShares:     req.TotalShares,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// GetStock handles GET /guilds/{guildID}/stocks/{stockID}
func (s *Server) GetStock(w http.ResponseWriter, r *http.Request) {
	st, err := s.Catalog.Get(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "stockID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetStockBySymbol handles GET /guilds/{guildID}/stocks/symbol/{symbol}
func (s *Server) GetStockBySymbol(w http.ResponseWriter, r *http.Request) {
	st, err := s.Catalog.GetBySymbol(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "symbol"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// UpdateStock handles PATCH /guilds/{guildID}/stocks/{stockID}
func (s *Server) UpdateStock(w http.ResponseWriter, r *http.Request) {
	var req UpdateStockRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.Catalog.Update(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "stockID"), req.input())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ResizeStock handles PUT /guilds/{guildID}/stocks/{stockID}/supply
func (s *Server) ResizeStock(w http.ResponseWriter, r *http.Request) {
	var req ResizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.Catalog.Resize(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "stockID"), req.TotalShares)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SuspendStock handles POST /guilds/{guildID}/stocks/{stockID}/suspend
func (s *Server) SuspendStock(w http.ResponseWriter, r *http.Request) {
	s.writeStock(w, r)(s.Catalog.Suspend(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "stockID")))
}

// ActivateStock handles POST /guilds/{guildID}/stocks/{stockID}/activate
func (s *Server) ActivateStock(w http.ResponseWriter, r *http.Request) {
	s.writeStock(w, r)(s.Catalog.Activate(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "stockID")))
}

// DelistStock handles DELETE /guilds/{guildID}/stocks/{stockID}
// Delisting is a soft delete; the stock is returned with its new status.
func (s *Server) DelistStock(w http.ResponseWriter, r *http.Request) {
	s.writeStock(w, r)(s.Catalog.Delist(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "stockID")))
}

func (s *Server) writeStock(w http.ResponseWriter, r *http.Request) func(*model.Stock, error) {
	return func(st *model.Stock, err error) {
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// BulkUpdateStocks handles POST /guilds/{guildID}/stocks/bulk/update
func (s *Server) BulkUpdateStocks(w http.ResponseWriter, r *http.Request) {
	var req BulkUpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	updates := make(map[string]catalog.UpdateInput, len(req.Updates))
	for id, u := range req.Updates {
		updates[id] = u.input()
	}
	res := s.Catalog.BulkUpdate(r.Context(), chi.URLParam(r, "guildID"), updates)
	writeJSON(w, http.StatusOK, bulkResponse(res))
}

// BulkDelistStocks handles POST /guilds/{guildID}/stocks/bulk/delist
func (s *Server) BulkDelistStocks(w http.ResponseWriter, r *http.Request) {
	var req BulkDelistRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.Catalog.BulkDelist(r.Context(), chi.URLParam(r, "guildID"), req.StockIDs)
	writeJSON(w, http.StatusOK, bulkResponse(res))
}

// ExportStocks handles GET /guilds/{guildID}/stocks/export
// Responds with the guild's listings as a YAML document.
func (s *Server) ExportStocks(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.Catalog.Export(r.Context(), chi.URLParam(r, "guildID"), &buf); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(buf.Bytes())
}

// ImportResponse reports an import.
type ImportResponse struct {
	Created []string          `json:"created"`
	Updated []string          `json:"updated"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// ImportStocks handles POST /guilds/{guildID}/stocks/import
// The body is a YAML document as produced by ExportStocks.
func (s *Server) ImportStocks(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	rep, err := s.Catalog.Import(r.Context(), chi.URLParam(r, "guildID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := ImportResponse{Created: rep.Created, Updated: rep.Updated}
	if resp.Created == nil {
		resp.Created = []string{}
	}
	if resp.Updated == nil {
		resp.Updated = []string{}
	}
	if len(rep.Failed) > 0 {
		resp.Failed = make(map[string]string, len(rep.Failed))
		for sym, err := range rep.Failed {
			resp.Failed[sym] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
