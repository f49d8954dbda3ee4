package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/dividends"
	"github.com/creatorbot/market-engine/internal/engine"
	"github.com/creatorbot/market-engine/internal/events"
	"github.com/creatorbot/market-engine/internal/model"
)

// EventRequest is the JSON body for POST /events. An empty stock_id shocks
// every active stock of the guild.
type EventRequest struct {
	StockID         string          `json:"stock_id,omitempty"`
	Type            model.EventType `json:"type" validate:"required,oneof=ipo split crash boom dividend news"`
	Description     string          `json:"description,omitempty" validate:"max=500"`
	PriceMultiplier decimal.Decimal `json:"price_multiplier"`
	PriceChangePct  decimal.Decimal `json:"price_change_pct"`
	DurationMinutes int             `json:"duration_minutes" validate:"gte=0"`
}

// EventResponse is the recorded event and the ticks it caused.
type EventResponse struct {
	Event   model.MarketEvent  `json:"event"`
	Changes []engine.StockTick `json:"changes"`
	Failed  map[string]string  `json:"failed,omitempty"`
}

// CreateEvent handles POST /guilds/{guildID}/events
// The shocked prices are settled against orders and alerts before the
// response is written.
func (s *Server) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !s.decode(w, r, &req) {
		return
	}
	in := events.CreateInput{
		GuildID:         chi.URLParam(r, "guildID"),
		Type:            req.Type,
		Description:     req.Description,
		PriceMultiplier: req.PriceMultiplier,
		PriceChangePct:  req.PriceChangePct,
		Duration:        time.Duration(req.DurationMinutes) * time.Minute,
	}
	if req.StockID != "" {
		in.StockID = &req.StockID
	}

	res, err := s.Events.Create(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rep := s.Prices.ApplyEvent(r.Context(), res)
	if rep.Err != nil {
		s.log.Warn("event settlement incomplete", "guild_id", in.GuildID, "event_id", res.Event.ID, "err", rep.Err)
	}

	resp := EventResponse{Event: res.Event, Changes: rep.Updated, Failed: rep.Failed}
	if resp.Changes == nil {
		resp.Changes = []engine.StockTick{}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListEvents handles GET /guilds/{guildID}/events
// Returns the events still in effect.
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	list, err := s.Events.Active(r.Context(), chi.URLParam(r, "guildID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []model.MarketEvent{}
	}
	writeJSON(w, http.StatusOK, list)
}

// PayStockDividend handles POST /guilds/{guildID}/stocks/{stockID}/dividend
// Pays one dividend now regardless of the schedule.
func (s *Server) PayStockDividend(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Scheduler.PayStockDividend(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "stockID"))
	if err != nil && rep == nil {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		s.log.Warn("dividend pass incomplete", "stock_id", rep.StockID, "err", err)
	}
	writeJSON(w, http.StatusOK, rep)
}

// PayDueDividends handles POST /guilds/{guildID}/dividends
// Pays every stock whose dividend period has elapsed.
func (s *Server) PayDueDividends(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	reports, err := s.Scheduler.PayGuildDividends(r.Context(), guildID, time.Now().UTC())
	if err != nil && len(reports) == 0 {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		s.log.Warn("dividend run incomplete", "guild_id", guildID, "err", err)
	}
	if reports == nil {
		reports = []*dividends.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

// Tick handles POST /guilds/{guildID}/tick
// Runs one price tick immediately.
func (s *Server) Tick(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Prices.Tick(r.Context(), chi.URLParam(r, "guildID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rep.Updated == nil {
		rep.Updated = []engine.StockTick{}
	}
	status := http.StatusOK
	if rep.Skipped {
		status = http.StatusConflict
	}
	writeJSON(w, status, rep)
}
