// Package api exposes the market engine over HTTP. Every route is scoped to
// a guild; callers such as a chat bot pass the acting user in the request.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/creatorbot/market-engine/internal/alerts"
	"github.com/creatorbot/market-engine/internal/catalog"
	"github.com/creatorbot/market-engine/internal/engine"
	"github.com/creatorbot/market-engine/internal/events"
	"github.com/creatorbot/market-engine/internal/notify"
	"github.com/creatorbot/market-engine/internal/orders"
	"github.com/creatorbot/market-engine/internal/portfolio"
)

const maxBodyBytes = 1 << 20

// Deps are the components the API drives. Hub may be nil, in which case
// the websocket route is not mounted.
type Deps struct {
	Catalog   *catalog.Catalog
	Portfolio *portfolio.Ledger
	Orders    *orders.Book
	Alerts    *alerts.Engine
	Events    *events.Engine
	Prices    *engine.PriceEngine
	Scheduler *engine.Scheduler
	Hub       *notify.WSHub

	// RequestTimeout bounds every route except the websocket upgrade.
	// Zero means no timeout.
	RequestTimeout time.Duration
}

// Server handles the guild market routes.
type Server struct {
	Deps
	validate *validator.Validate
	log      *slog.Logger
}

// NewServer creates the API. A nil logger uses slog.Default().
func NewServer(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{Deps: d, validate: v, log: logger}
}

// Routes returns the router to mount under /api/v1.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/guilds/{guildID}", func(r chi.Router) {
		if s.Hub != nil {
			r.Get("/ws", s.ServeWS)
		}
		r.Group(s.guildRoutes)
	})
	return r
}

func (s *Server) guildRoutes(r chi.Router) {
	if s.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.RequestTimeout))
	}

	r.Get("/config", s.GetConfig)
	r.Put("/config", s.UpdateConfig)

	r.Route("/stocks", func(r chi.Router) {
		r.Get("/", s.ListStocks)
		r.Post("/", s.CreateStock)
		r.Get("/export", s.ExportStocks)
		r.Post("/import", s.ImportStocks)
		r.Post("/bulk/update", s.BulkUpdateStocks)
		r.Post("/bulk/delist", s.BulkDelistStocks)
		r.Get("/symbol/{symbol}", s.GetStockBySymbol)
		r.Route("/{stockID}", func(r chi.Router) {
			r.Get("/", s.GetStock)
			r.Patch("/", s.UpdateStock)
			r.Delete("/", s.DelistStock)
			r.Put("/supply", s.ResizeStock)
			r.Post("/suspend", s.SuspendStock)
			r.Post("/activate", s.ActivateStock)
			r.Post("/dividend", s.PayStockDividend)
		})
	})

	r.Post("/buy", s.Buy)
	r.Post("/sell", s.Sell)
	r.Post("/orders", s.PlaceOrder)
	r.Post("/alerts", s.CreateAlert)

	r.Get("/events", s.ListEvents)
	r.Post("/events", s.CreateEvent)
	r.Post("/dividends", s.PayDueDividends)
	r.Post("/tick", s.Tick)
	r.Get("/leaderboard", s.Leaderboard)

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/portfolio", s.GetPortfolio)
		r.Get("/history", s.GetHistory)
		r.Get("/orders", s.ListOrders)
		r.Delete("/orders/{orderID}", s.CancelOrder)
		r.Get("/alerts", s.ListAlerts)
	})
}

// decode reads a JSON body into dst and validates its tags. It writes the
// error response and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

// queryInt reads a non-negative integer query parameter, returning fallback
// when it is absent or malformed.
func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// ServeWS handles GET /guilds/{guildID}/ws
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	s.Hub.ServeGuild(w, r, chi.URLParam(r, "guildID"))
}
