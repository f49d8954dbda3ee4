// Package catalog manages a guild's stock listings: creation, metadata and
// bound changes, supply resizing, status transitions and bulk maintenance.
// Prices and available supply are never written here except to pull a
// price back inside freshly narrowed bounds.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/pricing"
	"github.com/creatorbot/market-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Catalog is the StockCatalog component.
type Catalog struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

// New creates a catalog. A nil logger uses slog.Default().
func New(st store.Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store: st,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput describes a new listing.
type CreateInput struct {
	Symbol          string
	Name            string
	Price           decimal.Decimal
	MinPrice        decimal.Decimal
	MaxPrice        decimal.Decimal
	VolatilityPct   decimal.Decimal
	DividendRatePct decimal.Decimal
	TotalShares     int64
}

// UpdateInput carries optional metadata changes. Nil fields are left as is.
type UpdateInput struct {
	Name            *string
	MinPrice        *decimal.Decimal
	MaxPrice        *decimal.Decimal
	VolatilityPct   *decimal.Decimal
	DividendRatePct *decimal.Decimal
	Status          *model.StockStatus
}

// Create validates in and lists a new active stock with its full supply
// available and the opening price as the first history point.
func (c *Catalog) Create(ctx context.Context, guildID string, in CreateInput) (*model.Stock, error) {
	sym, err := NormalizeSymbol(in.Symbol)
	if err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, model.Invalid("name", "is required")
	}
	if in.TotalShares <= 0 {
		return nil, model.Invalid("total_shares", "must be positive, got %d", in.TotalShares)
	}
	if err := validateTerms(in.MinPrice, in.MaxPrice, in.VolatilityPct, in.DividendRatePct); err != nil {
		return nil, err
	}
	if !in.Price.IsPositive() || in.Price.LessThan(in.MinPrice) || in.Price.GreaterThan(in.MaxPrice) {
		return nil, model.Invalid("price", "%s outside [%s, %s]", in.Price, in.MinPrice, in.MaxPrice)
	}

	now := c.now()
	st := &model.Stock{
		ID:              uuid.New().String(),
		GuildID:         guildID,
		Symbol:          sym,
		Name:            in.Name,
		CurrentPrice:    in.Price.Round(pricing.PriceScale),
		MinPrice:        in.MinPrice,
		MaxPrice:        in.MaxPrice,
		VolatilityPct:   in.VolatilityPct,
		DividendRatePct: in.DividendRatePct,
		TotalShares:     in.TotalShares,
		AvailableShares: in.TotalShares,
		Status:          model.StockActive,
		CreatedAt:       now,
	}
	st.PriceHistory = []model.PricePoint{{Price: st.CurrentPrice, At: now}}

	if err := c.store.CreateStock(ctx, st); err != nil {
		return nil, err
	}

	c.log.Info("stock created",
		"guild_id", guildID,
		"stock_id", st.ID,
		"symbol", sym,
		"price", st.CurrentPrice.String(),
		"total_shares", st.TotalShares,
	)
	return st, nil
}

// Get returns a stock with its price history.
func (c *Catalog) Get(ctx context.Context, guildID, stockID string) (*model.Stock, error) {
	return c.store.GetStock(ctx, guildID, stockID)
}

// GetBySymbol looks a stock up by its ticker.
func (c *Catalog) GetBySymbol(ctx context.Context, guildID, symbol string) (*model.Stock, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return c.store.GetStockBySymbol(ctx, guildID, sym)
}

// List returns the guild's stocks, optionally filtered by status.
func (c *Catalog) List(ctx context.Context, guildID string, statuses ...model.StockStatus) ([]model.Stock, error) {
	return c.store.ListStocks(ctx, guildID, statuses...)
}

// Update applies in to a stock. If narrowed bounds exclude the current
// price, the price is clamped into them.
func (c *Catalog) Update(ctx context.Context, guildID, stockID string, in UpdateInput) (*model.Stock, error) {
	st, err := c.store.GetStock(ctx, guildID, stockID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		if *in.Name == "" {
			return nil, model.Invalid("name", "is required")
		}
		st.Name = *in.Name
	}
	if in.MinPrice != nil {
		st.MinPrice = *in.MinPrice
	}
	if in.MaxPrice != nil {
		st.MaxPrice = *in.MaxPrice
	}
	if in.VolatilityPct != nil {
		st.VolatilityPct = *in.VolatilityPct
	}
	if in.DividendRatePct != nil {
		st.DividendRatePct = *in.DividendRatePct
	}
	if in.Status != nil {
		if err := checkTransition(st.Status, *in.Status); err != nil {
			return nil, err
		}
		st.Status = *in.Status
	}
	if err := validateTerms(st.MinPrice, st.MaxPrice, st.VolatilityPct, st.DividendRatePct); err != nil {
		return nil, err
	}

	if err := c.store.UpdateStockDetails(ctx, st); err != nil {
		return nil, err
	}
	if err := c.clampPrice(ctx, st); err != nil {
		return nil, err
	}

	c.log.Info("stock updated", "guild_id", guildID, "stock_id", stockID, "status", st.Status)
	return c.store.GetStock(ctx, guildID, stockID)
}

func (c *Catalog) clampPrice(ctx context.Context, st *model.Stock) error {
	return store.RetryOnConflict(ctx, func() error {
		cur, err := c.store.GetStock(ctx, st.GuildID, st.ID)
		if err != nil {
			return err
		}
		clamped := pricing.Clamp(cur.CurrentPrice, cur.MinPrice, cur.MaxPrice)
		if clamped.Equal(cur.CurrentPrice) {
			return nil
		}
		return c.store.UpdateStockPrice(ctx, st.GuildID, st.ID, cur.CurrentPrice, clamped, c.now())
	})
}

// Resize changes the total supply. Shares already held by users cannot be
// removed, so shrinking below the held amount fails with
// model.ErrInsufficientStock.
func (c *Catalog) Resize(ctx context.Context, guildID, stockID string, total int64) (*model.Stock, error) {
	if total <= 0 {
		return nil, model.Invalid("total_shares", "must be positive, got %d", total)
	}
	if err := c.store.ResizeSupply(ctx, guildID, stockID, total); err != nil {
		return nil, err
	}
	c.log.Info("stock supply resized", "guild_id", guildID, "stock_id", stockID, "total_shares", total)
	return c.store.GetStock(ctx, guildID, stockID)
}

// SetStatus moves a stock to status. Delisting is final.
func (c *Catalog) SetStatus(ctx context.Context, guildID, stockID string, status model.StockStatus) (*model.Stock, error) {
	return c.Update(ctx, guildID, stockID, UpdateInput{Status: &status})
}

// Suspend halts trading and price ticks for a stock.
func (c *Catalog) Suspend(ctx context.Context, guildID, stockID string) (*model.Stock, error) {
	return c.SetStatus(ctx, guildID, stockID, model.StockSuspended)
}

// Activate resumes a suspended stock.
func (c *Catalog) Activate(ctx context.Context, guildID, stockID string) (*model.Stock, error) {
	return c.SetStatus(ctx, guildID, stockID, model.StockActive)
}

// Delist soft-deletes a stock. Its history, holdings and transactions are
// retained.
func (c *Catalog) Delist(ctx context.Context, guildID, stockID string) (*model.Stock, error) {
	return c.SetStatus(ctx, guildID, stockID, model.StockDelisted)
}

// BulkResult reports a batch operation. Err joins every per-stock failure.
type BulkResult struct {
	Succeeded []string
	Failed    map[string]error
	Err       error
}

func (r *BulkResult) record(stockID string, err error) {
	if err == nil {
		r.Succeeded = append(r.Succeeded, stockID)
		return
	}
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[stockID] = err
	r.Err = errors.Join(r.Err, fmt.Errorf("stock %s: %w", stockID, err))
}

// BulkUpdate applies each update independently; one failure does not stop
// the rest.
func (c *Catalog) BulkUpdate(ctx context.Context, guildID string, updates map[string]UpdateInput) *BulkResult {
	res := &BulkResult{}
	for stockID, in := range updates {
		_, err := c.Update(ctx, guildID, stockID, in)
		res.record(stockID, err)
	}
	return res
}

// BulkDelist delists each stock independently.
func (c *Catalog) BulkDelist(ctx context.Context, guildID string, stockIDs []string) *BulkResult {
	res := &BulkResult{}
	for _, stockID := range stockIDs {
		_, err := c.Delist(ctx, guildID, stockID)
		res.record(stockID, err)
	}
	return res
}

func validateTerms(min, max, volatility, dividend decimal.Decimal) error {
	if min.IsNegative() {
		return model.Invalid("min_price", "must not be negative")
	}
	if !max.IsPositive() || max.LessThan(min) {
		return model.Invalid("max_price", "%s must be positive and at least min_price %s", max, min)
	}
	if volatility.IsNegative() || volatility.GreaterThan(hundred) {
		return model.Invalid("volatility_pct", "%s outside [0, 100]", volatility)
	}
	if dividend.IsNegative() || dividend.GreaterThan(hundred) {
		return model.Invalid("dividend_rate_pct", "%s outside [0, 100]", dividend)
	}
	return nil
}

func checkTransition(from, to model.StockStatus) error {
	if !to.Valid() {
		return model.Invalid("status", "unknown status %q", to)
	}
	if from == model.StockDelisted && to != model.StockDelisted {
		return model.Invalid("status", "delisted stocks cannot be relisted")
	}
	return nil
}
