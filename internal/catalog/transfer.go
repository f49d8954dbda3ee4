package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/creatorbot/market-engine/internal/model"
)

// Document is the YAML interchange format for a guild's listings.
type Document struct {
	GuildID    string      `yaml:"guild_id" json:"guild_id"`
	ExportedAt time.Time   `yaml:"exported_at" json:"exported_at"`
	Stocks     []StockSpec `yaml:"stocks" json:"stocks"`
}

// StockSpec is one listing in a Document. Price is only used when the
// stock is created; existing stocks keep their live price.
type StockSpec struct {
	Symbol          string            `yaml:"symbol" json:"symbol"`
	Name            string            `yaml:"name" json:"name"`
	Price           decimal.Decimal   `yaml:"price" json:"price"`
	MinPrice        decimal.Decimal   `yaml:"min_price" json:"min_price"`
	MaxPrice        decimal.Decimal   `yaml:"max_price" json:"max_price"`
	VolatilityPct   decimal.Decimal   `yaml:"volatility_pct" json:"volatility_pct"`
	DividendRatePct decimal.Decimal   `yaml:"dividend_rate_pct" json:"dividend_rate_pct"`
	TotalShares     int64             `yaml:"total_shares" json:"total_shares"`
	Status          model.StockStatus `yaml:"status,omitempty" json:"status,omitempty"`
}

// ImportReport lists what an import did. Err joins per-symbol failures.
type ImportReport struct {
	Created []string         `json:"created"`
	Updated []string         `json:"updated"`
	Failed  map[string]error `json:"-"`
	Err     error            `json:"-"`
}

func (r *ImportReport) fail(symbol string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[symbol] = err
	r.Err = errors.Join(r.Err, fmt.Errorf("%s: %w", symbol, err))
}

// Export writes every listing of the guild, delisted ones included.
func (c *Catalog) Export(ctx context.Context, guildID string, w io.Writer) error {
	stocks, err := c.store.ListStocks(ctx, guildID)
	if err != nil {
		return err
	}
	doc := Document{
		GuildID:    guildID,
		ExportedAt: c.now(),
		Stocks:     make([]StockSpec, 0, len(stocks)),
	}
	for _, st := range stocks {
		doc.Stocks = append(doc.Stocks, StockSpec{
			Symbol:          st.Symbol,
			Name:            st.Name,
			Price:           st.CurrentPrice,
			MinPrice:        st.MinPrice,
			MaxPrice:        st.MaxPrice,
			VolatilityPct:   st.VolatilityPct,
			DividendRatePct: st.DividendRatePct,
			TotalShares:     st.TotalShares,
			Status:          st.Status,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return enc.Close()
}

// Import reads a Document and creates or updates listings by symbol. Each
// listing is applied independently.
func (c *Catalog) Import(ctx context.Context, guildID string, r io.Reader) (*ImportReport, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, model.Invalid("document", "%v", err)
	}

	report := &ImportReport{}
	for _, spec := range doc.Stocks {
		sym, err := NormalizeSymbol(spec.Symbol)
		if err != nil {
			report.fail(spec.Symbol, err)
			continue
		}

		existing, err := c.store.GetStockBySymbol(ctx, guildID, sym)
		switch {
		case errors.Is(err, model.ErrNotFound):
			err = c.importNew(ctx, guildID, sym, spec)
			if err == nil {
				report.Created = append(report.Created, sym)
			}
		case err == nil:
			err = c.importExisting(ctx, existing, spec)
			if err == nil {
				report.Updated = append(report.Updated, sym)
			}
		}
		if err != nil {
			report.fail(sym, err)
		}
	}

	c.log.Info("stocks imported",
		"guild_id", guildID,
		"created", len(report.Created),
		"updated", len(report.Updated),
		"failed", len(report.Failed),
	)
	return report, nil
}

func (c *Catalog) importNew(ctx context.Context, guildID, sym string, spec StockSpec) error {
	st, err := c.Create(ctx, guildID, CreateInput{
		Symbol:          sym,
		Name:            spec.Name,
		Price:           spec.Price,
		MinPrice:        spec.MinPrice,
		MaxPrice:        spec.MaxPrice,
		VolatilityPct:   spec.VolatilityPct,
		DividendRatePct: spec.DividendRatePct,
		TotalShares:     spec.TotalShares,
	})
	if err != nil {
		return err
	}
	if spec.Status != "" && spec.Status != model.StockActive {
		_, err = c.SetStatus(ctx, guildID, st.ID, spec.Status)
	}
	return err
}

func (c *Catalog) importExisting(ctx context.Context, st *model.Stock, spec StockSpec) error {
	in := UpdateInput{
		Name:            &spec.Name,
		MinPrice:        &spec.MinPrice,
		MaxPrice:        &spec.MaxPrice,
		VolatilityPct:   &spec.VolatilityPct,
		DividendRatePct: &spec.DividendRatePct,
	}
	if spec.Status != "" {
		in.Status = &spec.Status
	}
	if _, err := c.Update(ctx, st.GuildID, st.ID, in); err != nil {
		return err
	}
	if spec.TotalShares != st.TotalShares {
		if _, err := c.Resize(ctx, st.GuildID, st.ID, spec.TotalShares); err != nil {
			return err
		}
	}
	return nil
}
