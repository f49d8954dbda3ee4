// Package dividends pays periodic dividends to the holders of a stock.
package dividends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/ledger"
	"github.com/creatorbot/market-engine/internal/metrics"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/pricing"
	"github.com/creatorbot/market-engine/internal/store"
)

const year = 365 * 24 * time.Hour

// Period is the time between payouts for a schedule of unitsPerYear.
func Period(unitsPerYear int) time.Duration {
	if unitsPerYear <= 0 {
		return year
	}
	return year / time.Duration(unitsPerYear)
}

// Processor is the DividendProcessor component.
type Processor struct {
	store store.Store
	coins ledger.ExternalLedger
	log   *slog.Logger
	now   func() time.Time
}

// New creates a dividend processor. A nil logger uses slog.Default().
func New(st store.Store, coins ledger.ExternalLedger, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store: st,
		coins: coins,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// Payout is one holder's dividend credit.
type Payout struct {
	UserID string          `json:"user_id"`
	Shares int64           `json:"shares"`
	Amount decimal.Decimal `json:"amount"`
}

// Report describes one dividend pass over a stock's holders.
type Report struct {
	StockID  string            `json:"stock_id"`
	Symbol   string            `json:"symbol"`
	PerShare decimal.Decimal   `json:"per_share"`
	PaidAt   time.Time         `json:"paid_at"`
	Payouts  []Payout          `json:"payouts"`
	Total    decimal.Decimal   `json:"total"`
	Failed   map[string]string `json:"failed,omitempty"`
	// Unrecorded holders were credited but have no dividend transaction.
	// They must not be paid again.
	Unrecorded map[string]string `json:"unrecorded,omitempty"`
	// Partial is set when at least one holder was not paid.
	Partial bool  `json:"partial"`
	Err     error `json:"-"`
}

func (r *Report) fail(userID string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[userID] = err.Error()
	r.Partial = true
	r.Err = errors.Join(r.Err, fmt.Errorf("holder %s: %w", userID, err))
}

func (r *Report) unrecorded(userID string, err error) {
	if r.Unrecorded == nil {
		r.Unrecorded = make(map[string]string)
	}
	r.Unrecorded[userID] = err.Error()
	r.Err = errors.Join(r.Err, fmt.Errorf("holder %s credited: %w", userID, err))
}

// errUnrecorded marks a payout whose credit succeeded but whose transaction
// row could not be written.
type errUnrecorded struct{ err error }

func (e *errUnrecorded) Error() string { return "record dividend: " + e.err.Error() }
func (e *errUnrecorded) Unwrap() error { return e.err }

// Process pays one dividend on stockID to every holder:
//
//	perShare = price × dividendRatePct/100 / unitsPerYear
//	payout   = perShare × sharesOwned, rounded to 2 decimals
//
// The period is claimed by moving lastDividendAt before any holder is
// credited, so concurrent runs for the same stock pay at most once; the
// loser gets model.ErrConflict. A holder that cannot be paid is recorded in
// the report and the pass continues.
func (p *Processor) Process(ctx context.Context, guildID, stockID string, unitsPerYear int) (*Report, error) {
	return p.process(ctx, guildID, stockID, unitsPerYear, nil)
}

// process pays stockID if due, evaluated on a fresh read, allows it. A nil
// due pays unconditionally.
func (p *Processor) process(ctx context.Context, guildID, stockID string, unitsPerYear int, due func(*model.Stock) bool) (*Report, error) {
	st, err := p.store.GetStock(ctx, guildID, stockID)
	if err != nil {
		return nil, err
	}
	if due != nil && !due(st) {
		return nil, nil
	}
	if !st.DividendRatePct.IsPositive() {
		return nil, model.Invalid("dividend_rate_pct", "%s pays no dividend", st.Symbol)
	}
	if st.Status == model.StockDelisted {
		return nil, model.Invalid("stock", "%s is delisted", st.Symbol)
	}
	perShare, err := pricing.DividendPerShare(st.CurrentPrice, st.DividendRatePct, unitsPerYear)
	if err != nil {
		return nil, model.Invalid("dividend_units_per_year", "must be positive, got %d", unitsPerYear)
	}

	holders, err := p.store.ListStockHoldings(ctx, guildID, stockID)
	if err != nil {
		return nil, err
	}

	paidAt := p.now().Truncate(time.Microsecond)
	if err := p.store.ClaimDividend(ctx, guildID, stockID, st.LastDividendAt, paidAt); err != nil {
		return nil, fmt.Errorf("claim %s dividend: %w", st.Symbol, err)
	}

	rep := &Report{StockID: st.ID, Symbol: st.Symbol, PerShare: perShare, PaidAt: paidAt}
	for _, h := range holders {
		if h.SharesOwned <= 0 {
			continue
		}
		amount := pricing.Money(perShare.Mul(decimal.NewFromInt(h.SharesOwned)))
		if !amount.IsPositive() {
			continue
		}
		err := p.pay(ctx, st, h, perShare, amount)
		var unrec *errUnrecorded
		switch {
		case errors.As(err, &unrec):
			metrics.DividendPayouts.WithLabelValues("unrecorded").Inc()
			rep.unrecorded(h.UserID, err)
		case err != nil:
			metrics.DividendPayouts.WithLabelValues("failed").Inc()
			p.log.Warn("dividend payout failed",
				"guild_id", guildID,
				"symbol", st.Symbol,
				"user_id", h.UserID,
				"amount", amount.String(),
				"err", err,
			)
			rep.fail(h.UserID, err)
			continue
		default:
			metrics.DividendPayouts.WithLabelValues("paid").Inc()
		}
		rep.Payouts = append(rep.Payouts, Payout{UserID: h.UserID, Shares: h.SharesOwned, Amount: amount})
		rep.Total = rep.Total.Add(amount)
	}

	p.log.Info("dividend paid",
		"guild_id", guildID,
		"symbol", st.Symbol,
		"per_share", perShare.String(),
		"holders", len(rep.Payouts),
		"failed", len(rep.Failed),
		"unrecorded", len(rep.Unrecorded),
		"total", rep.Total.String(),
	)
	return rep, nil
}

func (p *Processor) pay(ctx context.Context, st *model.Stock, h model.Holding, perShare, amount decimal.Decimal) error {
	reason := fmt.Sprintf("dividend %s x%d", st.Symbol, h.SharesOwned)
	if err := p.coins.Credit(ctx, st.GuildID, h.UserID, amount, reason); err != nil {
		return err
	}
	tx := &model.Transaction{
		ID:            uuid.New().String(),
		GuildID:       st.GuildID,
		UserID:        h.UserID,
		StockID:       st.ID,
		Kind:          model.TxDividend,
		Shares:        h.SharesOwned,
		PricePerShare: perShare,
		TotalCost:     amount,
		Note:          reason,
		CreatedAt:     p.now(),
	}
	if err := p.store.InsertTransaction(ctx, tx); err != nil {
		p.log.Error("dividend credited but not recorded",
			"guild_id", st.GuildID,
			"user_id", h.UserID,
			"amount", amount.String(),
			"err", err,
		)
		return &errUnrecorded{err: err}
	}
	return nil
}

// Due reports whether st's next payout is due at now. A stock that never
// paid counts from its listing time.
func Due(st *model.Stock, unitsPerYear int, now time.Time) bool {
	if !st.DividendRatePct.IsPositive() || st.Status != model.StockActive {
		return false
	}
	last := st.CreatedAt
	if st.LastDividendAt != nil {
		last = *st.LastDividendAt
	}
	return !now.Before(last.Add(Period(unitsPerYear)))
}

// ProcessDue pays every stock of the guild whose schedule period has elapsed
// at now. Per-stock failures are isolated and joined into the returned error.
func (p *Processor) ProcessDue(ctx context.Context, guildID string, now time.Time) ([]*Report, error) {
	cfg, err := store.MarketConfig(ctx, p.store, guildID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}
	stocks, err := p.store.ListStocks(ctx, guildID, model.StockActive)
	if err != nil {
		return nil, err
	}

	var (
		reports []*Report
		errs    error
	)
	for i := range stocks {
		st := &stocks[i]
		if !Due(st, cfg.DividendUnitsPerYear, now) {
			continue
		}
		rep, err := p.process(ctx, guildID, st.ID, cfg.DividendUnitsPerYear, func(fresh *model.Stock) bool {
			return Due(fresh, cfg.DividendUnitsPerYear, now)
		})
		if errors.Is(err, model.ErrConflict) {
			p.log.Info("dividend period claimed by another run", "guild_id", guildID, "symbol", st.Symbol)
			continue
		}
		if rep != nil {
			reports = append(reports, rep)
			if rep.Err != nil {
				errs = errors.Join(errs, fmt.Errorf("stock %s: %w", st.Symbol, rep.Err))
			}
		}
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("stock %s: %w", st.Symbol, err))
		}
	}
	return reports, errs
}
