package portfolio

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/pricing"
)

// Portfolio marks every holding of the user to the current stock price.
// RealizedPL sums the transaction log, so closed positions still count.
func (l *Ledger) Portfolio(ctx context.Context, guildID, userID string) (*model.Portfolio, error) {
	holdings, err := l.store.ListUserHoldings(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	stocks, err := l.stockIndex(ctx, guildID)
	if err != nil {
		return nil, err
	}
	realized, err := l.store.SumRealizedPL(ctx, guildID)
	if err != nil {
		return nil, err
	}

	p := &model.Portfolio{
		GuildID:    guildID,
		UserID:     userID,
		Positions:  make([]model.PositionView, 0, len(holdings)),
		RealizedPL: realized[userID],
	}
	for _, h := range holdings {
		st, ok := stocks[h.StockID]
		if !ok {
			continue
		}
		value := pricing.Money(st.CurrentPrice.Mul(decimal.NewFromInt(h.SharesOwned)))
		pos := model.PositionView{
			StockID:         h.StockID,
			Symbol:          st.Symbol,
			Name:            st.Name,
			SharesOwned:     h.SharesOwned,
			AverageBuyPrice: h.AverageBuyPrice,
			CurrentPrice:    st.CurrentPrice,
			TotalInvested:   h.TotalInvested,
			MarketValue:     value,
			UnrealizedPL:    value.Sub(h.TotalInvested),
			RealizedPL:      h.TotalRealizedPL,
		}
		p.Positions = append(p.Positions, pos)
		p.MarketValue = p.MarketValue.Add(pos.MarketValue)
		p.TotalInvested = p.TotalInvested.Add(pos.TotalInvested)
		p.UnrealizedPL = p.UnrealizedPL.Add(pos.UnrealizedPL)
	}
	sort.Slice(p.Positions, func(i, j int) bool { return p.Positions[i].Symbol < p.Positions[j].Symbol })
	return p, nil
}

// Leaderboard ranks the guild's holders by the market value of their
// holdings. Ties are broken by user ID. A limit of 0 returns every holder.
func (l *Ledger) Leaderboard(ctx context.Context, guildID string, limit int) ([]model.LeaderboardRow, error) {
	holdings, err := l.store.ListGuildHoldings(ctx, guildID)
	if err != nil {
		return nil, err
	}
	stocks, err := l.stockIndex(ctx, guildID)
	if err != nil {
		return nil, err
	}
	realized, err := l.store.SumRealizedPL(ctx, guildID)
	if err != nil {
		return nil, err
	}

	values := make(map[string]decimal.Decimal)
	for _, h := range holdings {
		st, ok := stocks[h.StockID]
		if !ok {
			continue
		}
		values[h.UserID] = values[h.UserID].Add(st.CurrentPrice.Mul(decimal.NewFromInt(h.SharesOwned)))
	}

	rows := make([]model.LeaderboardRow, 0, len(values))
	for userID, v := range values {
		rows = append(rows, model.LeaderboardRow{
			UserID:      userID,
			MarketValue: pricing.Money(v),
			RealizedPL:  realized[userID],
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].MarketValue.Equal(rows[j].MarketValue) {
			return rows[i].MarketValue.GreaterThan(rows[j].MarketValue)
		}
		return rows[i].UserID < rows[j].UserID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

// History returns the user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, guildID, userID string, limit int) ([]model.Transaction, error) {
	return l.store.ListTransactions(ctx, guildID, userID, limit)
}

func (l *Ledger) stockIndex(ctx context.Context, guildID string) (map[string]model.Stock, error) {
	stocks, err := l.store.ListStocks(ctx, guildID)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]model.Stock, len(stocks))
	for _, st := range stocks {
		idx[st.ID] = st
	}
	return idx, nil
}
