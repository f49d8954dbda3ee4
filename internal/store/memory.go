package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/model"
)

type holdingKey struct {
	guildID, userID, stockID string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	configs      map[string]*model.MarketConfig
	stocks       map[string]*model.Stock
	holdings     map[holdingKey]*model.Holding
	transactions []model.Transaction
	orders       map[string]*model.Order
	orderSeq     map[string]int64
	nextSeq      int64
	events       []*model.MarketEvent
	alerts       map[string]*model.PriceAlert
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:  make(map[string]*model.MarketConfig),
		stocks:   make(map[string]*model.Stock),
		holdings: make(map[holdingKey]*model.Holding),
		orders:   make(map[string]*model.Order),
		orderSeq: make(map[string]int64),
		alerts:   make(map[string]*model.PriceAlert),
	}
}

// --- Market config ---

func (s *MemoryStore) GetMarketConfig(_ context.Context, guildID string) (*model.MarketConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[guildID]
	if !ok {
		return nil, fmt.Errorf("market config for guild %s: %w", guildID, model.ErrNotFound)
	}
	copy := *cfg
	return &copy, nil
}

func (s *MemoryStore) UpsertMarketConfig(_ context.Context, cfg *model.MarketConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *cfg
	s.configs[cfg.GuildID] = &copy
	return nil
}

func (s *MemoryStore) ListGuilds(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	guilds := make([]string, 0, len(s.configs))
	for id := range s.configs {
		guilds = append(guilds, id)
	}
	sort.Strings(guilds)
	return guilds, nil
}

// --- Stocks ---

func (s *MemoryStore) CreateStock(_ context.Context, st *model.Stock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.stocks {
		if existing.GuildID == st.GuildID && existing.Symbol == st.Symbol {
			return fmt.Errorf("stock %s: %w", st.Symbol, model.ErrDuplicate)
		}
	}
	s.stocks[st.ID] = cloneStock(st)
	return nil
}

func (s *MemoryStore) GetStock(_ context.Context, guildID, stockID string) (*model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.stockLocked(guildID, stockID)
	if err != nil {
		return nil, err
	}
	return cloneStock(st), nil
}

func (s *MemoryStore) GetStockBySymbol(_ context.Context, guildID, symbol string) (*model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.stocks {
		if st.GuildID == guildID && st.Symbol == symbol {
			return cloneStock(st), nil
		}
	}
	return nil, fmt.Errorf("stock %s: %w", symbol, model.ErrNotFound)
}

func (s *MemoryStore) ListStocks(_ context.Context, guildID string, statuses ...model.StockStatus) ([]model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Stock
	for _, st := range s.stocks {
		if st.GuildID != guildID || !statusIn(st.Status, statuses) {
			continue
		}
		c := cloneStock(st)
		c.PriceHistory = nil
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) UpdateStockDetails(_ context.Context, st *model.Stock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.stockLocked(st.GuildID, st.ID)
	if err != nil {
		return err
	}
	cur.Name = st.Name
	cur.MinPrice = st.MinPrice
	cur.MaxPrice = st.MaxPrice
	cur.VolatilityPct = st.VolatilityPct
	cur.DividendRatePct = st.DividendRatePct
	cur.Status = st.Status
	return nil
}

func (s *MemoryStore) UpdateStockPrice(_ context.Context, guildID, stockID string, expected, price decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.stockLocked(guildID, stockID)
	if err != nil {
		return err
	}
	if !cur.CurrentPrice.Equal(expected) {
		return fmt.Errorf("price of %s changed: %w", stockID, model.ErrConflict)
	}
	cur.CurrentPrice = price
	cur.PriceHistory = model.AppendHistory(cur.PriceHistory, model.PricePoint{Price: price, At: at})
	return nil
}

func (s *MemoryStore) AdjustAvailableShares(_ context.Context, guildID, stockID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.stockLocked(guildID, stockID)
	if err != nil {
		return err
	}
	next := cur.AvailableShares + delta
	if next < 0 || next > cur.TotalShares {
		return fmt.Errorf("stock %s has %d available, delta %d: %w",
			cur.Symbol, cur.AvailableShares, delta, model.ErrInsufficientStock)
	}
	cur.AvailableShares = next
	return nil
}

func (s *MemoryStore) ResizeSupply(_ context.Context, guildID, stockID string, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.stockLocked(guildID, stockID)
	if err != nil {
		return err
	}
	next := cur.AvailableShares + (total - cur.TotalShares)
	if next < 0 {
		return fmt.Errorf("stock %s: %d shares are held: %w",
			cur.Symbol, cur.TotalShares-cur.AvailableShares, model.ErrInsufficientStock)
	}
	cur.AvailableShares = next
	cur.TotalShares = total
	return nil
}

func (s *MemoryStore) ClaimDividend(_ context.Context, guildID, stockID string, expected *time.Time, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.stockLocked(guildID, stockID)
	if err != nil {
		return err
	}
	if !sameTime(cur.LastDividendAt, expected) {
		return fmt.Errorf("dividend of %s already claimed: %w", stockID, model.ErrConflict)
	}
	t := at
	cur.LastDividendAt = &t
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (s *MemoryStore) stockLocked(guildID, stockID string) (*model.Stock, error) {
	st, ok := s.stocks[stockID]
	if !ok || st.GuildID != guildID {
		return nil, fmt.Errorf("stock %s: %w", stockID, model.ErrNotFound)
	}
	return st, nil
}

// --- Holdings ---

func (s *MemoryStore) GetHolding(_ context.Context, guildID, userID, stockID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingKey{guildID, userID, stockID}]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", userID, stockID, model.ErrNotFound)
	}
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) SaveHolding(_ context.Context, h *model.Holding, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := holdingKey{h.GuildID, h.UserID, h.StockID}
	cur, exists := s.holdings[key]
	switch {
	case expectedVersion == 0 && exists:
		return fmt.Errorf("holding %s/%s inserted concurrently: %w", h.UserID, h.StockID, model.ErrConflict)
	case expectedVersion != 0 && (!exists || cur.Version != expectedVersion):
		return fmt.Errorf("holding %s/%s version %d: %w", h.UserID, h.StockID, expectedVersion, model.ErrConflict)
	}
	h.Version = expectedVersion + 1
	copy := *h
	s.holdings[key] = &copy
	return nil
}

func (s *MemoryStore) DeleteHolding(_ context.Context, guildID, userID, stockID string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := holdingKey{guildID, userID, stockID}
	cur, ok := s.holdings[key]
	if !ok || cur.Version != expectedVersion {
		return fmt.Errorf("holding %s/%s version %d: %w", userID, stockID, expectedVersion, model.ErrConflict)
	}
	delete(s.holdings, key)
	return nil
}

func (s *MemoryStore) ListUserHoldings(_ context.Context, guildID, userID string) ([]model.Holding, error) {
	return s.filterHoldings(func(h *model.Holding) bool {
		return h.GuildID == guildID && h.UserID == userID
	}), nil
}

func (s *MemoryStore) ListStockHoldings(_ context.Context, guildID, stockID string) ([]model.Holding, error) {
	return s.filterHoldings(func(h *model.Holding) bool {
		return h.GuildID == guildID && h.StockID == stockID
	}), nil
}

func (s *MemoryStore) ListGuildHoldings(_ context.Context, guildID string) ([]model.Holding, error) {
	return s.filterHoldings(func(h *model.Holding) bool { return h.GuildID == guildID }), nil
}

func (s *MemoryStore) filterHoldings(keep func(*model.Holding) bool) []model.Holding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Holding
	for _, h := range s.holdings {
		if keep(h) {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].StockID < out[j].StockID
	})
	return out
}

// --- Transactions ---

func (s *MemoryStore) InsertTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, guildID, userID string, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if tx.GuildID != guildID || tx.UserID != userID {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SumRealizedPL(_ context.Context, guildID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[string]decimal.Decimal)
	for _, tx := range s.transactions {
		if tx.GuildID == guildID && tx.RealizedPL != nil {
			sums[tx.UserID] = sums[tx.UserID].Add(*tx.RealizedPL)
		}
	}
	return sums, nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrDuplicate)
	}
	copy := *o
	s.orders[o.ID] = &copy
	s.nextSeq++
	s.orderSeq[o.ID] = s.nextSeq
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, guildID, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok || o.GuildID != guildID {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrOrderNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListPendingOrders(_ context.Context, guildID, stockID string) ([]model.Order, error) {
	return s.filterOrders(func(o *model.Order) bool {
		return o.GuildID == guildID && o.StockID == stockID && o.Status == model.OrderPending
	}), nil
}

func (s *MemoryStore) ListUserOrders(_ context.Context, guildID, userID string) ([]model.Order, error) {
	return s.filterOrders(func(o *model.Order) bool {
		return o.GuildID == guildID && o.UserID == userID
	}), nil
}

func (s *MemoryStore) ListOrdersByStatus(_ context.Context, guildID string, status model.OrderStatus) ([]model.Order, error) {
	return s.filterOrders(func(o *model.Order) bool {
		return o.GuildID == guildID && o.Status == status
	}), nil
}

// filterOrders returns matches in FIFO creation order.
func (s *MemoryStore) filterOrders(keep func(*model.Order) bool) []model.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type seqOrder struct {
		seq   int64
		order model.Order
	}
	var matched []seqOrder
	for id, o := range s.orders {
		if keep(o) {
			matched = append(matched, seqOrder{s.orderSeq[id], *o})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].order.CreatedAt.Equal(matched[j].order.CreatedAt) {
			return matched[i].order.CreatedAt.Before(matched[j].order.CreatedAt)
		}
		return matched[i].seq < matched[j].seq
	})
	out := make([]model.Order, len(matched))
	for i, m := range matched {
		out[i] = m.order
	}
	return out
}

func (s *MemoryStore) TransitionOrder(_ context.Context, guildID, orderID string, from, to model.OrderStatus, fillPrice *decimal.Decimal, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.GuildID != guildID {
		return fmt.Errorf("order %s: %w", orderID, model.ErrOrderNotFound)
	}
	if o.Status != from {
		return fmt.Errorf("order %s is %s, expected %s: %w", orderID, o.Status, from, model.ErrConflict)
	}
	o.Status = to
	if fillPrice != nil {
		p := *fillPrice
		o.FillPrice = &p
	}
	if reason != "" {
		o.FailureReason = reason
	}
	if to.Terminal() {
		t := at
		o.ResolvedAt = &t
	}
	return nil
}

// --- Events ---

func (s *MemoryStore) CreateEvent(_ context.Context, e *model.MarketEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *e
	copy.AffectedStocks = append([]string(nil), e.AffectedStocks...)
	s.events = append(s.events, &copy)
	return nil
}

func (s *MemoryStore) ListActiveEvents(_ context.Context, guildID string, now time.Time) ([]model.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.MarketEvent
	for _, e := range s.events {
		if e.GuildID != guildID || !e.IsActive {
			continue
		}
		if e.EndsAt != nil && !now.Before(*e.EndsAt) {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *MemoryStore) DeactivateExpiredEvents(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.events {
		if e.IsActive && e.EndsAt != nil && !now.Before(*e.EndsAt) {
			e.IsActive = false
			n++
		}
	}
	return n, nil
}

// --- Alerts ---

func (s *MemoryStore) CreateAlert(_ context.Context, a *model.PriceAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *a
	s.alerts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) ListActiveAlerts(_ context.Context, guildID, stockID string) ([]model.PriceAlert, error) {
	return s.filterAlerts(func(a *model.PriceAlert) bool {
		return a.GuildID == guildID && a.StockID == stockID && !a.Notified
	}), nil
}

func (s *MemoryStore) ListUserAlerts(_ context.Context, guildID, userID string) ([]model.PriceAlert, error) {
	return s.filterAlerts(func(a *model.PriceAlert) bool {
		return a.GuildID == guildID && a.UserID == userID
	}), nil
}

func (s *MemoryStore) filterAlerts(keep func(*model.PriceAlert) bool) []model.PriceAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PriceAlert
	for _, a := range s.alerts {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) MarkAlertNotified(_ context.Context, guildID, alertID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[alertID]
	if !ok || a.GuildID != guildID {
		return fmt.Errorf("alert %s: %w", alertID, model.ErrNotFound)
	}
	if a.Notified {
		return fmt.Errorf("alert %s already fired: %w", alertID, model.ErrConflict)
	}
	a.Notified = true
	t := at
	a.NotifiedAt = &t
	return nil
}

func cloneStock(st *model.Stock) *model.Stock {
	copy := *st
	copy.PriceHistory = append([]model.PricePoint(nil), st.PriceHistory...)
	if st.LastDividendAt != nil {
		t := *st.LastDividendAt
		copy.LastDividendAt = &t
	}
	return &copy
}

func statusIn(s model.StockStatus, statuses []model.StockStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
