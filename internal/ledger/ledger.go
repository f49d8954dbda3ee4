// Package ledger adapts the bot's coin balance service. The market engine
// never owns coins: it debits and credits users through ExternalLedger and
// records its own view of each movement as a model.Transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/model"
)

// ExternalLedger is the coin balance collaborator. Debit returns
// model.ErrInsufficientFunds when the balance cannot cover amount.
//
// Debit and Credit are applied at most once per call. A call that fails
// with model.ErrTransient may still have been applied; callers settle that
// case by reading Balance.
type ExternalLedger interface {
	Balance(ctx context.Context, guildID, userID string) (decimal.Decimal, error)
	Debit(ctx context.Context, guildID, userID string, amount decimal.Decimal, reason string) error
	Credit(ctx context.Context, guildID, userID string, amount decimal.Decimal, reason string) error
}

type walletKey struct {
	guildID, userID string
}

// MemoryLedger keeps balances in a map. Users without a wallet start with
// the configured opening balance.
type MemoryLedger struct {
	mu       sync.Mutex
	opening  decimal.Decimal
	balances map[walletKey]decimal.Decimal
}

// NewMemoryLedger creates an in-memory ledger.
func NewMemoryLedger(opening decimal.Decimal) *MemoryLedger {
	return &MemoryLedger{
		opening:  opening,
		balances: make(map[walletKey]decimal.Decimal),
	}
}

// SetBalance overwrites a user's balance.
func (l *MemoryLedger) SetBalance(guildID, userID string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[walletKey{guildID, userID}] = amount
}

func (l *MemoryLedger) Balance(_ context.Context, guildID, userID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(walletKey{guildID, userID}), nil
}

func (l *MemoryLedger) Debit(_ context.Context, guildID, userID string, amount decimal.Decimal, _ string) error {
	if amount.IsNegative() {
		return model.Invalid("amount", "must not be negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := walletKey{guildID, userID}
	bal := l.balanceLocked(key)
	if bal.LessThan(amount) {
		return fmt.Errorf("balance %s, need %s: %w", bal, amount, model.ErrInsufficientFunds)
	}
	l.balances[key] = bal.Sub(amount)
	return nil
}

func (l *MemoryLedger) Credit(_ context.Context, guildID, userID string, amount decimal.Decimal, _ string) error {
	if amount.IsNegative() {
		return model.Invalid("amount", "must not be negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := walletKey{guildID, userID}
	l.balances[key] = l.balanceLocked(key).Add(amount)
	return nil
}

func (l *MemoryLedger) balanceLocked(key walletKey) decimal.Decimal {
	if bal, ok := l.balances[key]; ok {
		return bal
	}
	return l.opening
}

// Timeout bounds every call to the wrapped ledger. A call that runs out of
// time is reported as model.ErrTransient.
type Timeout struct {
	next    ExternalLedger
	timeout time.Duration
}

// WithTimeout wraps l so each call carries its own deadline.
func WithTimeout(l ExternalLedger, d time.Duration) *Timeout {
	return &Timeout{next: l, timeout: d}
}

func (t *Timeout) Balance(ctx context.Context, guildID, userID string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	bal, err := t.next.Balance(ctx, guildID, userID)
	return bal, transient(err)
}

func (t *Timeout) Debit(ctx context.Context, guildID, userID string, amount decimal.Decimal, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return transient(t.next.Debit(ctx, guildID, userID, amount, reason))
}

func (t *Timeout) Credit(ctx context.Context, guildID, userID string, amount decimal.Decimal, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return transient(t.next.Credit(ctx, guildID, userID, amount, reason))
}

func transient(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ledger: %w: %w", model.ErrTransient, err)
	}
	return err
}
