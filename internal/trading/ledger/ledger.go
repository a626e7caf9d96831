// Package ledger provides atomic balance movement for the trading engine.
// Every user holds, per currency, an available and a locked sub-balance;
// funds reserved for a resting order live in locked until the order
// settles or terminalizes. The ledger is the only structure shared across
// symbol workers, so its operations synchronize independently of the
// per-symbol serialization domains.
package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantexchange/matchcore/internal/trading/model"
	"github.com/quantexchange/matchcore/pkg/metrics"
)

const shardCount = 64

// Balance is a point-in-time view of one (user, currency) entry.
type Balance struct {
	UserID    uuid.UUID       `json:"user_id"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// SettleLeg describes one leg of a settlement: Amount moves out of From's
// locked balance; To receives Amount minus Fee in available; Fee is
// credited to the fee account.
type SettleLeg struct {
	From     uuid.UUID
	To       uuid.UUID
	Currency string
	Amount   decimal.Decimal
	Fee      decimal.Decimal
}

// SettleRequest is a single-leg settlement.
type SettleRequest struct {
	From       uuid.UUID
	To         uuid.UUID
	Currency   string
	Amount     decimal.Decimal
	Fee        decimal.Decimal
	FeeAccount uuid.UUID
	Reason     string
}

// Service is the balance movement contract consumed by the engine.
// All mutating operations are idempotent per (operation, reason): a
// replayed call is a no-op returning the prior outcome.
type Service interface {
	// Deposit credits available funds from outside the engine.
	Deposit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reason string) error

	// Lock moves amount from available to locked; fails atomically with
	// model.ErrInsufficientFunds if available < amount.
	Lock(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reason string) error

	// Unlock moves amount from locked back to available. Unlocking more
	// than is locked signals a bug upstream and returns
	// model.ErrInvariantViolation.
	Unlock(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reason string) error

	// Settle applies one settlement leg atomically with respect to all
	// concurrent operations touching the involved accounts.
	Settle(ctx context.Context, req SettleRequest) error

	// SettleTrade applies all legs of a trade atomically: either every
	// leg commits or none does. This is the unit of atomicity for the
	// matching step.
	SettleTrade(ctx context.Context, legs []SettleLeg, feeAccount uuid.UUID, reason string) error

	// Get returns the current balance for (userID, currency).
	Get(ctx context.Context, userID uuid.UUID, currency string) Balance

	// UserBalances returns all balances held by a user.
	UserBalances(ctx context.Context, userID uuid.UUID) []Balance

	// TotalSupply sums available+locked over all users for a currency.
	TotalSupply(ctx context.Context, currency string) decimal.Decimal
}

type accountKey struct {
	user     uuid.UUID
	currency string
}

type account struct {
	available decimal.Decimal
	locked    decimal.Decimal
}

type shard struct {
	mu       sync.Mutex
	accounts map[accountKey]*account
}

// MemoryLedger is the in-process Service implementation. Accounts are
// spread over a fixed set of shards so that cross-symbol settlement
// streams only contend when they touch the same accounts.
type MemoryLedger struct {
	logger *zap.Logger
	shards [shardCount]shard

	idemMu sync.Mutex
	idem   map[string]error
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger(logger *zap.Logger) *MemoryLedger {
	l := &MemoryLedger{
		logger: logger,
		idem:   make(map[string]error),
	}
	for i := range l.shards {
		l.shards[i].accounts = make(map[accountKey]*account)
	}
	return l
}

func (l *MemoryLedger) shardIndex(key accountKey) int {
	h := fnv.New32a()
	h.Write(key.user[:])
	h.Write([]byte(key.currency))
	return int(h.Sum32() % shardCount)
}

// get returns the account for key, creating it lazily. Caller must hold
// the shard lock.
func (s *shard) get(key accountKey) *account {
	acc, ok := s.accounts[key]
	if !ok {
		acc = &account{available: decimal.Zero, locked: decimal.Zero}
		s.accounts[key] = acc
	}
	return acc
}

// once runs fn unless idemKey was already applied, in which case the
// prior outcome is returned and fn is skipped.
func (l *MemoryLedger) once(idemKey string, fn func() error) error {
	l.idemMu.Lock()
	if prior, ok := l.idem[idemKey]; ok {
		l.idemMu.Unlock()
		return prior
	}
	l.idemMu.Unlock()

	err := fn()

	l.idemMu.Lock()
	l.idem[idemKey] = err
	l.idemMu.Unlock()
	return err
}

func (l *MemoryLedger) Deposit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reason string) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative deposit %s", model.ErrInvariantViolation, amount)
	}
	return l.once("deposit:"+reason, func() error {
		key := accountKey{userID, currency}
		s := &l.shards[l.shardIndex(key)]
		s.mu.Lock()
		acc := s.get(key)
		acc.available = acc.available.Add(amount)
		s.mu.Unlock()
		metrics.LedgerOps.WithLabelValues("deposit", "ok").Inc()
		return nil
	})
}

func (l *MemoryLedger) Lock(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reason string) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative lock %s", model.ErrInvariantViolation, amount)
	}
	return l.once("lock:"+reason, func() error {
		key := accountKey{userID, currency}
		s := &l.shards[l.shardIndex(key)]
		s.mu.Lock()
		defer s.mu.Unlock()
		acc := s.get(key)
		if acc.available.LessThan(amount) {
			metrics.LedgerOps.WithLabelValues("lock", "insufficient").Inc()
			return fmt.Errorf("%w: need %s %s, have %s", model.ErrInsufficientFunds, amount, currency, acc.available)
		}
		acc.available = acc.available.Sub(amount)
		acc.locked = acc.locked.Add(amount)
		metrics.LedgerOps.WithLabelValues("lock", "ok").Inc()
		return nil
	})
}

func (l *MemoryLedger) Unlock(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, reason string) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative unlock %s", model.ErrInvariantViolation, amount)
	}
	return l.once("unlock:"+reason, func() error {
		key := accountKey{userID, currency}
		s := &l.shards[l.shardIndex(key)]
		s.mu.Lock()
		defer s.mu.Unlock()
		acc := s.get(key)
		if acc.locked.LessThan(amount) {
			metrics.LedgerOps.WithLabelValues("unlock", "invariant_violation").Inc()
			l.logger.Error("unlock exceeds locked balance",
				zap.String("user_id", userID.String()),
				zap.String("currency", currency),
				zap.String("amount", amount.String()),
				zap.String("locked", acc.locked.String()),
				zap.String("reason", reason))
			return fmt.Errorf("%w: unlock %s %s exceeds locked %s", model.ErrInvariantViolation, amount, currency, acc.locked)
		}
		acc.locked = acc.locked.Sub(amount)
		acc.available = acc.available.Add(amount)
		metrics.LedgerOps.WithLabelValues("unlock", "ok").Inc()
		return nil
	})
}

func (l *MemoryLedger) Settle(ctx context.Context, req SettleRequest) error {
	leg := SettleLeg{
		From:     req.From,
		To:       req.To,
		Currency: req.Currency,
		Amount:   req.Amount,
		Fee:      req.Fee,
	}
	return l.SettleTrade(ctx, []SettleLeg{leg}, req.FeeAccount, req.Reason)
}

func (l *MemoryLedger) SettleTrade(ctx context.Context, legs []SettleLeg, feeAccount uuid.UUID, reason string) error {
	if len(legs) == 0 {
		return fmt.Errorf("%w: settlement without legs", model.ErrInvariantViolation)
	}
	for _, leg := range legs {
		if leg.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: non-positive settle amount %s", model.ErrInvariantViolation, leg.Amount)
		}
		if leg.Fee.IsNegative() || leg.Fee.GreaterThan(leg.Amount) {
			return fmt.Errorf("%w: fee %s out of range for amount %s", model.ErrInvariantViolation, leg.Fee, leg.Amount)
		}
	}
	return l.once("settle:"+reason, func() error {
		// Lock every involved shard in index order to avoid deadlock with
		// concurrent settlements touching the same accounts.
		indexes := make([]int, 0, 3*len(legs))
		for _, leg := range legs {
			indexes = append(indexes,
				l.shardIndex(accountKey{leg.From, leg.Currency}),
				l.shardIndex(accountKey{leg.To, leg.Currency}),
				l.shardIndex(accountKey{feeAccount, leg.Currency}))
		}
		indexes = dedupeSorted(indexes)
		for _, i := range indexes {
			l.shards[i].mu.Lock()
		}
		defer func() {
			for _, i := range indexes {
				l.shards[i].mu.Unlock()
			}
		}()

		// Check every leg before touching anything: the trade either
		// settles completely or not at all. Debits are accumulated per
		// account so repeated legs against one account cannot overdraw.
		required := make(map[accountKey]decimal.Decimal, len(legs))
		for _, leg := range legs {
			key := accountKey{leg.From, leg.Currency}
			required[key] = required[key].Add(leg.Amount)
		}
		for key, amount := range required {
			from := l.shards[l.shardIndex(key)].get(key)
			if from.locked.LessThan(amount) {
				metrics.LedgerOps.WithLabelValues("settle", "invariant_violation").Inc()
				l.logger.Error("settlement exceeds locked balance",
					zap.String("from", key.user.String()),
					zap.String("currency", key.currency),
					zap.String("amount", amount.String()),
					zap.String("locked", from.locked.String()),
					zap.String("reason", reason))
				return fmt.Errorf("%w: settle %s %s exceeds locked %s", model.ErrInvariantViolation, amount, key.currency, from.locked)
			}
		}
		for _, leg := range legs {
			fromKey := accountKey{leg.From, leg.Currency}
			toKey := accountKey{leg.To, leg.Currency}
			from := l.shards[l.shardIndex(fromKey)].get(fromKey)
			to := l.shards[l.shardIndex(toKey)].get(toKey)
			from.locked = from.locked.Sub(leg.Amount)
			to.available = to.available.Add(leg.Amount.Sub(leg.Fee))
			if leg.Fee.Sign() > 0 {
				feeKey := accountKey{feeAccount, leg.Currency}
				fee := l.shards[l.shardIndex(feeKey)].get(feeKey)
				fee.available = fee.available.Add(leg.Fee)
			}
		}
		metrics.LedgerOps.WithLabelValues("settle", "ok").Inc()
		return nil
	})
}

func (l *MemoryLedger) Get(ctx context.Context, userID uuid.UUID, currency string) Balance {
	key := accountKey{userID, currency}
	s := &l.shards[l.shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	b := Balance{UserID: userID, Currency: currency, Available: decimal.Zero, Locked: decimal.Zero}
	if acc, ok := s.accounts[key]; ok {
		b.Available = acc.available
		b.Locked = acc.locked
	}
	return b
}

func (l *MemoryLedger) UserBalances(ctx context.Context, userID uuid.UUID) []Balance {
	var out []Balance
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, acc := range s.accounts {
			if key.user == userID {
				out = append(out, Balance{
					UserID:    userID,
					Currency:  key.currency,
					Available: acc.available,
					Locked:    acc.locked,
				})
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

func (l *MemoryLedger) TotalSupply(ctx context.Context, currency string) decimal.Decimal {
	total := decimal.Zero
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, acc := range s.accounts {
			if key.currency == currency {
				total = total.Add(acc.available).Add(acc.locked)
			}
		}
		s.mu.Unlock()
	}
	return total
}

func dedupeSorted(in []int) []int {
	sort.Ints(in)
	out := in[:1]
	for _, v := range in[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
