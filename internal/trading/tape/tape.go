// Package tape keeps the append-only record of executed trades. The tape
// is derived state: it feeds reporting and market data consumers and is
// never consulted by the matching path.
package tape

import (
	"sync"

	"github.com/quantexchange/matchcore/internal/trading/model"
)

// DefaultCapacity bounds how many trades are retained per symbol.
const DefaultCapacity = 10000

// Tape is a bounded in-memory trade log, newest retained up to capacity.
type Tape struct {
	mu       sync.RWMutex
	capacity int
	bySymbol map[string][]model.Trade
}

// New creates a tape retaining up to capacity trades per symbol.
// capacity <= 0 falls back to DefaultCapacity.
func New(capacity int) *Tape {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tape{
		capacity: capacity,
		bySymbol: make(map[string][]model.Trade),
	}
}

// Append records an executed trade. Trades are stored by value and never
// mutated afterwards.
func (t *Tape) Append(trade model.Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	trades := append(t.bySymbol[trade.Symbol], trade)
	if len(trades) > t.capacity {
		trades = trades[len(trades)-t.capacity:]
	}
	t.bySymbol[trade.Symbol] = trades
}

// Recent returns up to limit trades for symbol, newest first.
func (t *Tape) Recent(symbol string, limit int) []model.Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	trades := t.bySymbol[symbol]
	if limit <= 0 || limit > len(trades) {
		limit = len(trades)
	}
	out := make([]model.Trade, limit)
	for i := 0; i < limit; i++ {
		out[i] = trades[len(trades)-1-i]
	}
	return out
}

// Len returns the number of retained trades for symbol.
func (t *Tape) Len(symbol string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bySymbol[symbol])
}
