// Package orderbook implements the per-symbol resting order store: two
// price-time priority sides backed by btrees keyed on fixed-width price
// strings. A book is owned exclusively by its symbol's worker goroutine;
// it carries no locks of its own and must never be touched from outside
// that serialization domain. External consumers only ever see snapshots.
package orderbook

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/quantexchange/matchcore/internal/trading/model"
)

// OrderBook holds the resting limit orders for a single symbol.
type OrderBook struct {
	symbol string
	bids   *btree.Map[string, *PriceLevel] // ascending key order; best bid is Max
	asks   *btree.Map[string, *PriceLevel] // ascending key order; best ask is Min
	index  map[uuid.UUID]*model.Order
}

// NewOrderBook creates an empty book for symbol.
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids:   btree.NewMap[string, *PriceLevel](32),
		asks:   btree.NewMap[string, *PriceLevel](32),
		index:  make(map[uuid.UUID]*model.Order),
	}
}

// Symbol returns the symbol this book serves.
func (ob *OrderBook) Symbol() string { return ob.symbol }

func (ob *OrderBook) sideFor(side string) *btree.Map[string, *PriceLevel] {
	if side == model.OrderSideBuy {
		return ob.bids
	}
	return ob.asks
}

// AddOrder rests a limit order at its price level, behind earlier arrivals
// at the same price. Only open or partially filled limit orders may rest.
func (ob *OrderBook) AddOrder(o *model.Order) error {
	if !o.IsResting() {
		return fmt.Errorf("order %s in state %s cannot rest", o.ID, o.Status)
	}
	if o.Type != model.OrderTypeLimit {
		return fmt.Errorf("order %s: only limit orders can rest", o.ID)
	}
	if _, exists := ob.index[o.ID]; exists {
		return fmt.Errorf("order %s already in book", o.ID)
	}
	tree := ob.sideFor(o.Side)
	key := priceKey(o.Price)
	level, ok := tree.Get(key)
	if !ok {
		level = &PriceLevel{Price: o.Price}
		tree.Set(key, level)
	}
	level.append(o)
	ob.index[o.ID] = o
	return nil
}

// RemoveOrder takes a resting order out of the book and returns it.
func (ob *OrderBook) RemoveOrder(id uuid.UUID) (*model.Order, error) {
	o, ok := ob.index[id]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	tree := ob.sideFor(o.Side)
	key := priceKey(o.Price)
	level, ok := tree.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: order %s indexed but level %s missing", model.ErrInvariantViolation, id, key)
	}
	if _, ok := level.remove(id); !ok {
		return nil, fmt.Errorf("%w: order %s indexed but not at level %s", model.ErrInvariantViolation, id, key)
	}
	if level.Len() == 0 {
		tree.Delete(key)
	}
	delete(ob.index, id)
	return o, nil
}

// Get returns a resting order by id without removing it.
func (ob *OrderBook) Get(id uuid.UUID) (*model.Order, bool) {
	o, ok := ob.index[id]
	return o, ok
}

// Len returns the number of resting orders on the given side.
func (ob *OrderBook) Len(side string) int {
	n := 0
	ob.sideFor(side).Scan(func(_ string, level *PriceLevel) bool {
		n += level.Len()
		return true
	})
	return n
}

// BestBid returns the highest-priced bid level.
func (ob *OrderBook) BestBid() (*PriceLevel, bool) {
	_, level, ok := ob.bids.Max()
	return level, ok
}

// BestAsk returns the lowest-priced ask level.
func (ob *OrderBook) BestAsk() (*PriceLevel, bool) {
	_, level, ok := ob.asks.Min()
	return level, ok
}

// AscendAsks walks ask levels from best (lowest) upward until fn returns
// false. fn must not mutate the book.
func (ob *OrderBook) AscendAsks(fn func(*PriceLevel) bool) {
	ob.asks.Scan(func(_ string, level *PriceLevel) bool {
		return fn(level)
	})
}

// DescendBids walks bid levels from best (highest) downward until fn
// returns false. fn must not mutate the book.
func (ob *OrderBook) DescendBids(fn func(*PriceLevel) bool) {
	ob.bids.Reverse(func(_ string, level *PriceLevel) bool {
		return fn(level)
	})
}

// Snapshot produces an aggregated read-only view of the top depth levels
// per side, best-first. It never mutates book state.
func (ob *OrderBook) Snapshot(depth int) *model.BookSnapshot {
	snap := &model.BookSnapshot{
		Symbol: ob.symbol,
		Bids:   make([]model.BookLevel, 0, depth),
		Asks:   make([]model.BookLevel, 0, depth),
		AsOf:   time.Now().UTC(),
	}
	ob.DescendBids(func(level *PriceLevel) bool {
		snap.Bids = append(snap.Bids, model.BookLevel{
			Price:      level.Price,
			Quantity:   level.TotalQuantity(),
			OrderCount: level.Len(),
		})
		return len(snap.Bids) < depth
	})
	ob.AscendAsks(func(level *PriceLevel) bool {
		snap.Asks = append(snap.Asks, model.BookLevel{
			Price:      level.Price,
			Quantity:   level.TotalQuantity(),
			OrderCount: level.Len(),
		})
		return len(snap.Asks) < depth
	})
	return snap
}
