package orderbook

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantexchange/matchcore/internal/trading/model"
)

// priceKeyScale fixes the sortable key layout: 18 integer digits and 12
// fractional digits cover every supported pair's price range.
const (
	priceKeyIntDigits  = 18
	priceKeyFracDigits = 12
)

// priceKey renders a positive price as a fixed-width string whose
// lexicographic order matches numeric order, so it can key the level btree.
func priceKey(p decimal.Decimal) string {
	s := p.StringFixed(priceKeyFracDigits)
	intPart, frac, _ := strings.Cut(s, ".")
	if len(intPart) < priceKeyIntDigits {
		intPart = strings.Repeat("0", priceKeyIntDigits-len(intPart)) + intPart
	}
	return intPart + "." + frac
}

// PriceLevel holds the FIFO queue of resting orders at one price.
type PriceLevel struct {
	Price  decimal.Decimal
	orders []*model.Order
}

// Orders returns the level's queue in time priority. The slice is owned by
// the book; callers must not retain or mutate it.
func (pl *PriceLevel) Orders() []*model.Order {
	return pl.orders
}

// Len returns the number of resting orders at this level.
func (pl *PriceLevel) Len() int { return len(pl.orders) }

// TotalQuantity sums the remaining quantity across the level.
func (pl *PriceLevel) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.orders {
		total = total.Add(o.Remaining())
	}
	return total
}

func (pl *PriceLevel) append(o *model.Order) {
	pl.orders = append(pl.orders, o)
}

func (pl *PriceLevel) remove(id uuid.UUID) (*model.Order, bool) {
	for i, o := range pl.orders {
		if o.ID == id {
			pl.orders = append(pl.orders[:i], pl.orders[i+1:]...)
			return o, true
		}
	}
	return nil, false
}
