package engine

import (
	"sync"

	"github.com/shopspring/decimal"
)

// PairFees overrides the default maker/taker rates for one symbol.
type PairFees struct {
	MakerRate decimal.Decimal
	TakerRate decimal.Decimal
}

// FeeSchedule resolves maker/taker fee rates. Fees are charged in the
// currency the payer receives: a buyer's fee comes out of the base
// currency credit, a seller's fee out of the quote currency credit.
type FeeSchedule struct {
	mu        sync.RWMutex
	makerRate decimal.Decimal
	takerRate decimal.Decimal
	overrides map[string]PairFees
}

// NewFeeSchedule creates a schedule with the given default rates.
func NewFeeSchedule(makerRate, takerRate decimal.Decimal) *FeeSchedule {
	return &FeeSchedule{
		makerRate: makerRate,
		takerRate: takerRate,
		overrides: make(map[string]PairFees),
	}
}

// SetPairFees installs per-symbol override rates.
func (f *FeeSchedule) SetPairFees(symbol string, fees PairFees) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[symbol] = fees
}

// Rate returns the fee rate for a fill on symbol depending on liquidity role.
func (f *FeeSchedule) Rate(symbol string, isMaker bool) decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if o, ok := f.overrides[symbol]; ok {
		if isMaker {
			return o.MakerRate
		}
		return o.TakerRate
	}
	if isMaker {
		return f.makerRate
	}
	return f.takerRate
}
