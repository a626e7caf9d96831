// Package model holds the core order and trade types shared by the
// matching engine, the ledger and the API layer.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order types, sides, statuses, and time in force options
const (
	// Order types
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"

	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order statuses
	OrderStatusPending         = "PENDING"
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"

	// Time in force
	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
)

// Order represents a trading order in the system.
type Order struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Price          decimal.Decimal `json:"price"` // zero for market orders
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Status         string          `json:"status"`
	TimeInForce    string          `json:"time_in_force"`
	PostOnly       bool            `json:"post_only,omitempty"`
	Sequence       uint64          `json:"sequence"` // admission order within the symbol
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// LockedRemaining tracks the collateral still held for this order.
	// It starts at the initial lock amount and is drawn down per fill;
	// whatever is left when the order terminalizes is unlocked.
	LockedRemaining decimal.Decimal `json:"-"`
}

// Remaining returns the unfilled quantity. filled + remaining == quantity
// holds by construction.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsTerminal reports whether the order has reached a terminal state and
// must never mutate again.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// IsResting reports whether the order may sit in the book.
func (o *Order) IsResting() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}

// Clone returns a copy safe to hand outside the symbol's worker.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// ApplyFill updates fill accounting and the volume-weighted average price
// for an execution of qty at price.
func (o *Order) ApplyFill(price, qty decimal.Decimal, now time.Time) {
	notional := o.AvgPrice.Mul(o.FilledQuantity).Add(price.Mul(qty))
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.AvgPrice = notional.Div(o.FilledQuantity)
	if o.Remaining().IsZero() {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	o.UpdatedAt = now
}

// Trade represents a single execution between a taker and a maker order.
// Trades are immutable once recorded.
type Trade struct {
	ID           uuid.UUID       `json:"id"`
	Symbol       string          `json:"symbol"`
	TakerOrderID uuid.UUID       `json:"taker_order_id"`
	MakerOrderID uuid.UUID       `json:"maker_order_id"`
	TakerUserID  uuid.UUID       `json:"taker_user_id"`
	MakerUserID  uuid.UUID       `json:"maker_user_id"`
	Price        decimal.Decimal `json:"price"` // maker's resting price
	Quantity     decimal.Decimal `json:"quantity"`
	TakerSide    string          `json:"taker_side"`
	MakerFee     decimal.Decimal `json:"maker_fee"`
	MakerFeeCcy  string          `json:"maker_fee_currency"`
	TakerFee     decimal.Decimal `json:"taker_fee"`
	TakerFeeCcy  string          `json:"taker_fee_currency"`
	Sequence     uint64          `json:"sequence"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TradingPair describes a supported symbol ("BASE/QUOTE") and its limits.
type TradingPair struct {
	Symbol      string          `json:"symbol"`
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
}

// SplitSymbol splits a "BASE/QUOTE" symbol into its currencies.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// BookLevel is one aggregated price level in a book snapshot.
type BookLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderCount int             `json:"order_count"`
}

// BookSnapshot is a read-only aggregated view of a symbol's book.
type BookSnapshot struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
	AsOf   time.Time   `json:"as_of"`
}
