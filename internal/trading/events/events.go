// Package events carries the engine's fire-and-forget notification stream.
// Delivery is best-effort: a slow or absent subscriber never blocks or
// affects engine state.
package events

import (
	"time"

	"github.com/quantexchange/matchcore/internal/trading/model"
)

// Event types emitted by the engine.
const (
	TypeOrderAccepted  = "order.accepted"
	TypeOrderRejected  = "order.rejected"
	TypeOrderFilled    = "order.filled"
	TypeOrderPartially = "order.partially_filled"
	TypeOrderCancelled = "order.cancelled"
	TypeTradeExecuted  = "trade.executed"
)

// Event is one notification. Order and Trade are snapshots taken after the
// state transition committed; subscribers may retain them.
type Event struct {
	Type      string        `json:"type"`
	Symbol    string        `json:"symbol"`
	Order     *model.Order  `json:"order,omitempty"`
	Trade     *model.Trade  `json:"trade,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
