package model

import "errors"

// Engine error taxonomy. Every engine operation returns one of these
// (possibly wrapped); no error crosses a component boundary unclassified.
var (
	// ErrUnsupportedSymbol rejects orders for pairs the engine does not trade.
	ErrUnsupportedSymbol = errors.New("unsupported symbol")

	// ErrInvalidRequest rejects malformed submissions: missing user id,
	// unknown side, unknown order type.
	ErrInvalidRequest = errors.New("invalid order request")

	// ErrInvalidQuantity rejects non-positive or below-minimum-lot quantities.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrInvalidPrice rejects limit orders with a non-positive price and
	// market orders carrying a price.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrInvalidTimeInForce rejects unknown time-in-force values.
	ErrInvalidTimeInForce = errors.New("invalid time in force")

	// ErrInsufficientFunds rejects orders whose collateral cannot be locked.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOrderNotFound is returned on cancel/get of an unknown order id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrAlreadyTerminal is returned on cancel of a filled/cancelled/rejected order.
	ErrAlreadyTerminal = errors.New("order already in terminal state")

	// ErrNoLiquidity rejects market orders placed against an empty opposite
	// side; nothing can execute and a market order never rests.
	ErrNoLiquidity = errors.New("no liquidity for market order")

	// ErrPostOnlyWouldCross rejects post-only orders that would take liquidity.
	ErrPostOnlyWouldCross = errors.New("post-only order would cross")

	// ErrRiskRejected is returned when the risk collaborator denies the order.
	ErrRiskRejected = errors.New("rejected by risk check")

	// ErrEngineStopped is returned for operations against a stopped engine.
	ErrEngineStopped = errors.New("engine not running")

	// ErrInvariantViolation signals a correctness bug (e.g. unlocking more
	// than is locked). It aborts the affected operation only and is logged
	// loudly; it must never occur with correct callers.
	ErrInvariantViolation = errors.New("internal invariant violation")
)
