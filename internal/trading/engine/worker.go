package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantexchange/matchcore/internal/trading/events"
	"github.com/quantexchange/matchcore/internal/trading/model"
	"github.com/quantexchange/matchcore/internal/trading/orderbook"
	"github.com/quantexchange/matchcore/pkg/metrics"
)

type cmdKind int

const (
	cmdPlace cmdKind = iota
	cmdCancel
	cmdGetOrder
	cmdSnapshot
	cmdListOpen
)

type command struct {
	kind    cmdKind
	order   *model.Order
	orderID uuid.UUID
	userID  uuid.UUID
	depth   int
	resp    chan cmdResult
}

type cmdResult struct {
	order    *model.Order
	orders   []*model.Order
	snapshot *model.BookSnapshot
	err      error
}

// symbolWorker is one symbol's serialization domain. It exclusively owns
// the symbol's order book and the order records of that symbol; every
// state-changing or reading command for the symbol flows through cmds and
// executes sequentially in run.
type symbolWorker struct {
	e      *Engine
	pair   model.TradingPair
	book   *orderbook.OrderBook
	cmds   chan command
	orders map[uuid.UUID]*model.Order // all orders of this symbol, incl. terminal
	seq    atomic.Uint64              // total order over admissions and trades
}

func newSymbolWorker(e *Engine, pair model.TradingPair) *symbolWorker {
	return &symbolWorker{
		e:      e,
		pair:   pair,
		book:   orderbook.NewOrderBook(pair.Symbol),
		cmds:   make(chan command, e.cfg.QueueSize),
		orders: make(map[uuid.UUID]*model.Order),
	}
}

// submit enqueues cmd and waits for its result. Blocking is limited to
// queue admission and the sequential execution of earlier commands for
// the same symbol. The engine read-lock spans the enqueue so Stop cannot
// close the queue under an in-flight sender.
func (w *symbolWorker) submit(ctx context.Context, cmd command) (cmdResult, error) {
	cmd.resp = make(chan cmdResult, 1)
	w.e.mu.RLock()
	if !w.e.running {
		w.e.mu.RUnlock()
		return cmdResult{}, model.ErrEngineStopped
	}
	select {
	case w.cmds <- cmd:
		w.e.mu.RUnlock()
	case <-ctx.Done():
		w.e.mu.RUnlock()
		return cmdResult{}, ctx.Err()
	}
	select {
	case res := <-cmd.resp:
		return res, nil
	case <-ctx.Done():
		// The command still executes; the caller just stopped waiting.
		return cmdResult{}, ctx.Err()
	}
}

func (w *symbolWorker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for cmd := range w.cmds {
		var res cmdResult
		switch cmd.kind {
		case cmdPlace:
			res = w.processPlace(cmd.order)
		case cmdCancel:
			res = w.processCancel(cmd.userID, cmd.orderID)
		case cmdGetOrder:
			res = w.processGetOrder(cmd.userID, cmd.orderID)
		case cmdSnapshot:
			res = cmdResult{snapshot: w.book.Snapshot(cmd.depth)}
		case cmdListOpen:
			res = w.processListOpen(cmd.userID)
		}
		cmd.resp <- res
	}
}

// processPlace drives the order lifecycle for one admission pass:
// collateral lock, post-only and FOK pre-checks, matching, and remainder
// handling. Funds are locked before the order is ever matchable and every
// unlock happens before the terminal state is exposed.
func (w *symbolWorker) processPlace(o *model.Order) cmdResult {
	ctx := context.Background()
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	lockCcy, lockAmount, err := w.collateralFor(o)
	if err != nil {
		o.Status = model.OrderStatusRejected
		w.finishRejected(o, err)
		return cmdResult{order: o.Clone(), err: err}
	}
	if err := w.e.ledger.Lock(ctx, o.UserID, lockCcy, lockAmount, o.ID.String()); err != nil {
		o.Status = model.OrderStatusRejected
		w.finishRejected(o, err)
		return cmdResult{order: o.Clone(), err: err}
	}
	o.LockedRemaining = lockAmount
	o.Status = model.OrderStatusOpen
	o.Sequence = w.seq.Add(1)
	w.orders[o.ID] = o
	w.e.registerOrder(o.ID, w.pair.Symbol)

	if o.PostOnly && w.wouldCross(o) {
		err := model.ErrPostOnlyWouldCross
		w.unlockRemaining(ctx, o, "postonly")
		o.Status = model.OrderStatusRejected
		o.UpdatedAt = time.Now().UTC()
		w.finishRejected(o, err)
		return cmdResult{order: o.Clone(), err: err}
	}

	w.e.publishOrder(events.TypeOrderAccepted, o, "")
	metrics.OrdersProcessed.WithLabelValues(o.Side, "accepted").Inc()

	if o.TimeInForce == model.TimeInForceFOK && !w.fillable(o) {
		// All-or-nothing: nothing may execute, so terminalize before any
		// state is touched.
		w.cancelRemainder(ctx, o, "fok_unfillable")
		return cmdResult{order: o.Clone()}
	}

	selfBlocked := w.match(ctx, o)

	if o.Remaining().Sign() > 0 {
		switch {
		case selfBlocked:
			// The only crossing liquidity left belongs to this owner;
			// resting would cross the book against itself.
			w.cancelRemainder(ctx, o, "self_trade")
		case o.Type == model.OrderTypeMarket:
			w.cancelRemainder(ctx, o, "no_liquidity")
		case o.TimeInForce == model.TimeInForceIOC:
			w.cancelRemainder(ctx, o, "ioc_remainder")
		case o.TimeInForce == model.TimeInForceFOK:
			// Unreachable given the pre-check; terminalize defensively.
			w.cancelRemainder(ctx, o, "fok_remainder")
		default:
			if err := w.book.AddOrder(o); err != nil {
				w.e.logger.Error("rest order", zap.Error(err), zap.String("order_id", o.ID.String()))
				w.cancelRemainder(ctx, o, "rest_failed")
			} else {
				w.updateBookGauges()
			}
		}
	} else {
		w.finishFilled(ctx, o)
	}
	return cmdResult{order: o.Clone()}
}

func (w *symbolWorker) processCancel(userID, orderID uuid.UUID) cmdResult {
	o, ok := w.orders[orderID]
	if !ok || o.UserID != userID {
		return cmdResult{err: model.ErrOrderNotFound}
	}
	if o.IsTerminal() {
		return cmdResult{order: o.Clone(), err: model.ErrAlreadyTerminal}
	}
	if _, err := w.book.RemoveOrder(orderID); err != nil {
		return cmdResult{err: fmt.Errorf("%w: open order missing from book", model.ErrInvariantViolation)}
	}
	w.updateBookGauges()
	w.cancelRemainder(context.Background(), o, "user_cancel")
	return cmdResult{order: o.Clone()}
}

func (w *symbolWorker) processGetOrder(userID, orderID uuid.UUID) cmdResult {
	o, ok := w.orders[orderID]
	if !ok || o.UserID != userID {
		return cmdResult{err: model.ErrOrderNotFound}
	}
	return cmdResult{order: o.Clone()}
}

func (w *symbolWorker) processListOpen(userID uuid.UUID) cmdResult {
	var out []*model.Order
	for _, o := range w.orders {
		if o.UserID == userID && o.IsResting() {
			out = append(out, o.Clone())
		}
	}
	return cmdResult{orders: out}
}

// collateralFor determines what must be locked to admit o: quote notional
// for buys (banded over best ask for market buys), base quantity for sells.
func (w *symbolWorker) collateralFor(o *model.Order) (string, decimal.Decimal, error) {
	if o.Side == model.OrderSideSell {
		return w.pair.Base, o.Quantity, nil
	}
	if o.Type == model.OrderTypeLimit {
		return w.pair.Quote, o.Price.Mul(o.Quantity), nil
	}
	best, ok := w.book.BestAsk()
	if !ok {
		return "", decimal.Zero, model.ErrNoLiquidity
	}
	banded := best.Price.Mul(w.e.cfg.MarketPriceBand).Mul(o.Quantity)
	return w.pair.Quote, banded, nil
}

// wouldCross reports whether a limit order would execute immediately
// against non-self liquidity.
func (w *symbolWorker) wouldCross(o *model.Order) bool {
	maker, _ := w.nextMaker(o)
	return maker != nil
}

// unlockRemaining releases whatever collateral is still held for o.
func (w *symbolWorker) unlockRemaining(ctx context.Context, o *model.Order, tag string) {
	if o.LockedRemaining.Sign() <= 0 {
		return
	}
	ccy := w.pair.Quote
	if o.Side == model.OrderSideSell {
		ccy = w.pair.Base
	}
	reason := o.ID.String() + ":" + tag
	if err := w.e.ledger.Unlock(ctx, o.UserID, ccy, o.LockedRemaining, reason); err != nil {
		w.e.logger.Error("unlock remaining collateral",
			zap.Error(err),
			zap.String("order_id", o.ID.String()),
			zap.String("currency", ccy),
			zap.String("amount", o.LockedRemaining.String()))
		return
	}
	o.LockedRemaining = decimal.Zero
}

// cancelRemainder terminalizes o with its unfilled remainder discarded.
// The unlock is applied before the cancelled state becomes observable.
func (w *symbolWorker) cancelRemainder(ctx context.Context, o *model.Order, reason string) {
	w.unlockRemaining(ctx, o, "cancel")
	o.Status = model.OrderStatusCancelled
	o.UpdatedAt = time.Now().UTC()
	w.e.publishOrder(events.TypeOrderCancelled, o, reason)
	metrics.OrdersProcessed.WithLabelValues(o.Side, "cancelled").Inc()
}

// finishFilled releases any leftover collateral (price improvement on
// buys) for a fully filled taker.
func (w *symbolWorker) finishFilled(ctx context.Context, o *model.Order) {
	w.unlockRemaining(ctx, o, "filled")
	metrics.OrdersProcessed.WithLabelValues(o.Side, "filled").Inc()
}

func (w *symbolWorker) finishRejected(o *model.Order, err error) {
	o.UpdatedAt = time.Now().UTC()
	w.e.publishOrder(events.TypeOrderRejected, o, err.Error())
	metrics.OrdersProcessed.WithLabelValues(o.Side, "rejected").Inc()
}

func (w *symbolWorker) updateBookGauges() {
	metrics.RestingOrders.WithLabelValues(w.pair.Symbol, model.OrderSideBuy).Set(float64(w.book.Len(model.OrderSideBuy)))
	metrics.RestingOrders.WithLabelValues(w.pair.Symbol, model.OrderSideSell).Set(float64(w.book.Len(model.OrderSideSell)))
}
