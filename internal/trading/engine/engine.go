// Package engine implements the matching engine: per-symbol serialization
// domains running price-time priority matching, order lifecycle handling,
// and atomic settlement through the ledger.
//
// Concurrency model: every symbol gets one worker goroutine owning that
// symbol's order book. Placement, matching, cancellation and book reads
// for a symbol form a single sequential command stream; different symbols
// run fully in parallel and only meet inside the ledger, which
// synchronizes independently.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantexchange/matchcore/internal/trading/events"
	"github.com/quantexchange/matchcore/internal/trading/ledger"
	"github.com/quantexchange/matchcore/internal/trading/model"
	"github.com/quantexchange/matchcore/internal/trading/risk"
	"github.com/quantexchange/matchcore/internal/trading/tape"
	"github.com/quantexchange/matchcore/pkg/metrics"
)

// Config carries the engine's tunables.
type Config struct {
	MakerFeeRate    decimal.Decimal
	TakerFeeRate    decimal.Decimal
	MarketPriceBand decimal.Decimal // collateral band over best ask for market buys, e.g. 1.05
	QueueSize       int             // per-symbol command queue depth
	FeeAccount      uuid.UUID       // receives all collected fees
}

// PlaceOrderRequest is the engine's order submission surface.
type PlaceOrderRequest struct {
	UserID      uuid.UUID
	Symbol      string
	Side        string
	Type        string
	Quantity    decimal.Decimal
	Price       decimal.Decimal // required for limit orders, must be absent for market
	TimeInForce string          // defaults to GTC for limit, IOC for market
	PostOnly    bool
}

// Engine is the public matching engine facade.
type Engine struct {
	logger *zap.Logger
	ledger ledger.Service
	risk   risk.Service
	bus    *events.Bus
	tape   *tape.Tape
	fees   *FeeSchedule
	cfg    Config

	mu      sync.RWMutex
	running bool
	workers map[string]*symbolWorker
	wg      sync.WaitGroup

	regMu    sync.RWMutex
	registry map[uuid.UUID]string // order id -> symbol
}

// New creates an engine trading the given pairs. Start must be called
// before orders are accepted.
func New(logger *zap.Logger, led ledger.Service, riskSvc risk.Service, bus *events.Bus, tp *tape.Tape, pairs []model.TradingPair, cfg Config) (*Engine, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("engine: at least one trading pair is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MarketPriceBand.LessThan(decimal.NewFromInt(1)) {
		cfg.MarketPriceBand = decimal.RequireFromString("1.05")
	}
	if cfg.FeeAccount == uuid.Nil {
		cfg.FeeAccount = uuid.New()
	}
	e := &Engine{
		logger:   logger,
		ledger:   led,
		risk:     riskSvc,
		bus:      bus,
		tape:     tp,
		fees:     NewFeeSchedule(cfg.MakerFeeRate, cfg.TakerFeeRate),
		cfg:      cfg,
		workers:  make(map[string]*symbolWorker),
		registry: make(map[uuid.UUID]string),
	}
	for _, pair := range pairs {
		if _, dup := e.workers[pair.Symbol]; dup {
			return nil, fmt.Errorf("engine: duplicate pair %s", pair.Symbol)
		}
		e.workers[pair.Symbol] = newSymbolWorker(e, pair)
	}
	return e, nil
}

// Fees exposes the fee schedule for per-pair overrides.
func (e *Engine) Fees() *FeeSchedule { return e.fees }

// Start launches the per-symbol workers.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine is already running")
	}
	for _, w := range e.workers {
		e.wg.Add(1)
		go w.run(&e.wg)
	}
	e.running = true
	e.logger.Info("matching engine started", zap.Int("pairs", len(e.workers)))
	return nil
}

// Stop drains the workers and stops accepting commands.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine is not running")
	}
	e.running = false
	for _, w := range e.workers {
		close(w.cmds)
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("matching engine stopped")
	return nil
}

func (e *Engine) workerFor(symbol string) (*symbolWorker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running {
		return nil, model.ErrEngineStopped
	}
	w, ok := e.workers[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedSymbol, symbol)
	}
	return w, nil
}

// PlaceOrder validates, admits and matches a new order. The returned order
// snapshot reflects the state after the admission pass: it may already be
// partially or fully filled, cancelled (IOC/FOK remainder), or resting.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	start := time.Now()
	defer func() { metrics.OrderLatency.Observe(time.Since(start).Seconds()) }()

	verdict, err := e.risk.Check(ctx, risk.CheckRequest{
		UserID:   req.UserID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	if err != nil {
		return nil, fmt.Errorf("risk check: %w", err)
	}
	if !verdict.Allowed {
		metrics.OrdersProcessed.WithLabelValues(req.Side, "rejected").Inc()
		return nil, fmt.Errorf("%w: %s", model.ErrRiskRejected, verdict.Reason)
	}

	w, err := e.workerFor(req.Symbol)
	if err != nil {
		return nil, err
	}
	order, err := buildOrder(req, w.pair)
	if err != nil {
		metrics.OrdersProcessed.WithLabelValues(req.Side, "rejected").Inc()
		return nil, err
	}

	res, err := w.submit(ctx, command{kind: cmdPlace, order: order})
	if err != nil {
		return nil, err
	}
	return res.order, res.err
}

// CancelOrder cancels a resting order. Only the owner may cancel; the
// remaining locked collateral is released before the cancelled state
// becomes observable.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*model.Order, error) {
	symbol, ok := e.lookupSymbol(orderID)
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	w, err := e.workerFor(symbol)
	if err != nil {
		return nil, err
	}
	res, err := w.submit(ctx, command{kind: cmdCancel, orderID: orderID, userID: userID})
	if err != nil {
		return nil, err
	}
	return res.order, res.err
}

// GetOrder returns a snapshot of an order owned by userID.
func (e *Engine) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*model.Order, error) {
	symbol, ok := e.lookupSymbol(orderID)
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	w, err := e.workerFor(symbol)
	if err != nil {
		return nil, err
	}
	res, err := w.submit(ctx, command{kind: cmdGetOrder, orderID: orderID, userID: userID})
	if err != nil {
		return nil, err
	}
	return res.order, res.err
}

// GetOrderBook returns an aggregated snapshot of the top depth levels.
func (e *Engine) GetOrderBook(ctx context.Context, symbol string, depth int) (*model.BookSnapshot, error) {
	if depth <= 0 {
		depth = 20
	}
	w, err := e.workerFor(symbol)
	if err != nil {
		return nil, err
	}
	res, err := w.submit(ctx, command{kind: cmdSnapshot, depth: depth})
	if err != nil {
		return nil, err
	}
	return res.snapshot, res.err
}

// GetTrades returns up to limit recent trades for symbol, newest first.
func (e *Engine) GetTrades(ctx context.Context, symbol string, limit int) ([]model.Trade, error) {
	if _, err := e.workerFor(symbol); err != nil {
		return nil, err
	}
	return e.tape.Recent(symbol, limit), nil
}

// ListOpenOrders returns snapshots of the user's open orders across all
// symbols.
func (e *Engine) ListOpenOrders(ctx context.Context, userID uuid.UUID) ([]*model.Order, error) {
	e.mu.RLock()
	if !e.running {
		e.mu.RUnlock()
		return nil, model.ErrEngineStopped
	}
	workers := make([]*symbolWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.RUnlock()

	var out []*model.Order
	for _, w := range workers {
		res, err := w.submit(ctx, command{kind: cmdListOpen, userID: userID})
		if err != nil {
			return nil, err
		}
		out = append(out, res.orders...)
	}
	return out, nil
}

func (e *Engine) registerOrder(orderID uuid.UUID, symbol string) {
	e.regMu.Lock()
	e.registry[orderID] = symbol
	e.regMu.Unlock()
}

func (e *Engine) lookupSymbol(orderID uuid.UUID) (string, bool) {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	symbol, ok := e.registry[orderID]
	return symbol, ok
}

func (e *Engine) publishOrder(eventType string, o *model.Order, reason string) {
	e.bus.Publish(events.Event{
		Type:      eventType,
		Symbol:    o.Symbol,
		Order:     o.Clone(),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (e *Engine) publishTrade(t model.Trade) {
	e.bus.Publish(events.Event{
		Type:      events.TypeTradeExecuted,
		Symbol:    t.Symbol,
		Trade:     &t,
		Timestamp: time.Now().UTC(),
	})
}

// buildOrder validates the request against the pair and produces a pending
// order. Validation failures reject before any funds move.
func buildOrder(req PlaceOrderRequest, pair model.TradingPair) (*model.Order, error) {
	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user id", model.ErrInvalidRequest)
	}
	if req.Side != model.OrderSideBuy && req.Side != model.OrderSideSell {
		return nil, fmt.Errorf("%w: unknown side %q", model.ErrInvalidRequest, req.Side)
	}
	if req.Quantity.Sign() <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", model.ErrInvalidQuantity)
	}
	if req.Quantity.LessThan(pair.MinQuantity) {
		return nil, fmt.Errorf("%w: below minimum lot %s", model.ErrInvalidQuantity, pair.MinQuantity)
	}

	tif := req.TimeInForce
	switch req.Type {
	case model.OrderTypeLimit:
		if req.Price.Sign() <= 0 {
			return nil, fmt.Errorf("%w: limit order requires a positive price", model.ErrInvalidPrice)
		}
		if tif == "" {
			tif = model.TimeInForceGTC
		}
	case model.OrderTypeMarket:
		if !req.Price.IsZero() {
			return nil, fmt.Errorf("%w: market order must not carry a price", model.ErrInvalidPrice)
		}
		if req.PostOnly {
			return nil, fmt.Errorf("%w: market order cannot be post-only", model.ErrPostOnlyWouldCross)
		}
		if tif == "" {
			tif = model.TimeInForceIOC
		}
	default:
		return nil, fmt.Errorf("%w: unknown order type %q", model.ErrInvalidRequest, req.Type)
	}

	switch tif {
	case model.TimeInForceGTC, model.TimeInForceIOC, model.TimeInForceFOK:
	default:
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidTimeInForce, tif)
	}
	if req.PostOnly && tif != model.TimeInForceGTC {
		return nil, fmt.Errorf("%w: post-only requires GTC", model.ErrInvalidTimeInForce)
	}

	return &model.Order{
		ID:              uuid.New(),
		UserID:          req.UserID,
		Symbol:          pair.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Price:           req.Price,
		Quantity:        req.Quantity,
		FilledQuantity:  decimal.Zero,
		AvgPrice:        decimal.Zero,
		Status:          model.OrderStatusPending,
		TimeInForce:     tif,
		PostOnly:        req.PostOnly,
		LockedRemaining: decimal.Zero,
	}, nil
}
