package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantexchange/matchcore/internal/trading/events"
	"github.com/quantexchange/matchcore/internal/trading/ledger"
	"github.com/quantexchange/matchcore/internal/trading/model"
	"github.com/quantexchange/matchcore/internal/trading/risk"
	"github.com/quantexchange/matchcore/internal/trading/tape"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type testEnv struct {
	engine  *Engine
	ledger  *ledger.MemoryLedger
	feeAcct uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	led := ledger.NewMemoryLedger(logger)
	feeAcct := uuid.New()
	pairs := []model.TradingPair{
		{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", MinQuantity: dec("0.0001")},
		{Symbol: "ETH/USDT", Base: "ETH", Quote: "USDT", MinQuantity: dec("0.001")},
	}
	eng, err := New(logger, led, risk.NewPermissiveService(), events.NewBus(logger), tape.New(1000), pairs, Config{
		MakerFeeRate:    dec("0.001"),
		TakerFeeRate:    dec("0.002"),
		MarketPriceBand: dec("1.05"),
		QueueSize:       64,
		FeeAccount:      feeAcct,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	t.Cleanup(func() { _ = eng.Stop() })
	return &testEnv{engine: eng, ledger: led, feeAcct: feeAcct}
}

func (env *testEnv) deposit(t *testing.T, user uuid.UUID, currency, amount string) {
	t.Helper()
	require.NoError(t, env.ledger.Deposit(context.Background(), user, currency, dec(amount), uuid.New().String()))
}

func (env *testEnv) place(t *testing.T, req PlaceOrderRequest) *model.Order {
	t.Helper()
	o, err := env.engine.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	return o
}

func limitBuy(user uuid.UUID, symbol, qty, price string) PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID: user, Symbol: symbol, Side: model.OrderSideBuy,
		Type: model.OrderTypeLimit, Quantity: dec(qty), Price: dec(price),
	}
}

func limitSell(user uuid.UUID, symbol, qty, price string) PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID: user, Symbol: symbol, Side: model.OrderSideSell,
		Type: model.OrderTypeLimit, Quantity: dec(qty), Price: dec(price),
	}
}

func TestGTCFullMatchAtMakerPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	env.deposit(t, a, "USDT", "50000")
	env.deposit(t, b, "BTC", "1")

	buy := env.place(t, limitBuy(a, "BTC/USDT", "1", "50000"))
	assert.Equal(t, model.OrderStatusOpen, buy.Status)
	assert.True(t, env.ledger.Get(ctx, a, "USDT").Locked.Equal(dec("50000")))

	sell := env.place(t, limitSell(b, "BTC/USDT", "1", "50000"))
	assert.Equal(t, model.OrderStatusFilled, sell.Status)

	got, err := env.engine.GetOrder(ctx, a, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
	assert.True(t, got.AvgPrice.Equal(dec("50000")))

	trades, err := env.engine.GetTrades(ctx, "BTC/USDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(dec("50000")))
	assert.True(t, trades[0].Quantity.Equal(dec("1")))
	assert.Equal(t, buy.ID, trades[0].MakerOrderID)
	assert.Equal(t, sell.ID, trades[0].TakerOrderID)

	// Buyer is maker: receives 1 BTC minus 0.1% maker fee in base.
	assert.True(t, env.ledger.Get(ctx, a, "BTC").Available.Equal(dec("0.999")))
	// Seller is taker: receives 50000 USDT minus 0.2% taker fee in quote.
	assert.True(t, env.ledger.Get(ctx, b, "USDT").Available.Equal(dec("49900")))
	// Nothing left locked on either side.
	assert.True(t, env.ledger.Get(ctx, a, "USDT").Locked.IsZero())
	assert.True(t, env.ledger.Get(ctx, b, "BTC").Locked.IsZero())
	// Fees landed in the fee account; conservation holds per currency.
	assert.True(t, env.ledger.Get(ctx, env.feeAcct, "BTC").Available.Equal(dec("0.001")))
	assert.True(t, env.ledger.Get(ctx, env.feeAcct, "USDT").Available.Equal(dec("100")))
	assert.True(t, env.ledger.TotalSupply(ctx, "USDT").Equal(dec("50000")))
	assert.True(t, env.ledger.TotalSupply(ctx, "BTC").Equal(dec("1")))
}

func TestPartialFillRestsRemainder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	env.deposit(t, a, "USDT", "100000")
	env.deposit(t, b, "BTC", "1")

	buy := env.place(t, limitBuy(a, "BTC/USDT", "2", "50000"))
	sell := env.place(t, limitSell(b, "BTC/USDT", "1", "50000"))
	assert.Equal(t, model.OrderStatusFilled, sell.Status)

	got, err := env.engine.GetOrder(ctx, a, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPartiallyFilled, got.Status)
	assert.True(t, got.Remaining().Equal(dec("1")))
	assert.True(t, got.FilledQuantity.Equal(dec("1")))

	// The remainder still rests at 50000 with its collateral locked.
	snap, err := env.engine.GetOrderBook(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Price.Equal(dec("50000")))
	assert.True(t, snap.Bids[0].Quantity.Equal(dec("1")))
	assert.True(t, env.ledger.Get(ctx, a, "USDT").Locked.Equal(dec("50000")))

	trades, err := env.engine.GetTrades(ctx, "BTC/USDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Quantity.Equal(dec("1")))
}

func TestIOCEmptyBookCancelsImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := uuid.New()
	env.deposit(t, a, "USDT", "50000")

	req := limitBuy(a, "BTC/USDT", "1", "50000")
	req.TimeInForce = model.TimeInForceIOC
	o := env.place(t, req)

	assert.Equal(t, model.OrderStatusCancelled, o.Status)
	assert.True(t, o.FilledQuantity.IsZero())
	// No resting order, no locked funds left behind.
	snap, err := env.engine.GetOrderBook(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.True(t, env.ledger.Get(ctx, a, "USDT").Locked.IsZero())
	assert.True(t, env.ledger.Get(ctx, a, "USDT").Available.Equal(dec("50000")))
}

func TestIOCPartialFillDiscardsRemainder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	env.deposit(t, a, "USDT", "100000")
	env.deposit(t, b, "BTC", "1")

	env.place(t, limitSell(b, "BTC/USDT", "1", "50000"))
	req := limitBuy(a, "BTC/USDT", "2", "50000")
	req.TimeInForce = model.TimeInForceIOC
	o := env.place(t, req)

	assert.Equal(t, model.OrderStatusCancelled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(dec("1")))
	assert.True(t, env.ledger.Get(ctx, a, "USDT").Locked.IsZero())

	snap, err := env.engine.GetOrderBook(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
}

func TestFOKUnfillableRollsBackEntirely(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, c := uuid.New(), uuid.New()
	env.deposit(t, a, "USDT", "250000")
	env.deposit(t, c, "BTC", "3")

	// Only 3 BTC of liquidity at or below 50000.
	env.place(t, limitSell(c, "BTC/USDT", "3", "50000"))

	req := limitBuy(a, "BTC/USDT", "5", "50000")
	req.TimeInForce = model.TimeInForceFOK
	o := env.place(t, req)

	assert.Equal(t, model.OrderStatusCancelled, o.Status)
	assert.True(t, o.FilledQuantity.IsZero())

	trades, err := env.engine.GetTrades(ctx, "BTC/USDT", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)

	// No net balance change for the taker; maker liquidity untouched.
	assert.True(t, env.ledger.Get(ctx, a, "USDT").Available.Equal(dec("250000")))
	assert.True(t, env.ledger.Get(ctx, a, "USDT").Locked.IsZero())
	snap, err := env.engine.GetOrderBook(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.True(t, snap.Asks[0].Quantity.Equal(dec("3")))
}

func TestFOKFillableExecutesFully(t *testing.T) {
	env := newTestEnv(t)
	a, c := uuid.New(), uuid.New()
	env.deposit(t, a, "USDT", "250000")
	env.deposit(t, c, "BTC", "5")

	env.place(t, limitSell(c, "BTC/USDT", "2", "49900"))
	env.place(t, limitSell(c, "BTC/USDT", "3", "50000"))

	req := limitBuy(a, "BTC/USDT", "5", "50000")
	req.TimeInForce = model.TimeInForceFOK
	o := env.place(t, req)

	assert.Equal(t, model.OrderStatusFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(dec("5")))
	// VWAP: (2*49900 + 3*50000) / 5 = 49960.
	assert.True(t, o.AvgPrice.Equal(dec("49960")))
}

func TestNoSelfTrade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := uuid.New()
	env.deposit(t, a, "USDT", "50000")
	env.deposit(t, a, "BTC", "1")

	buy := env.place(t, limitBuy(a, "BTC/USDT", "1", "50000"))
	assert.Equal(t, model.OrderStatusOpen, buy.Status)

	// The crossing sell may not match the owner's own bid; with no other
	// counterparty the remainder is cancelled rather than rested crossed.
	sell := env.place(t, limitSell(a, "BTC/USDT", "1", "50000"))
	assert.Equal(t, model.OrderStatusCancelled, sell.Status)
	assert.True(t, sell.FilledQuantity.IsZero())

	trades, err := env.engine.GetTrades(ctx, "BTC/USDT", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)

	// The resting bid is untouched and the sell collateral fully released.
	got, err := env.engine.GetOrder(ctx, a, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusOpen, got.Status)
	assert.True(t, env.ledger.Get(ctx, a, "BTC").Locked.IsZero())
}

func TestSelfOrdersSkippedInFavorOfOthers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	env.deposit(t, a, "USDT", "200000")
	env.deposit(t, a, "BTC", "1")
	env.deposit(t, b, "USDT", "100000")

	// a's own bid has better time priority at 50000, but b's bid at the
	// same price must take the trade.
	env.place(t, limitBuy(a, "BTC/USDT", "1", "50000"))
	env.place(t, limitBuy(b, "BTC/USDT", "1", "50000"))

	sell := env.place(t, limitSell(a, "BTC/USDT", "1", "50000"))
	assert.Equal(t, model.OrderStatusFilled, sell.Status)

	trades, err := env.engine.GetTrades(ctx, "BTC/USDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, b, trades[0].MakerUserID)
	assert.NotEqual(t, trades[0].TakerUserID, trades[0].MakerUserID)
}

func TestCancelReleasesRemainingLockOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	env.deposit(t, a, "USDT", "100000")
	env.deposit(t, b, "BTC", "1")

	buy := env.place(t, limitBuy(a, "BTC/USDT", "2", "50000"))
	env.place(t, limitSell(b, "BTC/USDT", "1", "50000"))

	cancelled, err := env.engine.CancelOrder(ctx, a, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)
	// The filled half stays settled; only the resting half's lock returns.
	assert.True(t, cancelled.FilledQuantity.Equal(dec("1")))
	assert.True(t, env.ledger.Get(ctx, a, "USDT").Locked.IsZero())
	assert.True(t, env.ledger.Get(ctx, a, "USDT").Available.Equal(dec("50000")))
}

func TestCancelIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := uuid.New()
	env.deposit(t, a, "USDT", "50000")

	buy := env.place(t, limitBuy(a, "BTC/USDT", "1", "50000"))
	_, err := env.engine.CancelOrder(ctx, a, buy.ID)
	require.NoError(t, err)

	before := env.ledger.Get(ctx, a, "USDT")
	_, err = env.engine.CancelOrder(ctx, a, buy.ID)
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal)
	_, err = env.engine.CancelOrder(ctx, a, buy.ID)
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal)

	after := env.ledger.Get(ctx, a, "USDT")
	assert.True(t, before.Available.Equal(after.Available))
	assert.True(t, before.Locked.Equal(after.Locked))
}

func TestCancelRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, mallory := uuid.New(), uuid.New()
	env.deposit(t, a, "USDT", "50000")

	buy := env.place(t, limitBuy(a, "BTC/USDT", "1", "50000"))
	_, err := env.engine.CancelOrder(ctx, mallory, buy.ID)
	assert.ErrorIs(t, err, model.ErrOrderNotFound)

	_, err = env.engine.CancelOrder(ctx, a, uuid.New())
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestPriceTimePriority(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m1, m2, m3, taker := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	env.deposit(t, m1, "BTC", "1")
	env.deposit(t, m2, "BTC", "1")
	env.deposit(t, m3, "BTC", "1")
	env.deposit(t, taker, "USDT", "200000")

	// Best price wins; at equal price, earlier admission wins.
	env.place(t, limitSell(m1, "BTC/USDT", "1", "50100"))
	env.place(t, limitSell(m2, "BTC/USDT", "1", "50000"))
	env.place(t, limitSell(m3, "BTC/USDT", "1", "50100"))

	buy := env.place(t, limitBuy(taker, "BTC/USDT", "2.5", "50100"))
	assert.Equal(t, model.OrderStatusFilled, buy.Status)

	trades, err := env.engine.GetTrades(ctx, "BTC/USDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	// Newest first: last fill was m3's, first was m2's (best price).
	assert.Equal(t, m3, trades[0].MakerUserID)
	assert.True(t, trades[0].Quantity.Equal(dec("0.5")))
	assert.Equal(t, m1, trades[1].MakerUserID)
	assert.Equal(t, m2, trades[2].MakerUserID)
	assert.True(t, trades[2].Price.Equal(dec("50000")))
}

func TestBuyerPriceImprovementUnlocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	env.deposit(t, a, "USDT", "50000")
	env.deposit(t, b, "BTC", "1")

	env.place(t, limitSell(b, "BTC/USDT", "1", "49900"))
	buy := env.place(t, limitBuy(a, "BTC/USDT", "1", "50000"))

	// Executed at the maker's better price; surplus lock returned.
	assert.Equal(t, model.OrderStatusFilled, buy.Status)
	assert.True(t, buy.AvgPrice.Equal(dec("49900")))
	bal := env.ledger.Get(ctx, a, "USDT")
	assert.True(t, bal.Locked.IsZero())
	assert.True(t, bal.Available.Equal(dec("100")))
}

func TestMarketBuyExecutesWithinBand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	env.deposit(t, a, "USDT", "100000")
	env.deposit(t, b, "BTC", "1")

	env.place(t, limitSell(b, "BTC/USDT", "1", "50000"))
	o := env.place(t, PlaceOrderRequest{
		UserID: a, Symbol: "BTC/USDT", Side: model.OrderSideBuy,
		Type: model.OrderTypeMarket, Quantity: dec("0.5"),
	})

	assert.Equal(t, model.OrderStatusFilled, o.Status)
	assert.True(t, o.AvgPrice.Equal(dec("50000")))
	// Taker fee 0.2% in base: 0.5 - 0.001.
	assert.True(t, env.ledger.Get(ctx, a, "BTC").Available.Equal(dec("0.499")))
	// Banded lock fully released beyond the actual 25000 spend.
	bal := env.ledger.Get(ctx, a, "USDT")
	assert.True(t, bal.Locked.IsZero())
	assert.True(t, bal.Available.Equal(dec("75000")))
}

func TestMarketOrderEmptyBookRejected(t *testing.T) {
	env := newTestEnv(t)
	a := uuid.New()
	env.deposit(t, a, "USDT", "100000")

	_, err := env.engine.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: a, Symbol: "BTC/USDT", Side: model.OrderSideBuy,
		Type: model.OrderTypeMarket, Quantity: dec("1"),
	})
	assert.ErrorIs(t, err, model.ErrNoLiquidity)
	assert.True(t, env.ledger.Get(context.Background(), a, "USDT").Locked.IsZero())
}

func TestMarketSellSweepsThenCancels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	env.deposit(t, a, "BTC", "2")
	env.deposit(t, b, "USDT", "50000")

	env.place(t, limitBuy(b, "BTC/USDT", "1", "50000"))
	o := env.place(t, PlaceOrderRequest{
		UserID: a, Symbol: "BTC/USDT", Side: model.OrderSideSell,
		Type: model.OrderTypeMarket, Quantity: dec("2"),
	})

	// One BTC executed, the unfilled remainder never rests.
	assert.Equal(t, model.OrderStatusCancelled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(dec("1")))
	snap, err := env.engine.GetOrderBook(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	assert.Empty(t, snap.Asks)
	assert.True(t, env.ledger.Get(ctx, a, "BTC").Locked.IsZero())
}

func TestPostOnly(t *testing.T) {
	env := newTestEnv(t)
	a, b := uuid.New(), uuid.New()
	env.deposit(t, a, "USDT", "100000")
	env.deposit(t, b, "BTC", "1")

	env.place(t, limitSell(b, "BTC/USDT", "1", "50000"))

	crossing := limitBuy(a, "BTC/USDT", "1", "50000")
	crossing.PostOnly = true
	_, err := env.engine.PlaceOrder(context.Background(), crossing)
	assert.ErrorIs(t, err, model.ErrPostOnlyWouldCross)
	assert.True(t, env.ledger.Get(context.Background(), a, "USDT").Locked.IsZero())

	passive := limitBuy(a, "BTC/USDT", "1", "49000")
	passive.PostOnly = true
	o := env.place(t, passive)
	assert.Equal(t, model.OrderStatusOpen, o.Status)
}

func TestValidationRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := uuid.New()
	env.deposit(t, a, "USDT", "100000")

	_, err := env.engine.PlaceOrder(ctx, limitBuy(a, "DOGE/USDT", "1", "1"))
	assert.ErrorIs(t, err, model.ErrUnsupportedSymbol)

	_, err = env.engine.PlaceOrder(ctx, limitBuy(a, "BTC/USDT", "0", "50000"))
	assert.ErrorIs(t, err, model.ErrInvalidQuantity)

	_, err = env.engine.PlaceOrder(ctx, limitBuy(a, "BTC/USDT", "0.00001", "50000"))
	assert.ErrorIs(t, err, model.ErrInvalidQuantity)

	req := limitBuy(a, "BTC/USDT", "1", "0")
	_, err = env.engine.PlaceOrder(ctx, req)
	assert.ErrorIs(t, err, model.ErrInvalidPrice)

	req = limitBuy(a, "BTC/USDT", "1", "50000")
	req.TimeInForce = "GTD"
	_, err = env.engine.PlaceOrder(ctx, req)
	assert.ErrorIs(t, err, model.ErrInvalidTimeInForce)

	market := PlaceOrderRequest{
		UserID: a, Symbol: "BTC/USDT", Side: model.OrderSideBuy,
		Type: model.OrderTypeMarket, Quantity: dec("1"), Price: dec("50000"),
	}
	_, err = env.engine.PlaceOrder(ctx, market)
	assert.ErrorIs(t, err, model.ErrInvalidPrice)
}

func TestInsufficientFundsRejectedBeforeAdmission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := uuid.New()
	env.deposit(t, a, "USDT", "100")

	_, err := env.engine.PlaceOrder(ctx, limitBuy(a, "BTC/USDT", "1", "50000"))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	// No state change: nothing rests, nothing locked.
	snap, err := env.engine.GetOrderBook(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.True(t, env.ledger.Get(ctx, a, "USDT").Available.Equal(dec("100")))
}

type denyAllRisk struct{}

func (denyAllRisk) Check(ctx context.Context, req risk.CheckRequest) (risk.CheckResult, error) {
	return risk.CheckResult{Allowed: false, Reason: "limits breached"}, nil
}

func TestRiskCollaboratorCanDeny(t *testing.T) {
	logger := zap.NewNop()
	led := ledger.NewMemoryLedger(logger)
	pairs := []model.TradingPair{{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", MinQuantity: dec("0.0001")}}
	eng, err := New(logger, led, denyAllRisk{}, events.NewBus(logger), tape.New(10), pairs, Config{
		MakerFeeRate: dec("0.001"), TakerFeeRate: dec("0.002"),
		MarketPriceBand: dec("1.05"), QueueSize: 8, FeeAccount: uuid.New(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	defer func() { _ = eng.Stop() }()

	_, err = eng.PlaceOrder(context.Background(), limitBuy(uuid.New(), "BTC/USDT", "1", "50000"))
	assert.ErrorIs(t, err, model.ErrRiskRejected)
}

func TestConcurrentCrossSymbolPlacement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const n = 50

	run := func(symbol, baseCcy, quote string) error {
		buyer, seller := uuid.New(), uuid.New()
		if err := env.ledger.Deposit(ctx, buyer, "USDT", dec(quote), uuid.New().String()); err != nil {
			return err
		}
		if err := env.ledger.Deposit(ctx, seller, baseCcy, dec("1"), uuid.New().String()); err != nil {
			return err
		}
		if _, err := env.engine.PlaceOrder(ctx, limitBuy(buyer, symbol, "1", quote)); err != nil {
			return err
		}
		_, err := env.engine.PlaceOrder(ctx, limitSell(seller, symbol, "1", quote))
		return err
	}

	errs := make(chan error, 2*n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- run("BTC/USDT", "BTC", "50000")
		}()
		go func() {
			defer wg.Done()
			errs <- run("ETH/USDT", "ETH", "3000")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	btc, err := env.engine.GetTrades(ctx, "BTC/USDT", n+1)
	require.NoError(t, err)
	eth, err := env.engine.GetTrades(ctx, "ETH/USDT", n+1)
	require.NoError(t, err)
	assert.Len(t, btc, n)
	assert.Len(t, eth, n)

	// Conservation across all trading.
	assert.True(t, env.ledger.TotalSupply(ctx, "BTC").Equal(decimal.NewFromInt(n)))
	assert.True(t, env.ledger.TotalSupply(ctx, "ETH").Equal(decimal.NewFromInt(n)))
}

func TestListOpenOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := uuid.New()
	env.deposit(t, a, "USDT", "200000")

	o1 := env.place(t, limitBuy(a, "BTC/USDT", "1", "49000"))
	env.place(t, limitBuy(a, "ETH/USDT", "1", "2900"))

	open, err := env.engine.ListOpenOrders(ctx, a)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	_, err = env.engine.CancelOrder(ctx, a, o1.ID)
	require.NoError(t, err)
	open, err = env.engine.ListOpenOrders(ctx, a)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestStoppedEngineRefusesOperations(t *testing.T) {
	logger := zap.NewNop()
	led := ledger.NewMemoryLedger(logger)
	pairs := []model.TradingPair{{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT"}}
	eng, err := New(logger, led, risk.NewPermissiveService(), events.NewBus(logger), tape.New(10), pairs, Config{
		MakerFeeRate: dec("0.001"), TakerFeeRate: dec("0.002"),
		MarketPriceBand: dec("1.05"), QueueSize: 8, FeeAccount: uuid.New(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	require.NoError(t, eng.Stop())

	_, err = eng.PlaceOrder(context.Background(), limitBuy(uuid.New(), "BTC/USDT", "1", "50000"))
	assert.ErrorIs(t, err, model.ErrEngineStopped)
	_, err = eng.GetOrderBook(context.Background(), "BTC/USDT", 5)
	assert.ErrorIs(t, err, model.ErrEngineStopped)
}
