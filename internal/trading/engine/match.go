package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantexchange/matchcore/internal/trading/events"
	"github.com/quantexchange/matchcore/internal/trading/ledger"
	"github.com/quantexchange/matchcore/internal/trading/model"
	"github.com/quantexchange/matchcore/internal/trading/orderbook"
	"github.com/quantexchange/matchcore/pkg/metrics"
)

// crosses reports whether the taker executes against a level at price.
// A market order always crosses; a limit order crosses while the level
// price is at or inside its limit.
func crosses(taker *model.Order, price decimal.Decimal) bool {
	if taker.Type == model.OrderTypeMarket {
		return true
	}
	if taker.Side == model.OrderSideBuy {
		return price.LessThanOrEqual(taker.Price)
	}
	return price.GreaterThanOrEqual(taker.Price)
}

// nextMaker finds the best-priority resting order the taker may execute
// against, honoring self-trade prevention: same-owner makers are skipped
// in place, never matched and never cancelled. selfSeen reports whether
// any crossing same-owner liquidity was passed over.
func (w *symbolWorker) nextMaker(taker *model.Order) (maker *model.Order, selfSeen bool) {
	scan := func(level *orderbook.PriceLevel) bool {
		if !crosses(taker, level.Price) {
			return false
		}
		for _, o := range level.Orders() {
			if o.UserID == taker.UserID {
				selfSeen = true
				continue
			}
			maker = o
			return false
		}
		return true
	}
	if taker.Side == model.OrderSideBuy {
		w.book.AscendAsks(scan)
	} else {
		w.book.DescendBids(scan)
	}
	return maker, selfSeen
}

// fillable reports whether the taker's full quantity can execute in one
// pass against non-self liquidity, used for FOK's all-or-nothing
// pre-check. For market buys the locked collateral band caps the
// affordable quantity.
func (w *symbolWorker) fillable(taker *model.Order) bool {
	needed := taker.Remaining()
	budget := taker.LockedRemaining
	marketBuy := taker.Type == model.OrderTypeMarket && taker.Side == model.OrderSideBuy

	scan := func(level *orderbook.PriceLevel) bool {
		if !crosses(taker, level.Price) {
			return false
		}
		for _, o := range level.Orders() {
			if o.UserID == taker.UserID {
				continue
			}
			qty := decimal.Min(needed, o.Remaining())
			if marketBuy {
				qty = decimal.Min(qty, affordableQuantity(budget, level.Price))
				budget = budget.Sub(level.Price.Mul(qty))
			}
			needed = needed.Sub(qty)
			if needed.Sign() <= 0 {
				return false
			}
		}
		return true
	}
	if taker.Side == model.OrderSideBuy {
		w.book.AscendAsks(scan)
	} else {
		w.book.DescendBids(scan)
	}
	return needed.Sign() <= 0
}

// match runs the continuous matching loop for an admitted taker. It
// returns whether matching stopped because the only remaining crossing
// liquidity belongs to the taker's own owner.
func (w *symbolWorker) match(ctx context.Context, taker *model.Order) (selfBlocked bool) {
	for taker.Remaining().Sign() > 0 {
		maker, selfSeen := w.nextMaker(taker)
		if maker == nil {
			return selfSeen
		}

		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		if taker.Type == model.OrderTypeMarket && taker.Side == model.OrderSideBuy {
			// The banded collateral lock caps how much a market buy may
			// spend; beyond it the remainder is cancelled, never unfunded.
			qty = decimal.Min(qty, affordableQuantity(taker.LockedRemaining, maker.Price))
			if qty.Sign() <= 0 {
				return false
			}
		}

		if err := w.executeTrade(ctx, taker, maker, qty); err != nil {
			// The ledger rejected the trade: nothing was applied to either
			// order or balance. Abort this taker's pass; the book stays
			// consistent.
			w.e.logger.Error("trade settlement failed",
				zap.Error(err),
				zap.String("taker_id", taker.ID.String()),
				zap.String("maker_id", maker.ID.String()),
				zap.String("symbol", w.pair.Symbol))
			return false
		}
	}
	return false
}

// executeTrade settles and records one fill of qty at the maker's price.
// Fill accounting is applied only after both settlement legs commit.
func (w *symbolWorker) executeTrade(ctx context.Context, taker, maker *model.Order, qty decimal.Decimal) error {
	price := maker.Price
	notional := price.Mul(qty)

	buyer, seller := taker, maker
	if taker.Side == model.OrderSideSell {
		buyer, seller = maker, taker
	}
	buyerRate := w.e.fees.Rate(w.pair.Symbol, buyer == maker)
	sellerRate := w.e.fees.Rate(w.pair.Symbol, seller == maker)

	// Fees come out of what each party receives: the buyer receives base,
	// the seller receives quote.
	buyerFee := buyerRate.Mul(qty)
	sellerFee := sellerRate.Mul(notional)

	tradeID := uuid.New()
	legs := []ledger.SettleLeg{
		{From: seller.UserID, To: buyer.UserID, Currency: w.pair.Base, Amount: qty, Fee: buyerFee},
		{From: buyer.UserID, To: seller.UserID, Currency: w.pair.Quote, Amount: notional, Fee: sellerFee},
	}
	if err := w.e.ledger.SettleTrade(ctx, legs, w.e.cfg.FeeAccount, tradeID.String()); err != nil {
		return err
	}

	now := time.Now().UTC()
	buyer.LockedRemaining = buyer.LockedRemaining.Sub(notional)
	seller.LockedRemaining = seller.LockedRemaining.Sub(qty)
	taker.ApplyFill(price, qty, now)
	maker.ApplyFill(price, qty, now)

	makerFee, makerFeeCcy := sellerFee, w.pair.Quote
	takerFee, takerFeeCcy := buyerFee, w.pair.Base
	if maker == buyer {
		makerFee, makerFeeCcy = buyerFee, w.pair.Base
		takerFee, takerFeeCcy = sellerFee, w.pair.Quote
	}
	trade := model.Trade{
		ID:           tradeID,
		Symbol:       w.pair.Symbol,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		TakerUserID:  taker.UserID,
		MakerUserID:  maker.UserID,
		Price:        price,
		Quantity:     qty,
		TakerSide:    taker.Side,
		MakerFee:     makerFee,
		MakerFeeCcy:  makerFeeCcy,
		TakerFee:     takerFee,
		TakerFeeCcy:  takerFeeCcy,
		Sequence:     w.seq.Add(1),
		CreatedAt:    now,
	}
	w.e.tape.Append(trade)
	w.e.publishTrade(trade)
	metrics.TradesExecuted.WithLabelValues(w.pair.Symbol).Inc()

	if maker.Remaining().Sign() == 0 {
		if _, err := w.book.RemoveOrder(maker.ID); err != nil {
			w.e.logger.Error("remove filled maker", zap.Error(err), zap.String("order_id", maker.ID.String()))
		}
		w.unlockRemaining(ctx, maker, "filled")
		w.updateBookGauges()
		w.e.publishOrder(events.TypeOrderFilled, maker, "")
		metrics.OrdersProcessed.WithLabelValues(maker.Side, "filled").Inc()
	} else {
		w.e.publishOrder(events.TypeOrderPartially, maker, "")
	}
	if taker.Remaining().Sign() == 0 {
		w.e.publishOrder(events.TypeOrderFilled, taker, "")
	} else {
		w.e.publishOrder(events.TypeOrderPartially, taker, "")
	}
	return nil
}

// affordableQuantity returns the largest quantity purchasable at price
// without exceeding budget. The result is truncated so the implied spend
// never rounds above the budget.
func affordableQuantity(budget, price decimal.Decimal) decimal.Decimal {
	if budget.Sign() <= 0 || price.Sign() <= 0 {
		return decimal.Zero
	}
	qty := budget.DivRound(price, 12)
	if price.Mul(qty).GreaterThan(budget) {
		qty = qty.Sub(decimal.New(1, -12))
	}
	if qty.Sign() < 0 {
		return decimal.Zero
	}
	return qty
}
