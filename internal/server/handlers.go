package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantexchange/matchcore/internal/trading/engine"
	"github.com/quantexchange/matchcore/internal/trading/model"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type placeOrderRequest struct {
	UserID      uuid.UUID       `json:"user_id" binding:"required"`
	Symbol      string          `json:"symbol" binding:"required,trading_pair"`
	Side        string          `json:"side" binding:"required,oneof=BUY SELL"`
	Type        string          `json:"type" binding:"required,oneof=LIMIT MARKET"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
	Price       decimal.Decimal `json:"price,omitempty"`
	TimeInForce string          `json:"time_in_force,omitempty" binding:"omitempty,oneof=GTC IOC FOK"`
	PostOnly    bool            `json:"post_only,omitempty"`
}

type depositRequest struct {
	UserID    uuid.UUID       `json:"user_id" binding:"required"`
	Currency  string          `json:"currency" binding:"required,uppercase"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	Reference string          `json:"reference" binding:"required,max=64"`
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Warn("invalid order request", zap.Error(err))
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	order, err := s.engine.PlaceOrder(c.Request.Context(), engine.PlaceOrderRequest{
		UserID:      req.UserID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		Price:       req.Price,
		TimeInForce: req.TimeInForce,
		PostOnly:    req.PostOnly,
	})
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) getOrder(c *gin.Context) {
	orderID, userID, ok := s.orderScope(c)
	if !ok {
		return
	}
	order, err := s.engine.GetOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	orderID, userID, ok := s.orderScope(c)
	if !ok {
		return
	}
	order, err := s.engine.CancelOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) listOpenOrders(c *gin.Context) {
	userID, ok := s.userParam(c)
	if !ok {
		return
	}
	orders, err := s.engine.ListOpenOrders(c.Request.Context(), userID)
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getOrderBook(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "symbol is required"})
		return
	}
	depth, _ := strconv.Atoi(c.DefaultQuery("depth", "20"))
	snapshot, err := s.engine.GetOrderBook(c.Request.Context(), symbol, depth)
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) getTrades(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "symbol is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.engine.GetTrades(c.Request.Context(), symbol, limit)
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getBalances(c *gin.Context) {
	userID, ok := s.userParam(c)
	if !ok {
		return
	}
	balances := s.ledger.UserBalances(c.Request.Context(), userID)
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

func (s *Server) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	if !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "amount must be positive"})
		return
	}
	if err := s.ledger.Deposit(c.Request.Context(), req.UserID, req.Currency, req.Amount, "deposit:"+req.Reference); err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.ledger.Get(c.Request.Context(), req.UserID, req.Currency))
}

func (s *Server) orderScope(c *gin.Context) (orderID, userID uuid.UUID, ok bool) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "malformed order id"})
		return uuid.Nil, uuid.Nil, false
	}
	userID, ok = s.userParam(c)
	return orderID, userID, ok
}

func (s *Server) userParam(c *gin.Context) (uuid.UUID, bool) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "malformed user_id"})
		return uuid.Nil, false
	}
	return userID, true
}

// writeEngineError maps domain errors onto HTTP statuses.
func (s *Server) writeEngineError(c *gin.Context, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, model.ErrOrderNotFound):
		status, code = http.StatusNotFound, "order_not_found"
	case errors.Is(err, model.ErrAlreadyTerminal):
		status, code = http.StatusConflict, "order_already_terminal"
	case errors.Is(err, model.ErrInsufficientFunds):
		status, code = http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, model.ErrNoLiquidity):
		status, code = http.StatusUnprocessableEntity, "no_liquidity"
	case errors.Is(err, model.ErrPostOnlyWouldCross):
		status, code = http.StatusUnprocessableEntity, "post_only_would_cross"
	case errors.Is(err, model.ErrRiskRejected):
		status, code = http.StatusForbidden, "risk_rejected"
	case errors.Is(err, model.ErrInvalidRequest),
		errors.Is(err, model.ErrUnsupportedSymbol),
		errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrInvalidPrice),
		errors.Is(err, model.ErrInvalidTimeInForce):
		status, code = http.StatusBadRequest, "invalid_order"
	case errors.Is(err, model.ErrEngineStopped):
		status, code = http.StatusServiceUnavailable, "engine_stopped"
	default:
		s.logger.Error("request handling failed", zap.Error(err))
		status, code = http.StatusInternalServerError, "internal_error"
	}
	c.JSON(status, errorResponse{Error: code, Message: err.Error()})
}
