// Package server exposes the matching engine over HTTP.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quantexchange/matchcore/internal/config"
	"github.com/quantexchange/matchcore/internal/trading/engine"
	"github.com/quantexchange/matchcore/internal/trading/ledger"
)

// Server wires the HTTP API around the engine and ledger.
type Server struct {
	logger *zap.Logger
	engine *engine.Engine
	ledger ledger.Service
	http   *http.Server
}

// New builds the server with routes registered. Call Run to serve.
func New(logger *zap.Logger, cfg config.ServerConfig, eng *engine.Engine, led ledger.Service) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		logger: logger,
		engine: eng,
		ledger: led,
	}

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("trading_pair", validTradingPair)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", s.placeOrder)
		v1.GET("/orders", s.listOpenOrders)
		v1.GET("/orders/:id", s.getOrder)
		v1.DELETE("/orders/:id", s.cancelOrder)
		v1.GET("/orderbook", s.getOrderBook)
		v1.GET("/trades", s.getTrades)
		v1.GET("/balances", s.getBalances)
		v1.POST("/deposits", s.deposit)
	}

	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the configured HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// validTradingPair accepts BASE/QUOTE with nonempty uppercase legs.
func validTradingPair(fl validator.FieldLevel) bool {
	parts := strings.Split(fl.Field().String(), "/")
	if len(parts) != 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || p != strings.ToUpper(p) {
			return false
		}
	}
	return true
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", c.Writer.Status()))
		}
	}
}
