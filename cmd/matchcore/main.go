package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/quantexchange/matchcore/internal/config"
	"github.com/quantexchange/matchcore/internal/server"
	"github.com/quantexchange/matchcore/internal/trading/engine"
	"github.com/quantexchange/matchcore/internal/trading/events"
	"github.com/quantexchange/matchcore/internal/trading/ledger"
	"github.com/quantexchange/matchcore/internal/trading/risk"
	"github.com/quantexchange/matchcore/internal/trading/tape"
	"github.com/quantexchange/matchcore/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("MATCHCORE_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	pairs, err := cfg.TradingPairs()
	if err != nil {
		zapLogger.Fatal("parse trading pairs", zap.Error(err))
	}

	led := ledger.NewMemoryLedger(zapLogger)
	bus := events.NewBus(zapLogger)
	tp := tape.New(cfg.Trading.TapeCapacity)

	eng, err := engine.New(zapLogger, led, risk.NewPermissiveService(), bus, tp, pairs, engine.Config{
		MakerFeeRate:    cfg.Trading.MakerFeeRate,
		TakerFeeRate:    cfg.Trading.TakerFeeRate,
		MarketPriceBand: cfg.Trading.MarketPriceBand,
		QueueSize:       cfg.Trading.QueueSize,
	})
	if err != nil {
		zapLogger.Fatal("create engine", zap.Error(err))
	}
	if err := eng.Start(); err != nil {
		zapLogger.Fatal("start engine", zap.Error(err))
	}

	var kafkaPub *events.KafkaPublisher
	if cfg.Kafka.Enabled {
		kafkaPub = events.NewKafkaPublisher(zapLogger, cfg.Kafka.KafkaConfig, bus.Subscribe(4096))
		zapLogger.Info("kafka event sink enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}

	srv := server.New(zapLogger, cfg.Server, eng, led)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		zapLogger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		zapLogger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("http shutdown", zap.Error(err))
	}
	if err := eng.Stop(); err != nil {
		zapLogger.Error("engine stop", zap.Error(err))
	}
	bus.Close()
	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			zapLogger.Error("kafka close", zap.Error(err))
		}
	}
	zapLogger.Info("shutdown complete")
}
