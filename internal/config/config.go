// Package config loads the process configuration from file and
// environment via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/quantexchange/matchcore/internal/trading/events"
	"github.com/quantexchange/matchcore/internal/trading/model"
)

// Config is the root configuration.
type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Server   ServerConfig  `mapstructure:"server"`
	Trading  TradingConfig `mapstructure:"trading"`
	Kafka    KafkaConfig   `mapstructure:"kafka"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TradingConfig holds pair, fee and collateral settings for the engine.
type TradingConfig struct {
	Pairs []PairConfig `mapstructure:"pairs"`

	// Maker/taker fee rates as fractions of notional (0.001 = 10 bps).
	MakerFeeRate decimal.Decimal `mapstructure:"maker_fee_rate"`
	TakerFeeRate decimal.Decimal `mapstructure:"taker_fee_rate"`

	// MarketPriceBand caps how far beyond best ask a market buy may be
	// collateralized (1.05 locks 5% over touch).
	MarketPriceBand decimal.Decimal `mapstructure:"market_price_band"`

	// TapeCapacity bounds retained trades per symbol.
	TapeCapacity int `mapstructure:"tape_capacity"`

	// QueueSize is the per-symbol command queue depth.
	QueueSize int `mapstructure:"queue_size"`
}

// PairConfig describes one supported trading pair.
type PairConfig struct {
	Symbol      string `mapstructure:"symbol"`
	MinQuantity string `mapstructure:"min_quantity"`
}

// KafkaConfig wraps the notification sink settings.
type KafkaConfig struct {
	Enabled bool `mapstructure:"enabled"`
	events.KafkaConfig `mapstructure:",squash"`
}

// Load reads configuration from path (a yaml file) and the MATCHCORE_*
// environment, applying defaults for everything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("trading.maker_fee_rate", "0.001")
	v.SetDefault("trading.taker_fee_rate", "0.002")
	v.SetDefault("trading.market_price_band", "1.05")
	v.SetDefault("trading.tape_capacity", 10000)
	v.SetDefault("trading.queue_size", 1024)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "matchcore.events")

	v.SetEnvPrefix("MATCHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(decimalDecodeHook())
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Trading.Pairs) == 0 {
		return fmt.Errorf("config: at least one trading pair is required")
	}
	for _, p := range c.Trading.Pairs {
		if _, _, ok := model.SplitSymbol(p.Symbol); !ok {
			return fmt.Errorf("config: malformed symbol %q, want BASE/QUOTE", p.Symbol)
		}
	}
	if c.Trading.MakerFeeRate.IsNegative() || c.Trading.TakerFeeRate.IsNegative() {
		return fmt.Errorf("config: fee rates must be non-negative")
	}
	if c.Trading.MarketPriceBand.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: market_price_band must be >= 1")
	}
	return nil
}

// TradingPairs converts the configured pairs into model registry entries.
func (c *Config) TradingPairs() ([]model.TradingPair, error) {
	pairs := make([]model.TradingPair, 0, len(c.Trading.Pairs))
	for _, p := range c.Trading.Pairs {
		base, quote, ok := model.SplitSymbol(p.Symbol)
		if !ok {
			return nil, fmt.Errorf("malformed symbol %q", p.Symbol)
		}
		minQty := decimal.Zero
		if p.MinQuantity != "" {
			var err error
			minQty, err = decimal.NewFromString(p.MinQuantity)
			if err != nil {
				return nil, fmt.Errorf("pair %s: bad min_quantity %q: %w", p.Symbol, p.MinQuantity, err)
			}
		}
		pairs = append(pairs, model.TradingPair{
			Symbol:      p.Symbol,
			Base:        base,
			Quote:       quote,
			MinQuantity: minQty,
		})
	}
	return pairs, nil
}
