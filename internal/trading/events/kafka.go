package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the optional Kafka notification sink.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaPublisher drains a bus subscription into a Kafka topic, keyed by
// symbol so per-symbol ordering survives partitioning. Publishing is
// best-effort: write failures are logged and the event is dropped.
type KafkaPublisher struct {
	logger *zap.Logger
	writer *kafka.Writer
	done   chan struct{}
}

// NewKafkaPublisher starts draining events into Kafka until the events
// channel closes.
func NewKafkaPublisher(logger *zap.Logger, cfg KafkaConfig, events <-chan Event) *KafkaPublisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	p := &KafkaPublisher{
		logger: logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		done: make(chan struct{}),
	}
	go p.run(events)
	return p
}

func (p *KafkaPublisher) run(events <-chan Event) {
	defer close(p.done)
	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			p.logger.Error("marshal event", zap.Error(err), zap.String("type", ev.Type))
			continue
		}
		msg := kafka.Message{
			Key:   []byte(ev.Symbol),
			Value: payload,
			Time:  ev.Timestamp,
		}
		if err := p.writer.WriteMessages(context.Background(), msg); err != nil {
			p.logger.Warn("publish event to kafka",
				zap.Error(err),
				zap.String("type", ev.Type),
				zap.String("symbol", ev.Symbol))
		}
	}
}

// Close waits for the drain loop to finish and flushes the writer.
func (p *KafkaPublisher) Close() error {
	<-p.done
	return p.writer.Close()
}
