package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quantexchange/matchcore/pkg/metrics"
)

// Bus fans events out to subscriber channels without ever blocking the
// publisher. When a subscriber's buffer is full the event is dropped for
// that subscriber and counted.
type Bus struct {
	mu     sync.RWMutex
	logger *zap.Logger
	subs   []chan Event
	closed bool
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel. The channel is closed when the bus closes.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers ev to every subscriber that has room.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			b.logger.Debug("event dropped for slow subscriber",
				zap.String("type", ev.Type),
				zap.String("symbol", ev.Symbol))
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
