package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts orders processed by the engine, partitioned by
// side and terminal outcome (accepted, rejected, cancelled, filled).
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "matchcore_orders_processed_total",
		Help: "Total number of orders processed by the engine",
	},
	[]string{"side", "outcome"},
)

// TradesExecuted counts executed trades by symbol
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "matchcore_trades_executed_total",
		Help: "Total number of trades executed by the matching engine",
	},
	[]string{"symbol"},
)

// OrderLatency records latency distribution for order processing
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "matchcore_order_processing_latency_seconds",
		Help:    "Latency in seconds to process individual orders",
		Buckets: prometheus.DefBuckets,
	},
)

// Ledger operation metrics
var (
	LedgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchcore_ledger_operations_total",
			Help: "Total ledger operations by type and result",
		},
		[]string{"op", "result"},
	)

	RestingOrders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matchcore_resting_orders",
			Help: "Number of orders currently resting in the book",
		},
		[]string{"symbol", "side"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matchcore_events_dropped_total",
			Help: "Notification events dropped due to slow subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(OrdersProcessed, TradesExecuted, OrderLatency)
	prometheus.MustRegister(LedgerOps, RestingOrders, EventsDropped)
}
