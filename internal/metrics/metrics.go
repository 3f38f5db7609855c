// Package metrics exposes the gateway's Prometheus instrumentation, served at
// /metrics in text exposition format.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SignalsTotal counts webhook signals by market and outcome
	// (processed|duplicate|rejected).
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_signals_total",
			Help: "Webhook signals received",
		},
		[]string{"market", "outcome"},
	)

	// OrdersTotal counts order submissions by market and side.
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_orders_total",
			Help: "Orders placed",
		},
		[]string{"market", "side"},
	)

	// OrderTerminalTotal counts terminal lifecycle events by market and state
	// (filled|cancelled|rejected|expired).
	OrderTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_order_terminal_total",
			Help: "Terminal order lifecycle events",
		},
		[]string{"market", "state"},
	)

	// ReconnectsTotal counts supervisor reconnect cycles by market.
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_reconnects_total",
			Help: "Broker reconnect cycles",
		},
		[]string{"market"},
	)

	// NotificationsTotal counts Telegram sends by category and result
	// (sent|failed).
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_notifications_total",
			Help: "Telegram notifications",
		},
		[]string{"category", "result"},
	)

	// ConnectionUp is 1 while the market's broker session is healthy.
	ConnectionUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_connection_up",
			Help: "Broker connection health",
		},
		[]string{"market"},
	)

	// LifecycleDropped counts lifecycle events dropped under back-pressure.
	LifecycleDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_lifecycle_events_dropped_total",
			Help: "Lifecycle events dropped because the channel was full",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SignalsTotal,
		OrdersTotal,
		OrderTerminalTotal,
		ReconnectsTotal,
		NotificationsTotal,
		ConnectionUp,
		LifecycleDropped,
	)
}
