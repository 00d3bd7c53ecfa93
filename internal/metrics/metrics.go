// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TicksScored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etb_ticks_scored_total",
			Help: "Total number of symbol ticks scored (by tier).",
		},
		[]string{"tier"},
	)

	SignalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etb_signals_emitted_total",
			Help: "Total number of candidates that survived all suppression checks (by source).",
		},
		[]string{"source"},
	)

	SignalsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etb_signals_suppressed_total",
			Help: "Total number of candidates suppressed (by reason tag).",
		},
		[]string{"reason"},
	)

	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etb_orders_submitted_total",
			Help: "Total number of order submissions (by terminal status).",
		},
		[]string{"status"},
	)

	BasketsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etb_baskets_fired_total",
			Help: "Total number of basket aggregate triggers (by basket).",
		},
		[]string{"basket"},
	)

	LLMCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etb_llm_calls_total",
			Help: "Total number of LLM gate consults (by outcome).",
		},
		[]string{"outcome"},
	)

	RateLimitDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etb_rate_limit_denied_total",
			Help: "Total number of quote polls denied by the token bucket (by tier).",
		},
		[]string{"tier"},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "etb_positions_open",
			Help: "Current number of open positions.",
		},
	)

	DayPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "etb_day_pnl",
			Help: "Realized P&L for the current trading day in dollars.",
		},
	)

	KillSwitchActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "etb_kill_switch_active",
			Help: "1 when the daily-loss kill switch has tripped, 0 otherwise.",
		},
	)

	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etb_scan_duration_seconds",
			Help:    "Wall time of one full tier scan.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksScored,
		SignalsEmitted,
		SignalsSuppressed,
		OrdersSubmitted,
		BasketsFired,
		LLMCalls,
		RateLimitDenied,
		PositionsOpen,
		DayPnL,
		KillSwitchActive,
		ScanDuration,
	)
}
