// Package metrics registers the Prometheus series the indexer updates while
// running. Served at /metrics by the API server in text exposition format.
//
//   - stream_events_total{stream,result}          – per-stream emissions (success|error)
//   - stream_processing_duration_seconds{stream}  – per-event handling latency
//   - stream_circuit_state{stream}                – 0 closed, 1 open, 2 half-open
//   - ratebudget_weight_used{priority}            – weight consumed in the current window
//   - ratebudget_utilization_percent              – window total vs. the exchange cap
//   - ingest_snapshots_written_total              – persisted PnL snapshots
//   - ingest_trades_written_total                 – persisted fills
//   - data_gaps_open                              – unresolved coverage gaps
//   - ws_reconnects_total                         – exchange WebSocket reconnects
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	streamEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_total",
			Help: "Stream emissions by result",
		},
		[]string{"stream", "result"},
	)

	streamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_processing_duration_seconds",
			Help:    "Per-event processing latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stream"},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"stream"},
	)

	budgetWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ratebudget_weight_used",
			Help: "API weight consumed in the current 1-minute window",
		},
		[]string{"priority"},
	)

	budgetUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ratebudget_utilization_percent",
			Help: "Window weight total as a percentage of the exchange cap",
		},
	)

	snapshotsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_snapshots_written_total",
			Help: "PnL snapshots persisted",
		},
	)

	tradesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_trades_written_total",
			Help: "Fills persisted",
		},
	)

	gapsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "data_gaps_open",
			Help: "Unresolved data coverage gaps",
		},
	)

	wsReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Exchange WebSocket reconnects",
		},
	)
)

func init() {
	prometheus.MustRegister(streamEvents, streamDuration, circuitState)
	prometheus.MustRegister(budgetWeight, budgetUtilization)
	prometheus.MustRegister(snapshotsWritten, tradesWritten, gapsOpen)
	prometheus.MustRegister(wsReconnects)
}

// Stream helpers, used by the stream middleware.

func IncStreamEvent(stream, result string) { streamEvents.WithLabelValues(stream, result).Inc() }

func ObserveStreamDuration(stream string, d time.Duration) {
	streamDuration.WithLabelValues(stream).Observe(d.Seconds())
}

func SetCircuitState(stream string, state int) {
	circuitState.WithLabelValues(stream).Set(float64(state))
}

// Rate budget helpers.

func SetBudgetWeight(priority string, weight int) {
	budgetWeight.WithLabelValues(priority).Set(float64(weight))
}

func SetBudgetUtilization(pct int) { budgetUtilization.Set(float64(pct)) }

// Ingest helpers.

func IncSnapshotsWritten(n int) { snapshotsWritten.Add(float64(n)) }
func IncTradesWritten(n int)    { tradesWritten.Add(float64(n)) }
func SetOpenGaps(n int)         { gapsOpen.Set(float64(n)) }
func IncWSReconnects()          { wsReconnects.Inc() }
