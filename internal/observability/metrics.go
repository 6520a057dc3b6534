// Package observability holds the Prometheus metrics the escrow service exports at /metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// settlementsTotal counts settlement runs.
	// Labels: operation (approve, reject, finalize, reconcile), outcome (pass, fail, partial, error)
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "settlement",
		Name:      "runs_total",
		Help:      "Settlement runs by operation and outcome",
	}, []string{"operation", "outcome"})

	// settlementDuration measures a whole settlement run including gateway calls.
	settlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrow",
		Subsystem: "settlement",
		Name:      "duration_seconds",
		Help:      "Settlement run latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	// transactionsSettled counts per-transaction settlement results.
	// Labels: action (capture, cancel), result (ok, gateway_error, ledger_error)
	transactionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "settlement",
		Name:      "transactions_total",
		Help:      "Per-transaction settlement results",
	}, []string{"action", "result"})

	// gatewayCalls counts escrow gateway calls.
	// Labels: call (authorize, lookup, capture, cancel), result (ok, error)
	gatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Escrow gateway calls by call and result",
	}, []string{"call", "result"})

	// stakesHeld sums the minor-unit amount recorded as held.
	stakesHeld = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "ledger",
		Name:      "held_amount_total",
		Help:      "Total minor-unit amount recorded as held",
	})

	// httpRequests counts API requests.
	// Labels: route (gin route pattern), method, code (gRPC code name)
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by route, method and result code",
	}, []string{"route", "method", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrow",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
)

// ObserveSettlement records one settlement run.
func ObserveSettlement(operation, outcome string, started time.Time) {
	settlementsTotal.WithLabelValues(operation, outcome).Inc()
	settlementDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// ObserveTransaction records one capture or cancel. result is "ok", "gateway_error" or "ledger_error".
func ObserveTransaction(action, result string) {
	transactionsSettled.WithLabelValues(action, result).Inc()
}

// ObserveGateway records one gateway call.
func ObserveGateway(call string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	gatewayCalls.WithLabelValues(call, result).Inc()
}

// AddHeld adds amount to the held total. Non-positive amounts are ignored.
func AddHeld(amount int64) {
	if amount > 0 {
		stakesHeld.Add(float64(amount))
	}
}

// ObserveRequest records one API request. code is the gRPC code name of the result ("OK" on success).
func ObserveRequest(route, method, code string, started time.Time) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(route, method, code).Inc()
	httpDuration.WithLabelValues(route, method).Observe(time.Since(started).Seconds())
}
