package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MarketState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "tns_market_state", Help: "Lifecycle state of the newest market instance per series"},
		[]string{"market"},
	)
	MarketConverged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "tns_market_converged", Help: "1 when the last balancing pass converged"},
		[]string{"market"},
	)
	DualityGap = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "tns_duality_gap", Help: "Relative duality gap after the last balancing pass"},
		[]string{"market"},
	)
	BalanceIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tns_balance_iterations_total", Help: "Balancing iterations run"},
		[]string{"market"},
	)
	BalanceOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tns_balance_outcomes_total", Help: "Balancing passes by outcome"},
		[]string{"market", "outcome"},
	)
	NeighborConverged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "tns_neighbor_converged", Help: "1 when the neighbor negotiation has converged"},
		[]string{"neighbor"},
	)
	SignalsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tns_signals_sent_total", Help: "Transactive signals sent"},
		[]string{"neighbor"},
	)
	SignalsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tns_signals_received_total", Help: "Transactive signals received"},
		[]string{"neighbor"},
	)
	TransportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tns_transport_failures_total", Help: "Failed sends and actuations, retried next cycle"},
		[]string{"peer", "action"},
	)
)

func init() {
	prometheus.MustRegister(
		MarketState, MarketConverged, DualityGap, BalanceIterations, BalanceOutcomes,
		NeighborConverged, SignalsSent, SignalsReceived, TransportFailures,
	)
}

func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
