// Package metrics registers the Prometheus instruments shared across the
// service. All instruments are registered once at init through promauto.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CollectorLegs counts collector leg outcomes by leg name and result
	CollectorLegs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantdesk_collector_legs_total",
			Help: "Collector fetch legs by item and outcome",
		},
		[]string{"item", "result"},
	)

	// LLMRequestDuration observes end-to-end LLM call latency
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantdesk_llm_request_duration_seconds",
			Help:    "LLM chat completion latency",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"model", "result"},
	)

	// Orders counts live order submissions by venue and outcome
	Orders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantdesk_orders_total",
			Help: "Live order submissions by venue and outcome",
		},
		[]string{"venue", "result"},
	)

	// AnalysisDuration observes full fast-analysis latency
	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quantdesk_analysis_duration_seconds",
			Help:    "Fast analysis end-to-end latency",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60},
		},
	)

	// BacktestDuration observes full backtest run latency by stage outcome
	BacktestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantdesk_backtest_duration_seconds",
			Help:    "Backtest run latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"result"},
	)
)

// ResultLabel maps an error to the conventional result label
func ResultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// ObserveLLMRequest records one LLM call
func ObserveLLMRequest(model string, d time.Duration, err error) {
	LLMRequestDuration.WithLabelValues(model, ResultLabel(err)).Observe(d.Seconds())
}

// RecordCollectorLeg records one collector leg outcome
func RecordCollectorLeg(item string, err error) {
	CollectorLegs.WithLabelValues(item, ResultLabel(err)).Inc()
}

// RecordOrder records one live order outcome
func RecordOrder(venue string, err error) {
	Orders.WithLabelValues(venue, ResultLabel(err)).Inc()
}

// ObserveBacktest records one backtest run
func ObserveBacktest(d time.Duration, err error) {
	BacktestDuration.WithLabelValues(ResultLabel(err)).Observe(d.Seconds())
}
