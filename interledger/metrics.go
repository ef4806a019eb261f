package interledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for all engines running in a process are labeled by a
// caller-supplied "pair" name, so multiple engines (one per ledger pair) can
// coexist and remain distinguishable on scrape.
var (
	poolSizeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interledger_pool_size",
		Help: "current count of transfers in state READY",
	}, []string{"pair"})

	pendingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interledger_pending",
		Help: "current count of transfers in states SENT or COMPLETED",
	}, []string{"pair"})

	ingestedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interledger_transfers_ingested_total",
		Help: "counter of transfers accepted by ingest",
	}, []string{"pair"})

	committedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interledger_transfers_committed_total",
		Help: "counter of transfers finalized with commit",
	}, []string{"pair"})

	abortedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interledger_transfers_aborted_total",
		Help: "counter of transfers finalized with abort",
	}, []string{"pair"})

	receiveDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interledger_receive_duration_seconds",
		Help:    "latency from dispatch to collect, per transfer",
		Buckets: prometheus.DefBuckets,
	}, []string{"pair"})

	recoveredReadyCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interledger_recovered_ready_total",
		Help: "counter of transfers reconciled into READY by recovery",
	}, []string{"pair"})

	recoveredCompletedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interledger_recovered_completed_total",
		Help: "counter of transfers reconciled into COMPLETED by recovery",
	}, []string{"pair"})
)

// metricsSink is a thin per-engine handle over the package-level collectors,
// pre-bound to this engine's pair label.
type metricsSink struct {
	pair string
}

func newMetricsSink(pair string) metricsSink {
	if pair == "" {
		pair = "default"
	}
	return metricsSink{pair: pair}
}

func (m metricsSink) setPoolSize(n int)  { poolSizeGauge.WithLabelValues(m.pair).Set(float64(n)) }
func (m metricsSink) setPending(n int)   { pendingGauge.WithLabelValues(m.pair).Set(float64(n)) }
func (m metricsSink) addIngested(n int)  { ingestedCounter.WithLabelValues(m.pair).Add(float64(n)) }
func (m metricsSink) incCommitted()      { committedCounter.WithLabelValues(m.pair).Inc() }
func (m metricsSink) incAborted()        { abortedCounter.WithLabelValues(m.pair).Inc() }
func (m metricsSink) observeReceive(sec float64) {
	receiveDurationHistogram.WithLabelValues(m.pair).Observe(sec)
}
func (m metricsSink) addRecoveredReady(n int) {
	recoveredReadyCounter.WithLabelValues(m.pair).Add(float64(n))
}
func (m metricsSink) addRecoveredCompleted(n int) {
	recoveredCompletedCounter.WithLabelValues(m.pair).Add(float64(n))
}
