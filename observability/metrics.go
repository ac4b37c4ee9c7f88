package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RedemptionMetricsRegistry tracks issuance and redemption activity.
type RedemptionMetricsRegistry struct {
	issued      prometheus.Counter
	redemptions *prometheus.CounterVec
	flushes     *prometheus.CounterVec
	batchSize   prometheus.Histogram
	queueDepth  *prometheus.GaugeVec
}

var (
	redemptionMetricsOnce sync.Once
	redemptionRegistry    *RedemptionMetricsRegistry
)

// RedemptionMetrics returns the lazily-initialised metrics registry shared
// by the issuer and the redemption engine.
func RedemptionMetrics() *RedemptionMetricsRegistry {
	redemptionMetricsOnce.Do(func() {
		redemptionRegistry = &RedemptionMetricsRegistry{
			issued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pledgevault",
				Subsystem: "issuer",
				Name:      "tokens_issued_total",
				Help:      "Total credentials successfully issued.",
			}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pledgevault",
				Subsystem: "redeem",
				Name:      "requests_total",
				Help:      "Redemption requests segmented by outcome.",
			}, []string{"outcome"}),
			flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pledgevault",
				Subsystem: "redeem",
				Name:      "flushes_total",
				Help:      "Queue flushes segmented by result.",
			}, []string{"result"}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "pledgevault",
				Subsystem: "redeem",
				Name:      "flush_batch_size",
				Help:      "Number of tokens carried per ledger transaction.",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
			}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "pledgevault",
				Subsystem: "redeem",
				Name:      "queue_depth",
				Help:      "Verified-but-unsettled tokens per campaign.",
			}, []string{"campaign"}),
		}
		prometheus.MustRegister(
			redemptionRegistry.issued,
			redemptionRegistry.redemptions,
			redemptionRegistry.flushes,
			redemptionRegistry.batchSize,
			redemptionRegistry.queueDepth,
		)
	})
	return redemptionRegistry
}

// ObserveIssued records n successfully issued credentials.
func (m *RedemptionMetricsRegistry) ObserveIssued(n int) {
	if m == nil {
		return
	}
	m.issued.Add(float64(n))
}

// ObserveRedemption records a redemption request outcome.
func (m *RedemptionMetricsRegistry) ObserveRedemption(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

// ObserveFlush records a queue drain attempt and its batch size.
func (m *RedemptionMetricsRegistry) ObserveFlush(result string, size int) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.flushes.WithLabelValues(result).Inc()
	m.batchSize.Observe(float64(size))
}

// SetQueueDepth publishes the current unsettled count for a campaign.
func (m *RedemptionMetricsRegistry) SetQueueDepth(campaign string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(campaign).Set(float64(depth))
}
