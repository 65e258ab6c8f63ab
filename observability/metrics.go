package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	guardMetricsOnce sync.Once
	guardRegistry    *GuardiandMetrics

	spendMetricsOnce sync.Once
	spendRegistry    *SpendMetrics
)

// GuardiandMetrics instruments the off-chain reconstruction pipeline: event
// ingestion, reorg recovery, rebuild cycles and allowance pushes.
type GuardiandMetrics struct {
	eventsIngested  *prometheus.CounterVec
	reorgs          prometheus.Counter
	cycles          *prometheus.CounterVec
	cycleLatency    prometheus.Histogram
	droppedRefresh  prometheus.Counter
	pushes          *prometheus.CounterVec
	pushErrors      *prometheus.CounterVec
	endpointRotates prometheus.Counter
	lastBlock       prometheus.Gauge
}

// Guardiand returns the lazily-initialised guardiand metrics registry.
func Guardiand() *GuardiandMetrics {
	guardMetricsOnce.Do(func() {
		guardRegistry = &GuardiandMetrics{
			eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spendguard",
				Subsystem: "indexer",
				Name:      "events_ingested_total",
				Help:      "Count of substrate events ingested segmented by kind.",
			}, []string{"kind"}),
			reorgs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "spendguard",
				Subsystem: "indexer",
				Name:      "reorgs_total",
				Help:      "Count of detected chain reorganisations.",
			}),
			cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spendguard",
				Subsystem: "cycle",
				Name:      "runs_total",
				Help:      "Count of reconstruction cycles segmented by outcome.",
			}, []string{"outcome"}),
			cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "spendguard",
				Subsystem: "cycle",
				Name:      "duration_seconds",
				Help:      "Latency distribution of full reconstruction cycles.",
				Buckets:   prometheus.DefBuckets,
			}),
			droppedRefresh: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "spendguard",
				Subsystem: "cycle",
				Name:      "dropped_refreshes_total",
				Help:      "Count of refresh triggers dropped because a cycle was running.",
			}),
			pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spendguard",
				Subsystem: "pusher",
				Name:      "updates_total",
				Help:      "Count of submitted state updates segmented by reason.",
			}, []string{"reason"}),
			pushErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spendguard",
				Subsystem: "pusher",
				Name:      "errors_total",
				Help:      "Count of push failures segmented by stage.",
			}, []string{"stage"}),
			endpointRotates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "spendguard",
				Subsystem: "indexer",
				Name:      "endpoint_rotations_total",
				Help:      "Count of RPC endpoint rotations after repeated failures.",
			}),
			lastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "spendguard",
				Subsystem: "indexer",
				Name:      "last_processed_block",
				Help:      "Height of the most recently processed finalized block.",
			}),
		}
		prometheus.MustRegister(
			guardRegistry.eventsIngested,
			guardRegistry.reorgs,
			guardRegistry.cycles,
			guardRegistry.cycleLatency,
			guardRegistry.droppedRefresh,
			guardRegistry.pushes,
			guardRegistry.pushErrors,
			guardRegistry.endpointRotates,
			guardRegistry.lastBlock,
		)
	})
	return guardRegistry
}

// RecordEvent counts one ingested event of the supplied kind.
func (m *GuardiandMetrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unknown"
	}
	m.eventsIngested.WithLabelValues(kind).Inc()
}

// RecordReorg counts one detected reorganisation.
func (m *GuardiandMetrics) RecordReorg() {
	if m == nil {
		return
	}
	m.reorgs.Inc()
}

// RecordCycle records the outcome and latency of one cycle.
func (m *GuardiandMetrics) RecordCycle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleLatency.Observe(duration.Seconds())
}

// RecordDroppedRefresh counts a refresh trigger dropped while busy.
func (m *GuardiandMetrics) RecordDroppedRefresh() {
	if m == nil {
		return
	}
	m.droppedRefresh.Inc()
}

// RecordPush counts one submitted update with the policy reason that caused
// it ("drift", "decrease", "increase", "stale").
func (m *GuardiandMetrics) RecordPush(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.pushes.WithLabelValues(reason).Inc()
}

// RecordPushError counts one push failure at the supplied stage.
func (m *GuardiandMetrics) RecordPushError(stage string) {
	if m == nil {
		return
	}
	if stage == "" {
		stage = "unknown"
	}
	m.pushErrors.WithLabelValues(stage).Inc()
}

// RecordEndpointRotation counts one RPC endpoint rotation.
func (m *GuardiandMetrics) RecordEndpointRotation() {
	if m == nil {
		return
	}
	m.endpointRotates.Inc()
}

// SetLastProcessedBlock publishes the indexer cursor height.
func (m *GuardiandMetrics) SetLastProcessedBlock(height uint64) {
	if m == nil {
		return
	}
	m.lastBlock.Set(float64(height))
}

// SpendMetrics instruments the spend authorizer surface.
type SpendMetrics struct {
	authorizations prometheus.Counter
	denials        *prometheus.CounterVec
}

// Spend returns the lazily-initialised authorizer metrics registry.
func Spend() *SpendMetrics {
	spendMetricsOnce.Do(func() {
		spendRegistry = &SpendMetrics{
			authorizations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "spendguard",
				Subsystem: "authorizer",
				Name:      "authorizations_total",
				Help:      "Count of successful spend authorizations.",
			}),
			denials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "spendguard",
				Subsystem: "authorizer",
				Name:      "denials_total",
				Help:      "Count of rejected spend intents segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(spendRegistry.authorizations, spendRegistry.denials)
	})
	return spendRegistry
}

// RecordAuthorization counts one successful authorization.
func (m *SpendMetrics) RecordAuthorization() {
	if m == nil {
		return
	}
	m.authorizations.Inc()
}

// RecordDenial counts one rejection with a stable reason string such as
// "daily_limit" or "transfer_type".
func (m *SpendMetrics) RecordDenial(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.denials.WithLabelValues(reason).Inc()
}
