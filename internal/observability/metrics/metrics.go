// Package metrics exposes Prometheus instrumentation for the reply
// pipeline. All observers are nil-safe so wiring metrics stays optional.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics covers both stages: webhook ingress and batch processing.
type PipelineMetrics struct {
	inboundTotal   *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
	batchesTotal   *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	tokensTotal    *prometheus.CounterVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replies",
			Subsystem: "ingress",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound provider webhooks",
		}, []string{"channel", "disposition"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "replies",
			Subsystem: "ingress",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replies",
			Subsystem: "worker",
			Name:      "batches_total",
			Help:      "Total batch triggers processed",
		}, []string{"channel", "outcome"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "replies",
			Subsystem: "worker",
			Name:      "batch_duration_seconds",
			Help:      "End-to-end duration of one batch run",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"channel"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replies",
			Subsystem: "assistant",
			Name:      "tokens_total",
			Help:      "Assistant tokens consumed by completed runs",
		}, []string{"kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.webhookLatency, m.batchesTotal, m.batchDuration, m.tokensTotal)
	return m
}

func (m *PipelineMetrics) ObserveInbound(channel, disposition string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(channel, disposition).Inc()
}

func (m *PipelineMetrics) ObserveWebhookLatency(channel string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(channel).Observe(seconds)
}

func (m *PipelineMetrics) ObserveBatch(channel, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(channel, outcome).Inc()
	m.batchDuration.WithLabelValues(channel).Observe(seconds)
}

func (m *PipelineMetrics) ObserveTokens(prompt, completion int) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensTotal.WithLabelValues("completion").Add(float64(completion))
}
