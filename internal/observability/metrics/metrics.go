package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for conversation turns.
type EngineMetrics struct {
	turnsTotal    *prometheus.CounterVec
	turnLatency   *prometheus.HistogramVec
	toolCalls     *prometheus.CounterVec
	upstreamRetry prometheus.Counter
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "engine",
			Name:      "turns_total",
			Help:      "Total conversation turns by outcome",
		}, []string{"outcome"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chat",
			Subsystem: "engine",
			Name:      "turn_latency_seconds",
			Help:      "Wall time of one conversation turn",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"model"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "engine",
			Name:      "tool_invocations_total",
			Help:      "Total tool invocations by tool and status",
		}, []string{"tool", "status"}),
		upstreamRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "engine",
			Name:      "upstream_retries_total",
			Help:      "Total upstream calls retried after a transient failure",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.turnLatency, m.toolCalls, m.upstreamRetry)
	return m
}

func (m *EngineMetrics) ObserveTurn(outcome, model string, seconds float64) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnLatency.WithLabelValues(model).Observe(seconds)
}

func (m *EngineMetrics) ObserveToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}

func (m *EngineMetrics) ObserveUpstreamRetry() {
	if m == nil {
		return
	}
	m.upstreamRetry.Inc()
}

// StreamMetrics tracks connected event-stream clients.
type StreamMetrics struct {
	subscribers prometheus.Gauge
	dropped     prometheus.Counter
}

func NewStreamMetrics(reg prometheus.Registerer) *StreamMetrics {
	m := &StreamMetrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Currently connected event-stream clients",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "stream",
			Name:      "evicted_total",
			Help:      "Subscriptions evicted for not draining their queue",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.subscribers, m.dropped)
	return m
}

func (m *StreamMetrics) SubscriberConnected() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *StreamMetrics) SubscriberDisconnected() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *StreamMetrics) SubscriberEvicted() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
