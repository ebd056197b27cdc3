package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConversationMetrics exposes counters/histograms for conversation control flows.
type ConversationMetrics struct {
	inboundTotal  *prometheus.CounterVec
	outboundTotal *prometheus.CounterVec
	controlTotal  *prometheus.CounterVec
	drainTotal    *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gendei",
			Subsystem: "conversation",
			Name:      "inbound_total",
			Help:      "Total inbound patient messages recorded",
		}, []string{"status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gendei",
			Subsystem: "conversation",
			Name:      "outbound_total",
			Help:      "Total outbound sends by kind and outcome",
		}, []string{"kind", "outcome"}),
		controlTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gendei",
			Subsystem: "conversation",
			Name:      "control_transitions_total",
			Help:      "Takeover/release attempts by action and result",
		}, []string{"action", "result"}),
		drainTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gendei",
			Subsystem: "conversation",
			Name:      "queue_drain_total",
			Help:      "Queue drain operations by result",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gendei",
			Subsystem: "conversation",
			Name:      "drain_sweep_duration_seconds",
			Help:      "Duration of background drain sweeps",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.controlTotal, m.drainTotal, m.sweepDuration)
	return m
}

func (m *ConversationMetrics) ObserveInbound(status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(status).Inc()
}

func (m *ConversationMetrics) ObserveOutbound(kind, outcome string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *ConversationMetrics) ObserveControl(action, result string) {
	if m == nil {
		return
	}
	m.controlTotal.WithLabelValues(action, result).Inc()
}

func (m *ConversationMetrics) ObserveDrain(result string) {
	if m == nil {
		return
	}
	m.drainTotal.WithLabelValues(result).Inc()
}

func (m *ConversationMetrics) ObserveSweepDuration(seconds float64) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(seconds)
}
