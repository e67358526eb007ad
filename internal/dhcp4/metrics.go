package dhcp4

import "github.com/prometheus/client_golang/prometheus"

// ingressMetrics are the Prometheus counters for the link-capture and
// fan-in layer.
type ingressMetrics struct {
	decodeErrors prometheus.Counter
	dropped      prometheus.Counter
}

// newIngressMetrics registers the ingress counters on reg.
func newIngressMetrics(reg prometheus.Registerer) (m *ingressMetrics) {
	m = &ingressMetrics{
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcp4",
			Subsystem: "ingress",
			Name:      "decode_errors_total",
			Help:      "Number of captured frames dropped during decode (short frame, bad magic, non-request op, truncated options).",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhcp4",
			Subsystem: "ingress",
			Name:      "dropped_total",
			Help:      "Number of decoded packets dropped because the fan-in queue was full.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.decodeErrors, m.dropped)
	}

	return m
}

// dispatchMetrics are the Prometheus counters for the request dispatcher.
type dispatchMetrics struct {
	replies     *prometheus.CounterVec
	allocations *prometheus.CounterVec
}

// newDispatchMetrics registers the dispatcher counters on reg.
func newDispatchMetrics(reg prometheus.Registerer) (m *dispatchMetrics) {
	m = &dispatchMetrics{
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhcp4",
			Subsystem: "dispatcher",
			Name:      "replies_total",
			Help:      "Number of replies sent, by message type.",
		}, []string{"type"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dhcp4",
			Subsystem: "dispatcher",
			Name:      "allocations_total",
			Help:      "Number of allocator outcomes, by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(m.replies, m.allocations)
	}

	return m
}
