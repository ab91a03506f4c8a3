package dispatcher

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors the dispatcher updates as it
// fans out messages. A Dispatcher owns its own registry so a process
// can run more than one Dispatcher without collector name collisions.
type Metrics struct {
	Registry *prometheus.Registry

	delivered *prometheus.CounterVec
	ackTimeouts prometheus.Counter
	queueDepth *prometheus.GaugeVec
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmq",
			Subsystem: "dispatcher",
			Name:      "messages_delivered_total",
			Help:      "Messages handed to a subscriber sink, by qos.",
		}, []string{"qos"}),
		ackTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmq",
			Subsystem: "dispatcher",
			Name:      "ack_timeouts_total",
			Help:      "QoS 1/2 deliveries that never received their ack within the timeout.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowmq",
			Subsystem: "dispatcher",
			Name:      "worker_queue_depth",
			Help:      "Pending delivery tasks queued per worker.",
		}, []string{"worker"}),
	}
	reg.MustRegister(m.delivered, m.ackTimeouts, m.queueDepth)
	return m
}
