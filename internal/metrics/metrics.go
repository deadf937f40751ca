package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pacs_bridge"

var (
	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "controller_frames_received_total",
			Help:      "Frames received from the controller, by command.",
		},
		[]string{"command"},
	)
	FramesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "controller_frames_sent_total",
			Help:      "Frames sent to the controller, by command.",
		},
		[]string{"command"},
	)
	ControllerReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "controller_reconnects_total",
			Help:      "Reconnects to the controller after a connection failure.",
		},
	)
	PublishAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_publish_attempts_total",
			Help:      "Broker publish attempts, by result.",
		},
		[]string{"result"},
	)
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_deliveries_total",
			Help:      "Consumed broker deliveries, by outcome (ack, requeue, discard).",
		},
		[]string{"outcome"},
	)
	Workflows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Card workflows, by kind and transition (started, advanced, orphaned, completed, evicted, failed).",
		},
		[]string{"kind", "transition"},
	)
	PendingWorkflows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_pending",
			Help:      "Workflows currently tracked in the correlation table.",
		},
	)
	StoredEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "controller_events_total",
			Help:      "Controller events, by result (stored, invalid, failed).",
		},
		[]string{"result"},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(
			FramesReceived,
			FramesSent,
			ControllerReconnects,
			PublishAttempts,
			Deliveries,
			Workflows,
			PendingWorkflows,
			StoredEvents,
		)
	})
}
