package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgepeer"

// Direction labels.
const (
	DirectionIn       = "in"
	DirectionOut      = "out"
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

var (
	Registry = prometheus.NewRegistry()

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Peer sessions currently running.",
		},
	)
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Peer sessions started, by link direction.",
		},
		[]string{"direction"},
	)
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Peer sessions closed, by reason.",
		},
		[]string{"reason"},
	)
	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Lifetime of closed peer sessions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "frames_total",
			Help:      "Frames sent and received, by direction and message kind.",
		},
		[]string{"direction", "kind"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "errors_total",
			Help:      "Codec and transport errors, by class.",
		},
		[]string{"class"},
	)
	mailboxEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "events_total",
			Help:      "Registry mailbox events processed, by event.",
		},
		[]string{"event"},
	)
	infoReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "info_received_total",
			Help:      "Info payloads forwarded to the registry.",
		},
	)
)

func init() {
	Registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionsClosed,
		sessionDuration,
		framesTotal,
		frameErrors,
		mailboxEvents,
		infoReceived,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// MetricsHandler exposes the registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordSessionStarted(direction string) {
	sessionsActive.Inc()
	sessionsTotal.WithLabelValues(direction).Inc()
}

func RecordSessionClosed(reason string, lifetime time.Duration) {
	sessionsActive.Dec()
	sessionsClosed.WithLabelValues(reason).Inc()
	sessionDuration.Observe(lifetime.Seconds())
}

func RecordFrame(direction, kind string) {
	framesTotal.WithLabelValues(direction, kind).Inc()
}

func RecordFrameError(class string) {
	frameErrors.WithLabelValues(class).Inc()
}

func RecordMailboxEvent(event string) {
	mailboxEvents.WithLabelValues(event).Inc()
}

func RecordInfo() {
	infoReceived.Inc()
}

// Value returns the current value of the counter or gauge sample named name
// whose labels include every pair in labels. Missing samples read as zero.
func Value(name string, labels map[string]string) float64 {
	families, err := Registry.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want == lp.GetValue() {
					matched++
				}
			}
			if matched != len(labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}
