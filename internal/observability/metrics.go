package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/sigbus/internal/bus"
	"github.com/danmuck/sigbus/internal/protocol/wire"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigbus",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sigbus",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	busMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigbus",
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Bus messages by direction and kind.",
		},
		[]string{"bus", "direction", "kind"},
	)
	busUnhandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigbus",
			Subsystem: "bus",
			Name:      "unhandled_total",
			Help:      "Incoming messages no reply or subscription consumed.",
		},
		[]string{"bus", "kind"},
	)
	busAuth = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigbus",
			Subsystem: "bus",
			Name:      "auth_total",
			Help:      "Authentication outcomes by final mechanism.",
		},
		[]string{"bus", "mechanism", "success"},
	)
	busTaskFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigbus",
			Subsystem: "bus",
			Name:      "task_failures_total",
			Help:      "Connection tasks that ended with an error.",
		},
		[]string{"bus", "task"},
	)
	busQueueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigbus",
			Subsystem: "bus",
			Name:      "queue_drops_total",
			Help:      "Signals dropped from full subscription queues.",
		},
		[]string{"bus"},
	)
	busPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sigbus",
			Subsystem: "bus",
			Name:      "pending_replies",
			Help:      "Calls awaiting a reply.",
		},
		[]string{"bus"},
	)
	busState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sigbus",
			Subsystem: "bus",
			Name:      "state",
			Help:      "Connection state as its ordinal (0 connecting .. 5 closed).",
		},
		[]string{"bus"},
	)
	incomingMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigbus",
			Subsystem: "signal",
			Name:      "incoming_total",
			Help:      "Decoded MessageReceived payloads by outcome.",
		},
		[]string{"bus", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			busMessages, busUnhandled, busAuth, busTaskFailures, busQueueDrops,
			busPending, busState, incomingMessages,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordIncoming counts one MessageReceived payload handed to the host.
func RecordIncoming(busLabel string, ok bool) {
	RegisterMetrics()
	outcome := "parsed"
	if !ok {
		outcome = "malformed"
	}
	incomingMessages.WithLabelValues(busLabel, outcome).Inc()
}

// BusMetrics records one connection's events. It satisfies bus.Observer.
type BusMetrics struct {
	label string
}

var _ bus.Observer = (*BusMetrics)(nil)

func NewBusMetrics(label string) *BusMetrics {
	RegisterMetrics()
	return &BusMetrics{label: label}
}

func (m *BusMetrics) StateChanged(s bus.State) {
	busState.WithLabelValues(m.label).Set(float64(s))
}

func (m *BusMetrics) MessageSent(kind wire.Kind) {
	busMessages.WithLabelValues(m.label, "out", kind.String()).Inc()
}

func (m *BusMetrics) MessageReceived(kind wire.Kind) {
	busMessages.WithLabelValues(m.label, "in", kind.String()).Inc()
}

func (m *BusMetrics) AuthFinished(mechanism string, ok bool) {
	busAuth.WithLabelValues(m.label, mechanism, strconv.FormatBool(ok)).Inc()
}

func (m *BusMetrics) Unhandled(msg *wire.Message) {
	busUnhandled.WithLabelValues(m.label, msg.Kind.String()).Inc()
}

func (m *BusMetrics) TaskFailed(task string) {
	busTaskFailures.WithLabelValues(m.label, task).Inc()
}

func (m *BusMetrics) QueueDropped(string) {
	busQueueDrops.WithLabelValues(m.label).Inc()
}

func (m *BusMetrics) PendingReplies(n int) {
	busPending.WithLabelValues(m.label).Set(float64(n))
}
