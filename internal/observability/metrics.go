package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the daemon.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)

	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Jobs registered with the dispatcher.",
		},
		[]string{"space"},
	)
	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs resolved, by outcome.",
		},
		[]string{"space", "outcome"},
	)
	lateReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "jobs",
			Name:      "late_replies_total",
			Help:      "Replies whose job was no longer pending.",
		},
		[]string{"space"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames delivered to the session, by message kind.",
		},
		[]string{"kind"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames written to the wire, by message kind.",
		},
		[]string{"kind"},
	)
	batchFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "transport",
			Name:      "batch_subframes_total",
			Help:      "Sub-frames expanded out of batch frames.",
		},
	)
	disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "transport",
			Name:      "disconnects_total",
			Help:      "Transport disconnects, by reason.",
		},
		[]string{"reason"},
	)
	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after a disconnect.",
		},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions, by target state.",
		},
		[]string{"state"},
	)
	catalogCounter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgelink",
			Subsystem: "catalog",
			Name:      "change_counter",
			Help:      "Current global catalog change counter.",
		},
		[]string{"instance"},
	)
	catalogFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "catalog",
			Name:      "fetches_total",
			Help:      "Catalog info requests, by outcome.",
		},
		[]string{"outcome"},
	)
	edgeLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "edgecache",
			Name:      "lookups_total",
			Help:      "Edge server cache resolutions, by result.",
		},
		[]string{"result"},
	)
	droppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because the subscriber buffer was full.",
		},
		[]string{"stream"},
	)
	optionWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "options",
			Name:      "warnings_total",
			Help:      "Option assignments rejected and reverted to default.",
		},
		[]string{"option"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			jobsSubmitted, jobsFinished, lateReplies,
			framesReceived, framesSent, batchFrames, disconnects,
			reconnectAttempts, sessionTransitions,
			catalogCounter, catalogFetches,
			edgeLookups, droppedEvents, optionWarnings,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordJobSubmitted(space string) {
	RegisterMetrics()
	jobsSubmitted.WithLabelValues(space).Inc()
}

func RecordJobFinished(space, outcome string) {
	RegisterMetrics()
	jobsFinished.WithLabelValues(space, outcome).Inc()
}

func RecordLateReply(space string) {
	RegisterMetrics()
	lateReplies.WithLabelValues(space).Inc()
}

func RecordFrameReceived(kind string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(kind).Inc()
}

func RecordFrameSent(kind string) {
	RegisterMetrics()
	framesSent.WithLabelValues(kind).Inc()
}

func RecordBatchSubframes(n int) {
	RegisterMetrics()
	batchFrames.Add(float64(n))
}

func RecordDisconnect(reason string) {
	RegisterMetrics()
	disconnects.WithLabelValues(reason).Inc()
}

func RecordReconnectAttempt() {
	RegisterMetrics()
	reconnectAttempts.Inc()
}

func RecordSessionTransition(state string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(state).Inc()
}

func SetCatalogCounter(instance string, counter uint64) {
	RegisterMetrics()
	catalogCounter.WithLabelValues(instance).Set(float64(counter))
}

func RecordCatalogFetch(outcome string) {
	RegisterMetrics()
	catalogFetches.WithLabelValues(outcome).Inc()
}

func RecordEdgeLookup(result string) {
	RegisterMetrics()
	edgeLookups.WithLabelValues(result).Inc()
}

func RecordDroppedEvent(stream string) {
	RegisterMetrics()
	droppedEvents.WithLabelValues(stream).Inc()
}

func RecordOptionWarning(option string) {
	RegisterMetrics()
	optionWarnings.WithLabelValues(option).Inc()
}
