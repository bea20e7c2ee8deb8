package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder aggregates Prometheus collectors for HTTP requests, upload
// lifecycle events, transcode jobs, webhook deliveries, queue traffic, and
// websocket activity. Each Recorder owns its registry so tests can construct
// isolated instances without collector name collisions.
type Recorder struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	uploadEvents  *prometheus.CounterVec
	statusChanges *prometheus.CounterVec

	transcodeJobs   *prometheus.CounterVec
	transcodeActive prometheus.Gauge

	dispatchAttempts *prometheus.CounterVec
	queueMessages    *prometheus.CounterVec

	webhookDeliveries *prometheus.CounterVec

	socketConnections prometheus.Gauge
	socketPushes      *prometheus.CounterVec
}

var defaultRecorder = New()

// New constructs a Recorder with all collectors registered against a fresh
// registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visionsync_http_requests_total",
			Help: "Total number of HTTP requests processed by the API",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "visionsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		uploadEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visionsync_upload_events_total",
			Help: "Upload lifecycle events by type",
		}, []string{"event"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visionsync_status_changes_total",
			Help: "Video status transitions by resulting status",
		}, []string{"status"}),
		transcodeJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visionsync_transcode_jobs_total",
			Help: "Transcode job events by tier and status",
		}, []string{"tier", "status"}),
		transcodeActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "visionsync_transcode_active_jobs",
			Help: "Current number of in-flight transcode jobs",
		}),
		dispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visionsync_dispatch_attempts_total",
			Help: "Worker launch attempts by tier and outcome",
		}, []string{"tier", "outcome"}),
		queueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visionsync_queue_messages_total",
			Help: "Queue messages by operation and outcome",
		}, []string{"operation", "outcome"}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visionsync_webhook_deliveries_total",
			Help: "Processing webhook deliveries by outcome",
		}, []string{"outcome"}),
		socketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "visionsync_socket_connections",
			Help: "Current number of connected websocket clients",
		}),
		socketPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visionsync_socket_pushes_total",
			Help: "Websocket events pushed to rooms by event type",
		}, []string{"event"}),
	}

	registry.MustRegister(
		r.requestTotal,
		r.requestDuration,
		r.uploadEvents,
		r.statusChanges,
		r.transcodeJobs,
		r.transcodeActive,
		r.dispatchAttempts,
		r.queueMessages,
		r.webhookDeliveries,
		r.socketConnections,
		r.socketPushes,
	)

	return r
}

// Default returns the singleton Recorder shared across helper functions for
// packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and records count and
// duration by HTTP method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": strings.ToUpper(method),
		"path":   normalizePath(path),
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveUploadEvent records an upload lifecycle event such as "presigned",
// "confirmed", or "rejected".
func (r *Recorder) ObserveUploadEvent(event string) {
	r.uploadEvents.WithLabelValues(normalizeName(event)).Inc()
}

// ObserveStatusChange records a video status transition keyed by the status
// the record moved to.
func (r *Recorder) ObserveStatusChange(status string) {
	r.statusChanges.WithLabelValues(normalizeName(status)).Inc()
}

// TranscodeJobStarted records the start of a transcode job on the given tier
// and increments the active job gauge.
func (r *Recorder) TranscodeJobStarted(tier string) {
	r.transcodeJobs.WithLabelValues(normalizeName(tier), "start").Inc()
	r.transcodeActive.Inc()
}

// TranscodeJobCompleted records job completion and decrements the active
// gauge.
func (r *Recorder) TranscodeJobCompleted(tier string) {
	r.transcodeJobs.WithLabelValues(normalizeName(tier), "complete").Inc()
	r.transcodeActive.Dec()
}

// TranscodeJobFailed records a failed job and decrements the active gauge.
func (r *Recorder) TranscodeJobFailed(tier string) {
	r.transcodeJobs.WithLabelValues(normalizeName(tier), "fail").Inc()
	r.transcodeActive.Dec()
}

// ObserveDispatch records a worker launch attempt outcome ("ok", "fallback",
// or "error") for the given capacity tier.
func (r *Recorder) ObserveDispatch(tier, outcome string) {
	r.dispatchAttempts.WithLabelValues(normalizeName(tier), normalizeName(outcome)).Inc()
}

// ObserveQueueMessage records a queue operation ("enqueue", "receive",
// "delete") and its outcome ("ok" or "error").
func (r *Recorder) ObserveQueueMessage(operation, outcome string) {
	r.queueMessages.WithLabelValues(normalizeName(operation), normalizeName(outcome)).Inc()
}

// ObserveWebhook records a processing webhook delivery outcome such as
// "accepted", "rejected", or "duplicate".
func (r *Recorder) ObserveWebhook(outcome string) {
	r.webhookDeliveries.WithLabelValues(normalizeName(outcome)).Inc()
}

// SocketConnected increments the connected websocket client gauge.
func (r *Recorder) SocketConnected() {
	r.socketConnections.Inc()
}

// SocketDisconnected decrements the connected websocket client gauge.
func (r *Recorder) SocketDisconnected() {
	r.socketConnections.Dec()
}

// ObserveSocketPush records an event pushed to a websocket room.
func (r *Recorder) ObserveSocketPush(event string) {
	r.socketPushes.WithLabelValues(normalizeName(event)).Inc()
}

// Gather exposes the underlying registry for tests that inspect collected
// samples directly.
func (r *Recorder) Gather() prometheus.Gatherer {
	return r.registry
}

// Handler exposes the Recorder's registry as a Prometheus scrape endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// normalizePath collapses identifier-looking path segments so metrics stay
// bounded in cardinality.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveUploadEvent records an upload event on the default recorder.
func ObserveUploadEvent(event string) {
	defaultRecorder.ObserveUploadEvent(event)
}

// ObserveStatusChange records a status transition on the default recorder.
func ObserveStatusChange(status string) {
	defaultRecorder.ObserveStatusChange(status)
}

// ObserveWebhook records a webhook outcome on the default recorder.
func ObserveWebhook(outcome string) {
	defaultRecorder.ObserveWebhook(outcome)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
