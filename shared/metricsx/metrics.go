package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	assignmentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assignment_decision_latency_seconds",
			Help:    "Unit assignment decision latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	needsManualAssignment = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "calls_needs_manual_assignment_total",
			Help: "Calls escalated to manual assignment after exhausted retries.",
		},
	)
	invariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_invariant_violations_total",
			Help: "Detected call/unit linkage invariant violations.",
		},
	)
	unitReportAnomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unit_report_anomalies_total",
			Help: "Out-of-order unit status reports accepted and logged.",
		},
	)
	persistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_persist_failures_total",
			Help: "Failed persistence attempts for committed mutations.",
		},
		[]string{"kind"},
	)
	bridgeState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_connection_state",
			Help: "Bridge connection state (0 disconnected, 1 connecting, 2 connected, 3 degraded).",
		},
	)
	bridgeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_reconnects_total",
			Help: "Total bridge reconnect attempts.",
		},
	)
	bridgeDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_messages_dropped_total",
			Help: "Outbound bridge messages dropped from the queue.",
		},
		[]string{"reason"},
	)
	bridgeDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_duplicate_messages_total",
			Help: "Inbound bridge messages discarded as duplicates.",
		},
	)
	orchestrationTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestration_tasks_total",
			Help: "Orchestration task outcomes by effect and status.",
		},
		[]string{"effect", "status"},
	)
	collabFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_request_failures_total",
			Help: "Failed requests to collaborating services.",
		},
		[]string{"service"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(httpRequests, httpLatency, kafkaConsumerLag, influxWriteFailures, assignmentLatency, needsManualAssignment, invariantViolations, unitReportAnomalies, persistFailures, bridgeState, bridgeReconnects, bridgeDropped, bridgeDuplicates, orchestrationTasks, collabFailures, asynqQueueDepth)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func ObserveAssignmentLatency(d time.Duration) {
	assignmentLatency.Observe(d.Seconds())
}

func IncNeedsManualAssignment() {
	needsManualAssignment.Inc()
}

func IncInvariantViolation() {
	invariantViolations.Inc()
}

func IncUnitReportAnomaly() {
	unitReportAnomalies.Inc()
}

func IncPersistFailure(kind string) {
	persistFailures.WithLabelValues(kind).Inc()
}

func SetBridgeState(state int) {
	bridgeState.Set(float64(state))
}

func IncBridgeReconnect() {
	bridgeReconnects.Inc()
}

func IncBridgeDropped(reason string) {
	bridgeDropped.WithLabelValues(reason).Inc()
}

func IncBridgeDuplicate() {
	bridgeDuplicates.Inc()
}

func IncOrchestrationTask(effect string, status string) {
	orchestrationTasks.WithLabelValues(effect, status).Inc()
}

func IncCollabFailure(service string) {
	collabFailures.WithLabelValues(service).Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
