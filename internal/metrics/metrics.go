package metrics

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Enabled bool
var registry = prometheus.NewRegistry()
var ScrapingHandler http.Handler = nil
var durationBuckets = []float64{0.002, 0.005, 0.010, 0.02, 0.03, 0.05, 0.1, 0.15, 0.3, 0.6, 1.0, 2.5, 5.0}

var nodeName = ""
var initOnce sync.Once

const (
	DECISIONS         = "offload_decisions_total"
	COMPLETIONS       = "completed_tasks_total"
	FALLBACKS         = "remote_fallbacks_total"
	TASK_DURATION     = "task_duration"
	REMOTE_EXECUTIONS = "remote_executions_total"
	EXECUTION_TIME    = "execution_time"
	APP_REGISTRATIONS = "app_registrations_total"
	ACTIVE_SESSIONS   = "active_sessions"
	NETWORK_RTT       = "network_rtt_seconds"
	NETWORK_UPLOAD    = "network_upload_bps"
	NETWORK_DOWNLOAD  = "network_download_bps"
)

var (
	metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: DECISIONS,
		Help: "Number of offloading decisions per method and location",
	}, []string{"node", "method", "location"})
	metricCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: COMPLETIONS,
		Help: "Number of completed tasks",
	}, []string{"node", "method", "location"})
	metricFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: FALLBACKS,
		Help: "Number of remote attempts that fell back to local execution",
	}, []string{"node", "method", "reason"})
	metricTaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    TASK_DURATION,
		Help:    "Task duration as observed by the client",
		Buckets: durationBuckets,
	}, []string{"node", "method", "location"})
	metricRemoteExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: REMOTE_EXECUTIONS,
		Help: "Number of offloaded executions served by the clone",
	}, []string{"node", "app", "method", "outcome"})
	metricExecutionTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    EXECUTION_TIME,
		Help:    "Pure execution duration on the clone",
		Buckets: durationBuckets,
	}, []string{"node", "method"})
	metricRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: APP_REGISTRATIONS,
		Help: "App registrations by outcome (present/needed/failed)",
	}, []string{"node", "app", "outcome"})
	metricSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: ACTIVE_SESSIONS,
		Help: "Connections currently served by the clone",
	}, []string{"node"})
	metricRTT = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: NETWORK_RTT,
		Help: "Last measured round trip time",
	}, []string{"node"})
	metricUpload = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: NETWORK_UPLOAD,
		Help: "Last accepted upload rate (bits/s)",
	}, []string{"node"})
	metricDownload = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: NETWORK_DOWNLOAD,
		Help: "Last accepted download rate (bits/s)",
	}, []string{"node"})
)

// Init enables metrics for the given node name.
func Init(enabled bool, node string) {
	if !enabled {
		Enabled = false
		return
	}

	initOnce.Do(func() {
		registry.MustRegister(metricDecisions)
		registry.MustRegister(metricCompletions)
		registry.MustRegister(metricFallbacks)
		registry.MustRegister(metricTaskDuration)
		registry.MustRegister(metricRemoteExecutions)
		registry.MustRegister(metricExecutionTime)
		registry.MustRegister(metricRegistrations)
		registry.MustRegister(metricSessions)
		registry.MustRegister(metricRTT)
		registry.MustRegister(metricUpload)
		registry.MustRegister(metricDownload)

		ScrapingHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true})
	})

	log.Println("Metrics enabled.")
	nodeName = node
	Enabled = true
}

func AddDecision(method string, location string) {
	if !Enabled {
		return
	}
	metricDecisions.With(prometheus.Labels{"node": nodeName, "method": method, "location": location}).Inc()
}

func AddCompletedTask(method string, location string, duration time.Duration) {
	if !Enabled {
		return
	}
	labels := prometheus.Labels{"node": nodeName, "method": method, "location": location}
	metricCompletions.With(labels).Inc()
	metricTaskDuration.With(labels).Observe(duration.Seconds())
}

func AddFallback(method string, reason string) {
	if !Enabled {
		return
	}
	metricFallbacks.With(prometheus.Labels{"node": nodeName, "method": method, "reason": reason}).Inc()
}

func AddRemoteExecution(app string, method string, outcome string, pure time.Duration) {
	if !Enabled {
		return
	}
	metricRemoteExecutions.With(prometheus.Labels{"node": nodeName, "app": app, "method": method, "outcome": outcome}).Inc()
	if pure >= 0 {
		metricExecutionTime.With(prometheus.Labels{"node": nodeName, "method": method}).Observe(pure.Seconds())
	}
}

func AddAppRegistration(app string, outcome string) {
	if !Enabled {
		return
	}
	metricRegistrations.With(prometheus.Labels{"node": nodeName, "app": app, "outcome": outcome}).Inc()
}

func SessionOpened() {
	if Enabled {
		metricSessions.With(prometheus.Labels{"node": nodeName}).Inc()
	}
}

func SessionClosed() {
	if Enabled {
		metricSessions.With(prometheus.Labels{"node": nodeName}).Dec()
	}
}

// SetNetworkSample publishes the latest accepted network measurements.
// Negative values (not yet measured) are skipped.
func SetNetworkSample(rtt time.Duration, ulRate int64, dlRate int64) {
	if !Enabled {
		return
	}
	labels := prometheus.Labels{"node": nodeName}
	if rtt >= 0 {
		metricRTT.With(labels).Set(rtt.Seconds())
	}
	if ulRate >= 0 {
		metricUpload.With(labels).Set(float64(ulRate))
	}
	if dlRate >= 0 {
		metricDownload.With(labels).Set(float64(dlRate))
	}
}

// Gather exposes the private registry (used by tests and the status API).
func Gather() (int, error) {
	families, err := registry.Gather()
	return len(families), err
}
