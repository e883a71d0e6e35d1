package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ContainersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coderunner_containers_created_total",
		Help: "Total number of session containers created",
	})

	ContainersReused = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coderunner_containers_reused_total",
		Help: "Total number of acquisitions served by a cached container",
	})

	ContainersDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coderunner_containers_deleted_total",
		Help: "Total number of session containers removed",
	})

	CleanupErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coderunner_cleanup_errors_total",
		Help: "Total number of failed container or network removals",
	})

	ContainersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coderunner_containers_active",
		Help: "Number of live session containers",
	})

	LastCleanupDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coderunner_last_cleanup_duration_seconds",
		Help: "Wall time of the most recent pool sweep",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coderunner_queue_depth",
		Help: "Number of tasks waiting for dispatch",
	})

	ActiveExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coderunner_active_executions",
		Help: "Number of executions currently running",
	})

	TasksRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coderunner_tasks_rejected_total",
		Help: "Total number of rejected tasks by error code",
	}, []string{"code"})

	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coderunner_executions_total",
		Help: "Total number of finished executions by outcome",
	}, []string{"outcome"})

	NetworksActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coderunner_networks_active",
		Help: "Number of live session networks",
	})

	SubnetsLeased = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coderunner_subnets_leased",
		Help: "Number of /24 subnet leases currently held",
	})
)

func init() {
	prometheus.MustRegister(
		ContainersCreated,
		ContainersReused,
		ContainersDeleted,
		CleanupErrors,
		ContainersActive,
		LastCleanupDuration,
		QueueDepth,
		ActiveExecutions,
		TasksRejected,
		ExecutionsTotal,
		NetworksActive,
		SubnetsLeased,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
