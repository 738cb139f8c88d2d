package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crmflow"

// Метрики исполнения. Регистрируются в prometheus.DefaultRegisterer
// и отдаются promhttp.Handler() на /metrics.
var (
	// RunsStarted: запущенные run по источнику (trigger_type).
	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_started_total",
		Help:      "Runs taken for execution by trigger type",
	}, []string{"trigger_type"})

	// RunsFinished: завершённые run по итоговому статусу.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_finished_total",
		Help:      "Runs that reached completed, failed, cancelled or waiting",
	}, []string{"status"})

	// ActiveRuns: run, выполняющиеся в пуле прямо сейчас.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Runs currently executing in this process",
	})

	// NodeExecutions: вызовы обработчиков по типу и результату.
	NodeExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_executions_total",
		Help:      "Node handler invocations by node type and result",
	}, []string{"node_type", "status"})

	// NodeDuration: длительность выполнения узла (включая retry).
	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "node_duration_seconds",
		Help:      "Node execution time including retries",
		Buckets:   prometheus.DefBuckets,
	}, []string{"node_type"})

	// RateLimited: отклонённые лимитом запуски.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "triggers_rate_limited_total",
		Help:      "Manual triggers rejected by the per-tenant rate limit",
	})

	// SchedulerJobs: сработавшие задания планировщика.
	SchedulerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_jobs_fired_total",
		Help:      "Scheduled jobs fired by kind and result",
	}, []string{"kind", "status"})

	// HTTPRequests: запросы к API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_http_requests_total",
		Help:      "HTTP requests handled by the API",
	}, []string{"method", "route", "code"})
)
