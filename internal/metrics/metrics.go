// Package metrics defines the Prometheus collectors exported at /metrics.
// Collectors are package-level promauto values so any component can record
// without plumbing a registry through constructors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeploymentsTotal counts finished deployments by terminal status.
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushbot_deployments_total",
		Help: "Total number of finished deployments by terminal status.",
	}, []string{"status"})

	// DeploymentsActive tracks deployments currently executing a child process.
	DeploymentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pushbot_deployments_active",
		Help: "Number of deployments currently running a child process.",
	})

	// DeploymentDuration observes wall-clock execution time per service,
	// measured from spawn to exit (queue wait excluded).
	DeploymentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pushbot_deployment_duration_seconds",
		Help:    "Deployment child process duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"service"})

	// WebhookRequestsTotal counts webhook deliveries accepted per repository.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushbot_webhook_requests_total",
		Help: "Total number of accepted webhook deliveries by repository.",
	}, []string{"repository"})

	// WebhookErrorsTotal counts rejected webhook deliveries per repository.
	// The repository label is "unknown" when rejection happens before the
	// payload could be parsed.
	WebhookErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pushbot_webhook_errors_total",
		Help: "Total number of rejected webhook deliveries by repository.",
	}, []string{"repository"})
)
