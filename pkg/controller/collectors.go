package controller

import "github.com/prometheus/client_golang/prometheus"

var (
	statusLabels   = []string{"status"}
	deliveryLabels = []string{"channel", "outcome"}
)

// NewInternalCollectorCurrentlyQueuedTasksCount returns a gauge of the tasks waiting in the queue.
func NewInternalCollectorCurrentlyQueuedTasksCount() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deploy_orchestrator_currently_queued_tasks_count",
			Help: "Number of tasks in the queue",
		},
		[]string{},
	)
}

// NewInternalCollectorExecutedTasksCount returns a gauge of the tasks executed since startup.
func NewInternalCollectorExecutedTasksCount() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deploy_orchestrator_executed_tasks_count",
			Help: "Number of tasks executed",
		},
		[]string{},
	)
}

// NewInternalCollectorBuildServerRequestsCount returns a gauge of the requests sent to the build server.
func NewInternalCollectorBuildServerRequestsCount() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deploy_orchestrator_build_server_requests_count",
			Help: "Number of requests sent to the build server",
		},
		[]string{},
	)
}

// NewInternalCollectorBuildServerRequestsRate returns a gauge of the requests sent over the last second.
func NewInternalCollectorBuildServerRequestsRate() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deploy_orchestrator_build_server_requests_per_second",
			Help: "Requests sent to the build server over the last second",
		},
		[]string{},
	)
}

// NewInternalCollectorBuildServerRequestsRemaining is only filled by drivers which advertise a quota.
func NewInternalCollectorBuildServerRequestsRemaining() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deploy_orchestrator_build_server_requests_remaining",
			Help: "Requests remaining in the build server quota",
		},
		[]string{},
	)
}

func NewInternalCollectorBuildServerRequestsLimit() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deploy_orchestrator_build_server_requests_limit",
			Help: "Request quota of the build server",
		},
		[]string{},
	)
}

// NewCollectorDeploymentsCount returns a gauge of the deployments, by status.
func NewCollectorDeploymentsCount() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deploy_orchestrator_deployments_count",
			Help: "Number of deployments by status",
		},
		statusLabels,
	)
}

// NewCollectorNotificationDeliveriesCount returns a gauge of the notification
// deliveries since startup, by channel and outcome.
func NewCollectorNotificationDeliveriesCount() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deploy_orchestrator_notification_deliveries_count",
			Help: "Number of notification deliveries by channel and outcome",
		},
		deliveryLabels,
	)
}

func NewCollectorEventsPublishedCount() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deploy_orchestrator_events_published_count",
			Help: "Number of lifecycle events handed over to the notification dispatcher",
		},
		[]string{},
	)
}

func NewCollectorEventsDroppedCount() prometheus.Collector {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deploy_orchestrator_events_dropped_count",
			Help: "Number of lifecycle events dropped because the dispatch queue was full",
		},
		[]string{},
	)
}
