package controller

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/helvethink/deploy-orchestrator/pkg/notify"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// Registry wraps a pointer to prometheus.Registry and manages metric collectors.
type Registry struct {
	*prometheus.Registry

	// InternalCollectors holds metrics about the orchestrator itself.
	InternalCollectors struct {
		CurrentlyQueuedTasksCount    prometheus.Collector
		ExecutedTasksCount           prometheus.Collector
		BuildServerRequestsCount     prometheus.Collector
		BuildServerRequestsRate      prometheus.Collector
		BuildServerRequestsRemaining prometheus.Collector
		BuildServerRequestsLimit     prometheus.Collector
	}

	DeploymentsCount            prometheus.Collector
	NotificationDeliveriesCount prometheus.Collector
	EventsPublishedCount        prometheus.Collector
	EventsDroppedCount          prometheus.Collector
}

// quotaReporter is implemented by drivers whose build server advertises a request quota.
type quotaReporter interface {
	Quota() (limit, remaining int)
}

// NewRegistry initializes and returns a new Registry instance with all the necessary collectors registered.
func NewRegistry(ctx context.Context) *Registry {
	r := &Registry{
		Registry:                    prometheus.NewRegistry(),
		DeploymentsCount:            NewCollectorDeploymentsCount(),
		NotificationDeliveriesCount: NewCollectorNotificationDeliveriesCount(),
		EventsPublishedCount:        NewCollectorEventsPublishedCount(),
		EventsDroppedCount:          NewCollectorEventsDroppedCount(),
	}

	r.InternalCollectors.CurrentlyQueuedTasksCount = NewInternalCollectorCurrentlyQueuedTasksCount()
	r.InternalCollectors.ExecutedTasksCount = NewInternalCollectorExecutedTasksCount()
	r.InternalCollectors.BuildServerRequestsCount = NewInternalCollectorBuildServerRequestsCount()
	r.InternalCollectors.BuildServerRequestsRate = NewInternalCollectorBuildServerRequestsRate()
	r.InternalCollectors.BuildServerRequestsRemaining = NewInternalCollectorBuildServerRequestsRemaining()
	r.InternalCollectors.BuildServerRequestsLimit = NewInternalCollectorBuildServerRequestsLimit()

	for _, c := range []prometheus.Collector{
		r.InternalCollectors.CurrentlyQueuedTasksCount,
		r.InternalCollectors.ExecutedTasksCount,
		r.InternalCollectors.BuildServerRequestsCount,
		r.InternalCollectors.BuildServerRequestsRate,
		r.InternalCollectors.BuildServerRequestsRemaining,
		r.InternalCollectors.BuildServerRequestsLimit,
		r.DeploymentsCount,
		r.NotificationDeliveriesCount,
		r.EventsPublishedCount,
		r.EventsDroppedCount,
	} {
		if err := r.Register(c); err != nil {
			log.WithContext(ctx).
				Fatal(fmt.Errorf("could not add provided collector '%v' to the Prometheus registry: %v", c, err))
		}
	}

	return r
}

func gauge(c prometheus.Collector, labels prometheus.Labels, v float64) {
	c.(*prometheus.GaugeVec).With(labels).Set(v)
}

// ExportInternalMetrics reads the task queue and build server accounting.
func (r *Registry) ExportInternalMetrics(ctx context.Context, c *Controller) (err error) {
	var currentlyQueuedTasks, executedTasksCount uint64

	if currentlyQueuedTasks, err = c.Store.CurrentlyQueuedTasksCount(ctx); err != nil {
		return
	}

	if executedTasksCount, err = c.Store.ExecutedTasksCount(ctx); err != nil {
		return
	}

	gauge(r.InternalCollectors.CurrentlyQueuedTasksCount, prometheus.Labels{}, float64(currentlyQueuedTasks))
	gauge(r.InternalCollectors.ExecutedTasksCount, prometheus.Labels{}, float64(executedTasksCount))

	if c.BuildServer != nil {
		gauge(r.InternalCollectors.BuildServerRequestsCount, prometheus.Labels{}, float64(c.BuildServer.RequestsCounter.Load()))
		gauge(r.InternalCollectors.BuildServerRequestsRate, prometheus.Labels{}, float64(c.BuildServer.RateCounter.Rate()))
	}

	if q, ok := c.Runner.(quotaReporter); ok {
		limit, remaining := q.Quota()
		gauge(r.InternalCollectors.BuildServerRequestsLimit, prometheus.Labels{}, float64(limit))
		gauge(r.InternalCollectors.BuildServerRequestsRemaining, prometheus.Labels{}, float64(remaining))
	}

	return
}

// ExportDeploymentMetrics exports the count of deployments of every status, zero included.
func (r *Registry) ExportDeploymentMetrics(counts map[schemas.DeploymentStatus]int64) {
	for _, s := range schemas.DeploymentStatuses {
		gauge(r.DeploymentsCount, prometheus.Labels{"status": string(s)}, float64(counts[s]))
	}
}

// ExportNotificationMetrics exports the delivery outcomes and the event queue accounting.
func (r *Registry) ExportNotificationMetrics(published, dropped uint64, stats map[schemas.Channel]notify.DeliveryStats) {
	gauge(r.EventsPublishedCount, prometheus.Labels{}, float64(published))
	gauge(r.EventsDroppedCount, prometheus.Labels{}, float64(dropped))

	for channel, s := range stats {
		gauge(r.NotificationDeliveriesCount, prometheus.Labels{"channel": string(channel), "outcome": "success"}, float64(s.Success))
		gauge(r.NotificationDeliveriesCount, prometheus.Labels{"channel": string(channel), "outcome": "failure"}, float64(s.Failure))
	}
}
