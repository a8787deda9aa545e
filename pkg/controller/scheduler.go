package controller

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/taskq/memqueue/v4"
	"github.com/vmihailenco/taskq/redisq/v4"
	"github.com/vmihailenco/taskq/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/deploy-orchestrator/pkg/config"
	"github.com/helvethink/deploy-orchestrator/pkg/monitor"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
	"github.com/helvethink/deploy-orchestrator/pkg/store"
)

// TaskController holds the components needed to manage task queues and scheduling.
type TaskController struct {
	Factory taskq.Factory
	Queue   taskq.Queue
	TaskMap *taskq.TaskMap

	monitoringMutex          *sync.RWMutex
	taskSchedulingMonitoring map[schemas.TaskType]*monitor.TaskSchedulingStatus
}

// NewTaskController initializes and returns a new TaskController.
// The queue is backed by Redis if a client is given, by memory otherwise.
// It is purged at startup.
func NewTaskController(ctx context.Context, r *redis.Client, maximumJobsQueueSize int) (t TaskController) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:NewTaskController")
	defer span.End()

	t.TaskMap = &taskq.TaskMap{}

	queueOptions := &taskq.QueueConfig{
		Name:                 "default",
		PauseErrorsThreshold: 3,
		Handler:              t.TaskMap,
		BufferSize:           maximumJobsQueueSize,
	}

	if r != nil {
		t.Factory = redisq.NewFactory()
		queueOptions.Redis = r
	} else {
		t.Factory = memqueue.NewFactory()
	}

	t.Queue = t.Factory.RegisterQueue(queueOptions)

	// Purge the queue to start fresh - caution advised if running in HA setups
	if err := t.Queue.Purge(ctx); err != nil {
		log.WithContext(ctx).
			WithError(err).
			Error("purging the task queue")
	}

	if r != nil {
		if err := t.Factory.StartConsumers(context.TODO()); err != nil {
			log.WithContext(ctx).
				WithError(err).
				Fatal("starting consuming the task queue")
		}
	}

	t.monitoringMutex = &sync.RWMutex{}
	t.taskSchedulingMonitoring = make(map[schemas.TaskType]*monitor.TaskSchedulingStatus)

	return
}

// TaskHandlerPollDeployments schedules one poll per deploying deployment.
func (c *Controller) TaskHandlerPollDeployments(ctx context.Context) error {
	defer c.unqueueTask(ctx, schemas.TaskTypePollDeployments, "_")
	defer c.TaskController.monitorLastTaskScheduling(schemas.TaskTypePollDeployments)

	return c.PollDeployments(ctx)
}

// TaskHandlerPollDeployment polls the jobs of one deployment. Failures are
// logged and retried on the next tick.
func (c *Controller) TaskHandlerPollDeployment(ctx context.Context, id string) {
	defer c.unqueueTask(ctx, schemas.TaskTypePollDeployment, id)

	if err := c.PollDeployment(ctx, id); err != nil {
		log.WithContext(ctx).
			WithFields(log.Fields{
				"deployment-id": id,
			}).
			WithError(err).
			Warn("polling deployment")
	}
}

// TaskHandlerTriggerScheduledDeployments starts the deployments whose scheduled time has come.
func (c *Controller) TaskHandlerTriggerScheduledDeployments(ctx context.Context) error {
	defer c.unqueueTask(ctx, schemas.TaskTypeTriggerScheduledDeployments, "_")
	defer c.TaskController.monitorLastTaskScheduling(schemas.TaskTypeTriggerScheduledDeployments)

	return c.TriggerScheduledDeployments(ctx)
}

// TaskHandlerGarbageCollect cancels dangling jobs and drops expired notifications.
func (c *Controller) TaskHandlerGarbageCollect(ctx context.Context) error {
	defer c.unqueueTask(ctx, schemas.TaskTypeGarbageCollect, "_")
	defer c.TaskController.monitorLastTaskScheduling(schemas.TaskTypeGarbageCollect)

	return c.GarbageCollect(ctx)
}

// Schedule starts the periodic tasks according to their configuration.
func (c *Controller) Schedule(ctx context.Context, cfg config.Orchestrator) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:Schedule")
	defer span.End()

	for tt, sc := range map[schemas.TaskType]config.SchedulerConfig{
		schemas.TaskTypePollDeployments:             config.SchedulerConfig(cfg.Poll),
		schemas.TaskTypeTriggerScheduledDeployments: config.SchedulerConfig(cfg.ScheduledDeployments),
		schemas.TaskTypeGarbageCollect:              config.SchedulerConfig(cfg.GarbageCollect),
	} {
		log.WithField("task", tt).WithFields(sc.Log()).Debug("task configuration")

		if sc.OnInit {
			c.ScheduleTask(ctx, tt, "_")
		}

		if sc.Scheduled {
			c.ScheduleTaskWithTicker(ctx, tt, sc.IntervalSeconds)
		}
	}

	if c.Redis != nil {
		c.ScheduleRedisSetKeepalive(ctx)
	}
}

// ScheduleRedisSetKeepalive refreshes every second a Redis key signaling that
// this process is alive. Tasks queued by a dead process get taken over.
func (c *Controller) ScheduleRedisSetKeepalive(ctx context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:ScheduleRedisSetKeepalive")
	defer span.End()

	keepalive := store.NewRedisStore(c.Redis)

	go func(ctx context.Context) {
		ticker := time.NewTicker(time.Duration(1) * time.Second)

		for {
			select {
			case <-ctx.Done():
				log.Info("stopped redis keepalive")

				return
			case <-ticker.C:
				if _, err := keepalive.SetKeepalive(ctx, c.UUID.String(), time.Duration(10)*time.Second); err != nil {
					log.WithContext(ctx).
						WithError(err).
						Fatal("setting keepalive")
				}
			}
		}
	}(ctx)
}

// ScheduleTask queues a task of type tt unless the queue is full or the
// same task is already queued.
func (c *Controller) ScheduleTask(ctx context.Context, tt schemas.TaskType, uniqueID string, args ...interface{}) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:ScheduleTask")
	defer span.End()

	span.SetAttributes(attribute.String("task_type", string(tt)))
	span.SetAttributes(attribute.String("task_unique_id", uniqueID))

	logFields := log.Fields{
		"task_type":      tt,
		"task_unique_id": uniqueID,
	}
	task := c.TaskController.TaskMap.Get(string(tt))
	msg := task.NewJob(args...)

	qlen, err := c.TaskController.Queue.Len(ctx)
	if err != nil {
		log.WithContext(ctx).
			WithFields(logFields).
			Warn("unable to read task queue length, skipping scheduling of task..")

		return
	}

	if qlen >= c.TaskController.Queue.Options().BufferSize {
		log.WithContext(ctx).
			WithFields(logFields).
			Warn("queue buffer size exhausted, skipping scheduling of task..")

		return
	}

	queued, err := c.Store.QueueTask(ctx, tt, uniqueID, c.UUID.String())
	if err != nil {
		log.WithContext(ctx).
			WithFields(logFields).
			Warn("unable to declare the queueing, skipping scheduling of task..")

		return
	}

	if !queued {
		log.WithFields(logFields).
			Debug("task already queued, skipping scheduling of task..")

		return
	}

	go func(job *taskq.Job) {
		if err := c.TaskController.Queue.AddJob(ctx, job); err != nil {
			log.WithContext(ctx).
				WithError(err).
				Warn("scheduling task")
		}
	}(msg)
}

// ScheduleTaskWithTicker schedules tt every intervalSeconds until ctx is done.
func (c *Controller) ScheduleTaskWithTicker(ctx context.Context, tt schemas.TaskType, intervalSeconds int) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:ScheduleTaskWithTicker")
	defer span.End()
	span.SetAttributes(attribute.String("task_type", string(tt)))
	span.SetAttributes(attribute.Int("interval_seconds", intervalSeconds))

	if intervalSeconds <= 0 {
		log.WithContext(ctx).
			WithField("task", tt).
			Warn("task scheduling misconfigured, currently disabled")

		return
	}

	log.WithFields(log.Fields{
		"task":             tt,
		"interval_seconds": intervalSeconds,
	}).Debug("task scheduled")

	c.TaskController.monitorNextTaskScheduling(tt, intervalSeconds)

	go func(ctx context.Context) {
		ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.WithField("task", tt).Info("scheduling of task stopped")

				return
			case <-ticker.C:
				c.ScheduleTask(ctx, tt, "_")
				c.TaskController.monitorNextTaskScheduling(tt, intervalSeconds)
			}
		}
	}(ctx)
}

func (tc *TaskController) monitorNextTaskScheduling(tt schemas.TaskType, duration int) {
	tc.monitoringMutex.Lock()
	defer tc.monitoringMutex.Unlock()

	if _, ok := tc.taskSchedulingMonitoring[tt]; !ok {
		tc.taskSchedulingMonitoring[tt] = &monitor.TaskSchedulingStatus{}
	}

	tc.taskSchedulingMonitoring[tt].Next = time.Now().Add(time.Duration(duration) * time.Second)
}

func (tc *TaskController) monitorLastTaskScheduling(tt schemas.TaskType) {
	tc.monitoringMutex.Lock()
	defer tc.monitoringMutex.Unlock()

	if _, ok := tc.taskSchedulingMonitoring[tt]; !ok {
		tc.taskSchedulingMonitoring[tt] = &monitor.TaskSchedulingStatus{}
	}

	tc.taskSchedulingMonitoring[tt].Last = time.Now()
}

// TaskSchedulingMonitoring returns a snapshot of the last and next runs of every periodic task.
func (tc *TaskController) TaskSchedulingMonitoring() map[schemas.TaskType]monitor.TaskSchedulingStatus {
	tc.monitoringMutex.RLock()
	defer tc.monitoringMutex.RUnlock()

	out := make(map[schemas.TaskType]monitor.TaskSchedulingStatus, len(tc.taskSchedulingMonitoring))
	for tt, s := range tc.taskSchedulingMonitoring {
		out[tt] = *s
	}

	return out
}
