package controller

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// GarbageCollect runs every garbage collection. A failing one does not prevent the next.
func (c *Controller) GarbageCollect(ctx context.Context) error {
	var failed error

	for _, gc := range []func(context.Context) error{
		c.GarbageCollectDanglingJobs,
		c.GarbageCollectNotifications,
	} {
		if err := gc(ctx); err != nil {
			log.WithContext(ctx).WithError(err).Error("garbage collecting")
			failed = err
		}
	}

	return failed
}

// GarbageCollectDanglingJobs retries the cancellation of the jobs still running
// for deployments which already ended, after a stop or a partial submission.
func (c *Controller) GarbageCollectDanglingJobs(ctx context.Context) error {
	log.Info("starting 'jobs' garbage collection")
	defer log.Info("ending 'jobs' garbage collection")

	deployments, err := c.Store.Deployments(ctx,
		schemas.DeploymentStatusSuccess,
		schemas.DeploymentStatusFailed,
		schemas.DeploymentStatusRolledBack,
		schemas.DeploymentStatusRejected,
	)
	if err != nil {
		return repositoryError(err)
	}

	for _, d := range deployments {
		var dangling []schemas.Job
		for _, j := range d.Jobs {
			if !j.State.Terminal() && !j.CancelRequested {
				dangling = append(dangling, j)
			}
		}

		if len(dangling) == 0 {
			continue
		}

		logFields := log.Fields{
			"deployment-id": d.ID,
			"jobs-count":    len(dangling),
		}

		log.WithFields(logFields).Debug("found dangling jobs to cancel")

		cancelled, err := c.Jobs.CancelAll(ctx, dangling)
		if err != nil {
			log.WithContext(ctx).
				WithFields(logFields).
				WithError(err).
				Warn("cancelling dangling jobs, will retry")
		}

		if _, err := c.recordJobs(ctx, d.ID, cancelled); err != nil {
			return err
		}

		log.WithFields(logFields).Info("cancelled dangling jobs")
	}

	return nil
}

// GarbageCollectNotifications removes the expired in-app notifications.
func (c *Controller) GarbageCollectNotifications(ctx context.Context) error {
	log.Info("starting 'notifications' garbage collection")
	defer log.Info("ending 'notifications' garbage collection")

	count, err := c.Store.DelExpiredNotifications(ctx)
	if err != nil {
		return repositoryError(err)
	}

	log.WithFields(log.Fields{
		"notifications-count": count,
	}).Debug("deleted expired notifications")

	return nil
}
