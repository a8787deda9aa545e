package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/deploy-orchestrator/pkg/apierror"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// PollDeployments schedules a poll of every deploying deployment. A poll
// already queued for a deployment is not scheduled twice.
func (c *Controller) PollDeployments(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:PollDeployments")
	defer span.End()

	deployments, err := c.Store.Deployments(ctx, schemas.DeploymentStatusDeploying)
	if err != nil {
		return repositoryError(err)
	}

	log.WithFields(log.Fields{
		"deployments": len(deployments),
	}).Debug("polling deploying deployments")

	for _, d := range deployments {
		c.ScheduleTask(ctx, schemas.TaskTypePollDeployment, d.ID, d.ID)
	}

	return nil
}

// PollDeployment refreshes the jobs of a deploying deployment, merges their
// new console lines into its log stream and completes it once the outcome
// of its jobs is known. Polling a deployment which is not deploying is a no-op.
func (c *Controller) PollDeployment(ctx context.Context, id string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:PollDeployment")
	defer span.End()
	span.SetAttributes(attribute.String("deployment_id", id))

	d, err := c.getDeployment(ctx, id)
	if err != nil {
		return err
	}

	active := d.ActiveJobs()
	if d.Status != schemas.DeploymentStatusDeploying || len(active) == 0 {
		return nil
	}

	logFields := log.Fields{
		"deployment-id": id,
	}

	res := c.Jobs.Poll(ctx, active)
	for ref, err := range res.Errors {
		log.WithContext(ctx).
			WithFields(logFields).
			WithField("job-ref", ref).
			WithError(err).
			Warn("polling job, will retry on next cycle")
	}

	if len(res.Lines) > 0 {
		appended, err := c.Store.AppendLogLines(ctx, id, res.Lines)
		if err != nil {
			// Offsets are not saved either, the lines will be fetched again.
			return repositoryError(err)
		}

		log.WithFields(logFields).
			WithField("lines", appended).
			Trace("log lines appended")
	}

	next := d.Clone()
	next.Jobs = mergeJobs(next.Jobs, res.Jobs)

	done, succeeded := schemas.JobsOutcome(next.ActiveJobs())
	if done {
		now := c.Now()
		next.CompletedAt = &now

		switch {
		case succeeded && next.IsRollback():
			next.Status = schemas.DeploymentStatusRolledBack
			next.Version = next.Rollback.TargetVersion
		case succeeded:
			next.Status = schemas.DeploymentStatusSuccess
		default:
			next.Status = schemas.DeploymentStatusFailed
			next.Details.Error = fmt.Sprintf("jobs failed: %s", strings.Join(failedJobs(next.ActiveJobs()), ", "))
		}
	} else if !jobsChanged(d.Jobs, next.Jobs) {
		return nil
	}

	updated, err := c.updateDeployment(ctx, next)
	if errors.Is(err, &apierror.Error{Kind: apierror.KindStateConflict}) {
		// Stopped or polled concurrently, the winner already did the bookkeeping.
		log.WithContext(ctx).
			WithFields(logFields).
			Debug("deployment changed while polling, skipping")

		return nil
	} else if err != nil {
		return err
	}

	if !done {
		return nil
	}

	if !succeeded {
		jobs, err := c.Jobs.CancelAll(ctx, updated.ActiveJobs())
		if err != nil {
			log.WithContext(ctx).
				WithFields(logFields).
				WithError(err).
				Warn("cancelling remaining jobs")
		}

		if recorded, err := c.recordJobs(ctx, id, jobs); err == nil {
			updated = recorded
		}
	}

	c.publishCompletion(ctx, updated)

	log.WithContext(ctx).
		WithFields(logFields).
		WithFields(log.Fields{
			"status":   updated.Status,
			"duration": updated.Duration(),
		}).
		Info("deployment completed")

	return nil
}

func (c *Controller) publishCompletion(ctx context.Context, d schemas.Deployment) {
	ref := c.deploymentRef(ctx, d)

	if d.Status == schemas.DeploymentStatusFailed {
		c.publishDeploymentEvent(ctx, d, d.AuthorID, schemas.DeploymentFailed{
			DeploymentRef: ref,
			Error:         d.Details.Error,
			FailedJobs:    failedJobs(d.ActiveJobs()),
			Rollback:      d.IsRollback(),
		})

		return
	}

	c.publishDeploymentEvent(ctx, d, d.AuthorID, schemas.DeploymentCompleted{
		DeploymentRef: ref,
		Duration:      d.Duration(),
		RolledBack:    d.Status == schemas.DeploymentStatusRolledBack,
	})
}

func failedJobs(jobs []schemas.Job) (refs []string) {
	for _, j := range jobs {
		if j.State == schemas.JobStateFailed || j.State == schemas.JobStateAborted {
			refs = append(refs, string(j.Ref))
		}
	}

	return
}

func jobsChanged(before, after []schemas.Job) bool {
	if len(before) != len(after) {
		return true
	}

	for i := range before {
		b, a := before[i], after[i]
		if b.State != a.State ||
			b.BuildNumber != a.BuildNumber ||
			b.LogOffset != a.LogOffset ||
			b.Duration != a.Duration ||
			(b.StartedAt == nil) != (a.StartedAt == nil) {
			return true
		}
	}

	return false
}

// TriggerScheduledDeployments starts the deployments whose scheduled time is
// reached, provided they do not wait for an approval.
func (c *Controller) TriggerScheduledDeployments(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:TriggerScheduledDeployments")
	defer span.End()

	deployments, err := c.Store.Deployments(ctx, schemas.DeploymentStatusScheduled, schemas.DeploymentStatusApproved)
	if err != nil {
		return repositoryError(err)
	}

	now := c.Now()

	for _, d := range deployments {
		if d.ScheduledAt == nil || d.ScheduledAt.After(now) {
			continue
		}

		logFields := log.Fields{
			"deployment-id": d.ID,
			"scheduled-at":  d.ScheduledAt,
		}

		started, err := c.startDeployment(ctx, d, d.AuthorID, nil, nil)
		switch {
		case err == nil:
			c.publish(ctx, schemas.ResourceTypeTask, d.ID, started, d.AuthorID, schemas.TaskExecuted{
				DeploymentRef: c.deploymentRef(ctx, started),
				ScheduledAt:   *d.ScheduledAt,
			})

			log.WithContext(ctx).WithFields(logFields).Info("scheduled deployment started")
		case errors.Is(err, &apierror.Error{Kind: apierror.KindStateConflict}):
			// Executed or stopped by hand in the meantime.
			log.WithContext(ctx).WithFields(logFields).Debug("scheduled deployment already handled")
		default:
			c.publish(ctx, schemas.ResourceTypeTask, d.ID, started, d.AuthorID, schemas.TaskFailed{
				DeploymentRef: c.deploymentRef(ctx, d),
				Error:         err.Error(),
			})

			log.WithContext(ctx).
				WithFields(logFields).
				WithError(err).
				Warn("starting scheduled deployment")
		}
	}

	return nil
}
