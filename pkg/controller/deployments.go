package controller

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/slices"
	"golang.org/x/mod/semver"

	"github.com/helvethink/deploy-orchestrator/pkg/apierror"
	"github.com/helvethink/deploy-orchestrator/pkg/buildserver"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
	"github.com/helvethink/deploy-orchestrator/pkg/store"
)

// DeploymentSpec is what a caller provides to create a deployment.
type DeploymentSpec struct {
	ProjectID   string
	Name        string
	Environment schemas.Environment
	Version     string

	// RequireApproval defaults to the project policy for the environment,
	// or to true when approvers are given.
	RequireApproval *bool
	Approvers       []schemas.Approver

	ScheduledAt     *time.Time
	BuildParameters map[string]string
	AuthorID        string
}

// DeploymentStatus is the read-only view returned by GetDeploymentStatus.
type DeploymentStatus struct {
	Deployment    schemas.Deployment
	Approvals     []schemas.Approval
	JobExecutions []schemas.JobExecution
}

// canonicalVersion normalizes semver-shaped versions, keeping whether the
// caller used a "v" prefix. Anything else is returned trimmed.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return v
	}

	prefixed := v
	if !strings.HasPrefix(v, "v") {
		prefixed = "v" + v
	}

	if !semver.IsValid(prefixed) {
		return v
	}

	c := semver.Canonical(prefixed)
	if prefixed != v {
		return strings.TrimPrefix(c, "v")
	}

	return c
}

func validateApprovers(approvers []schemas.Approver) error {
	seen := map[string]struct{}{}
	for _, a := range approvers {
		if a.UserID == "" {
			return apierror.Validation("approver user id is required")
		}

		if a.Level < 1 {
			return apierror.Validation("approver '%s' has an invalid level %d", a.UserID, a.Level)
		}

		if _, ok := seen[a.UserID]; ok {
			return apierror.Validation("approver '%s' is listed twice", a.UserID)
		}
		seen[a.UserID] = struct{}{}
	}

	return nil
}

// CreateDeployment validates spec and persists a new deployment, requesting
// the approvals when it is gated.
func (c *Controller) CreateDeployment(ctx context.Context, spec DeploymentSpec) (d schemas.Deployment, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:CreateDeployment")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", spec.ProjectID))

	if spec.AuthorID == "" {
		return d, apierror.Validation("author is required")
	}

	if spec.ProjectID == "" {
		return d, apierror.Validation("project is required")
	}

	if !spec.Environment.Valid() {
		return d, apierror.Validation("invalid environment '%s'", spec.Environment)
	}

	project, err := c.Store.GetProject(ctx, spec.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		return d, apierror.NotFound("project", spec.ProjectID)
	} else if err != nil {
		return d, repositoryError(err)
	}

	now := c.Now()
	if spec.ScheduledAt != nil && spec.ScheduledAt.Before(now) {
		return d, apierror.Validation("scheduledAt must be in the future")
	}

	approvers := spec.Approvers
	if len(approvers) == 0 {
		for _, a := range project.Approvers {
			approvers = append(approvers, schemas.Approver{UserID: a.UserID, Level: a.Level})
		}
	}

	requireApproval := len(spec.Approvers) > 0 || slices.Contains(project.RequireApprovalFor, string(spec.Environment))
	if spec.RequireApproval != nil {
		requireApproval = *spec.RequireApproval
	}

	if requireApproval {
		if len(approvers) == 0 {
			return d, apierror.Validation("approval is required but no approver is configured")
		}

		if err = validateApprovers(approvers); err != nil {
			return
		}
	}

	d = schemas.Deployment{
		ID:              uuid.NewString(),
		ProjectID:       project.ID,
		Name:            spec.Name,
		Environment:     spec.Environment,
		Version:         canonicalVersion(spec.Version),
		Status:          schemas.DeploymentStatusPending,
		RequireApproval: requireApproval,
		BuildParameters: spec.BuildParameters,
		ScheduledAt:     spec.ScheduledAt,
		AuthorID:        spec.AuthorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if d.Name == "" {
		d.Name = project.Name + "-" + string(d.Environment)
	}

	if d.ScheduledAt != nil && !requireApproval {
		d.Status = schemas.DeploymentStatusScheduled
	}

	if err = c.Store.CreateDeployment(ctx, d); err != nil {
		return d, repositoryError(err)
	}

	if requireApproval {
		if err = c.requestApproval(ctx, d, approvers); err != nil {
			if delErr := c.Store.DelDeployment(ctx, d.ID); delErr != nil {
				log.WithContext(ctx).
					WithField("deployment-id", d.ID).
					WithError(delErr).
					Error("removing deployment after failing to request approvals")
			}

			return d, err
		}
	}

	if d.ScheduledAt != nil {
		c.publish(ctx, schemas.ResourceTypeTask, d.ID, d, d.AuthorID, schemas.TaskScheduled{
			DeploymentRef: c.deploymentRef(ctx, d),
			ScheduledAt:   *d.ScheduledAt,
		})
	}

	log.WithContext(ctx).
		WithFields(log.Fields{
			"deployment-id": d.ID,
			"project-id":    d.ProjectID,
			"environment":   d.Environment,
			"status":        d.Status,
		}).
		Info("deployment created")

	return c.getDeployment(ctx, d.ID)
}

// ExecuteDeployment submits the jobs of an approved, scheduled or ungated deployment.
// It returns as soon as the jobs are queued. Completion is detected by polling.
func (c *Controller) ExecuteDeployment(ctx context.Context, id, actingUserID string, params map[string]string) (schemas.Deployment, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:ExecuteDeployment")
	defer span.End()
	span.SetAttributes(attribute.String("deployment_id", id))

	d, err := c.getDeployment(ctx, id)
	if err != nil {
		return d, err
	}

	switch {
	case d.Status == schemas.DeploymentStatusApproved, d.Status == schemas.DeploymentStatusScheduled:
	case d.Status == schemas.DeploymentStatusPending && !d.RequireApproval:
	case d.Status == schemas.DeploymentStatusPending:
		return d, apierror.StateConflict("deployment '%s' is waiting for approval", id)
	default:
		return d, apierror.StateConflict("deployment '%s' cannot be executed while %s", id, d.Status)
	}

	return c.startDeployment(ctx, d, actingUserID, params, nil)
}

// RollbackDeployment fans out the rollback jobs of a finished deployment.
// It does not go through the approval gate.
func (c *Controller) RollbackDeployment(ctx context.Context, id, actingUserID, targetVersion, reason string) (schemas.Deployment, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:RollbackDeployment")
	defer span.End()
	span.SetAttributes(attribute.String("deployment_id", id))

	targetVersion = canonicalVersion(targetVersion)
	if targetVersion == "" {
		return schemas.Deployment{}, apierror.Validation("targetVersion is required")
	}

	d, err := c.getDeployment(ctx, id)
	if err != nil {
		return d, err
	}

	if d.Status != schemas.DeploymentStatusSuccess && d.Status != schemas.DeploymentStatusFailed {
		return d, apierror.StateConflict("deployment '%s' cannot be rolled back while %s", id, d.Status)
	}

	return c.startDeployment(ctx, d, actingUserID, nil, &schemas.Rollback{
		TargetVersion: targetVersion,
		Reason:        reason,
		RequestedBy:   actingUserID,
		RequestedAt:   c.Now(),
		FromStatus:    d.Status,
		FromVersion:   d.Version,
	})
}

// startDeployment claims d for execution then submits its jobs. The claim is a
// compare-and-swap on the snapshot read by the caller, so that two concurrent
// executions cannot both fan out.
func (c *Controller) startDeployment(
	ctx context.Context,
	d schemas.Deployment,
	actingUserID string,
	params map[string]string,
	rollback *schemas.Rollback,
) (schemas.Deployment, error) {
	now := c.Now()

	next := d.Clone()
	next.Status = schemas.DeploymentStatusDeploying
	next.StartedAt = &now
	next.CompletedAt = nil
	next.Details = schemas.DeploymentDetails{}

	if rollback != nil {
		next.Attempt++
		next.Rollback = rollback
	}

	d, err := c.updateDeployment(ctx, next)
	if err != nil {
		return d, err
	}

	logFields := log.Fields{
		"deployment-id": d.ID,
		"attempt":       d.Attempt,
	}

	project, err := c.Store.GetProject(ctx, d.ProjectID)
	if err != nil {
		return c.failStart(ctx, d, actingUserID, nil, errors.Wrapf(err, "reading project %s", d.ProjectID))
	}

	jobNames := project.Jobs
	if rollback != nil {
		jobNames = project.RollbackJobNames()
	}

	jobs, err := c.Jobs.Submit(ctx, jobNames, jobParameters(d, params), d.Attempt)
	if err != nil {
		return c.failStart(ctx, d, actingUserID, jobs, err)
	}

	next = d.Clone()
	next.Jobs = append(next.Jobs, jobs...)

	updated, err := c.updateDeployment(ctx, next)
	if err != nil {
		// A stop won the race while jobs were being queued: nothing owns them anymore.
		log.WithContext(ctx).
			WithFields(logFields).
			WithError(err).
			Warn("deployment changed while submitting jobs, cancelling them")

		cancelled, cancelErr := c.Jobs.CancelAll(ctx, jobs)
		if cancelErr != nil {
			log.WithContext(ctx).WithFields(logFields).WithError(cancelErr).Warn("cancelling orphan jobs")
		}

		if _, recErr := c.recordJobs(ctx, d.ID, cancelled); recErr != nil {
			log.WithContext(ctx).WithFields(logFields).WithError(recErr).Error("recording orphan jobs")
		}

		current, _ := c.getDeployment(ctx, d.ID)

		return current, apierror.StateConflict("deployment '%s' changed while its jobs were being submitted", d.ID)
	}

	var names []string
	for _, j := range jobs {
		names = append(names, string(j.Ref))
	}

	started := schemas.DeploymentStarted{
		DeploymentRef: c.deploymentRef(ctx, updated),
		Jobs:          names,
		Rollback:      rollback != nil,
	}
	if rollback != nil {
		started.TargetVersion = rollback.TargetVersion
	}

	c.publishDeploymentEvent(ctx, updated, actingUserID, started)

	log.WithContext(ctx).
		WithFields(logFields).
		WithField("jobs", len(jobs)).
		Info("deployment started")

	return updated, nil
}

// failStart moves a deployment which could not be fanned out to failed.
// Jobs queued before the failure get cancelled and recorded.
func (c *Controller) failStart(
	ctx context.Context,
	d schemas.Deployment,
	actingUserID string,
	submitted []schemas.Job,
	cause error,
) (schemas.Deployment, error) {
	if len(submitted) > 0 {
		var err error
		if submitted, err = c.Jobs.CancelAll(ctx, submitted); err != nil {
			log.WithContext(ctx).
				WithField("deployment-id", d.ID).
				WithError(err).
				Warn("cancelling partially submitted jobs")
		}
	}

	now := c.Now()

	next := d.Clone()
	next.Status = schemas.DeploymentStatusFailed
	next.CompletedAt = &now
	next.Details.Error = cause.Error()
	next.Jobs = append(next.Jobs, submitted...)

	failed, err := c.updateDeployment(ctx, next)
	if err != nil {
		log.WithContext(ctx).
			WithField("deployment-id", d.ID).
			WithError(err).
			Error("marking deployment as failed")

		return d, err
	}

	c.publishDeploymentEvent(ctx, failed, actingUserID, schemas.DeploymentFailed{
		DeploymentRef: c.deploymentRef(ctx, failed),
		Error:         failed.Details.Error,
		Rollback:      failed.IsRollback(),
	})

	log.WithContext(ctx).
		WithField("deployment-id", d.ID).
		WithError(cause).
		Warn("deployment failed to start")

	var submitErr *buildserver.SubmitError
	if errors.As(cause, &submitErr) {
		return failed, apierror.Upstream(cause, "submitting jobs of deployment '%s'", d.ID)
	}

	return failed, apierror.Repository(cause, store.IsTransient(cause))
}

// jobParameters returns the parameters passed to every job of an execution attempt.
func jobParameters(d schemas.Deployment, params map[string]string) map[string]string {
	out := make(map[string]string, len(d.BuildParameters)+len(params)+5)
	for k, v := range d.BuildParameters {
		out[k] = v
	}

	for k, v := range params {
		out[k] = v
	}

	out["DEPLOYMENT_ID"] = d.ID
	out["ENVIRONMENT"] = string(d.Environment)
	out["VERSION"] = d.Version

	if d.Rollback != nil && d.Attempt > 0 {
		out["TARGET_VERSION"] = d.Rollback.TargetVersion
		out["ROLLBACK_REASON"] = d.Rollback.Reason
	}

	return out
}

// StopDeployment marks a deploying deployment as failed then asks the build
// server to cancel its jobs. Cancellation failures do not fail the stop.
func (c *Controller) StopDeployment(ctx context.Context, id, actingUserID string) (schemas.Deployment, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:StopDeployment")
	defer span.End()
	span.SetAttributes(attribute.String("deployment_id", id))

	stopped, err := c.markStopped(ctx, id, actingUserID)
	if err != nil {
		return stopped, err
	}

	c.publishDeploymentEvent(ctx, stopped, actingUserID, schemas.DeploymentFailed{
		DeploymentRef: c.deploymentRef(ctx, stopped),
		Error:         stopped.Details.Error,
		Stopped:       true,
		Rollback:      stopped.IsRollback(),
	})

	jobs, err := c.Jobs.CancelAll(ctx, stopped.ActiveJobs())
	if err != nil {
		log.WithContext(ctx).
			WithField("deployment-id", id).
			WithError(err).
			Warn("some jobs could not be cancelled, garbage collection will retry")
	}

	if recorded, err := c.recordJobs(ctx, id, jobs); err != nil {
		log.WithContext(ctx).
			WithField("deployment-id", id).
			WithError(err).
			Warn("recording job cancellations")
	} else {
		stopped = recorded
	}

	log.WithContext(ctx).
		WithFields(log.Fields{
			"deployment-id": id,
			"stopped-by":    actingUserID,
		}).
		Info("deployment stopped")

	return stopped, nil
}

// markStopped fails a deploying deployment. Concurrent bookkeeping updates,
// such as a poll merging logs, are retried until the deployment leaves deploying.
func (c *Controller) markStopped(ctx context.Context, id, actingUserID string) (d schemas.Deployment, err error) {
	for attempt := 0; attempt < 5; attempt++ {
		if d, err = c.getDeployment(ctx, id); err != nil {
			return
		}

		if d.Status != schemas.DeploymentStatusDeploying {
			return d, apierror.StateConflict("deployment '%s' is not deploying", id)
		}

		now := c.Now()

		next := d.Clone()
		next.Status = schemas.DeploymentStatusFailed
		next.CompletedAt = &now
		next.Details = schemas.DeploymentDetails{
			Error:     "stopped by user",
			StoppedBy: actingUserID,
		}

		var stopped schemas.Deployment
		if stopped, err = c.updateDeployment(ctx, next); err == nil {
			return stopped, nil
		}

		if !errors.Is(err, &apierror.Error{Kind: apierror.KindStateConflict}) {
			return
		}
	}

	return
}

// GetDeploymentStatus returns a deployment with its approvals and a view of every job.
func (c *Controller) GetDeploymentStatus(ctx context.Context, id string) (s DeploymentStatus, err error) {
	if s.Deployment, err = c.getDeployment(ctx, id); err != nil {
		return
	}

	if s.Approvals, err = c.Store.DeploymentApprovals(ctx, id); err != nil {
		return s, repositoryError(err)
	}

	lines, err := c.Store.LogLines(ctx, id, 0)
	if err != nil {
		return s, repositoryError(err)
	}

	consoles := map[schemas.JobRef]*strings.Builder{}
	for _, l := range lines {
		b, ok := consoles[l.JobRef]
		if !ok {
			b = &strings.Builder{}
			consoles[l.JobRef] = b
		}

		b.WriteString(l.Text)
		b.WriteByte('\n')
	}

	for _, j := range s.Deployment.Jobs {
		e := schemas.JobExecution{
			JobRef:    j.Ref,
			Name:      j.Name,
			State:     j.State,
			StartedAt: j.StartedAt,
			Duration:  j.Duration,
		}

		if b, ok := consoles[j.Ref]; ok {
			e.ConsoleLog = b.String()
		}

		s.JobExecutions = append(s.JobExecutions, e)
	}

	return
}

// Logs returns the merged log lines of a deployment following sequence number after.
func (c *Controller) Logs(ctx context.Context, id string, after int64) ([]schemas.LogLine, error) {
	if _, err := c.getDeployment(ctx, id); err != nil {
		return nil, err
	}

	lines, err := c.Store.LogLines(ctx, id, after)

	return lines, repositoryError(err)
}

// Notifications returns the unexpired in-app feed of a user.
func (c *Controller) Notifications(ctx context.Context, userID string) ([]schemas.Notification, error) {
	notifications, err := c.Store.Notifications(ctx, userID)
	if err != nil {
		return nil, repositoryError(err)
	}

	now := c.Now()
	out := notifications[:0]
	for _, n := range notifications {
		if !n.Expired(now) {
			out = append(out, n)
		}
	}

	return out, nil
}
