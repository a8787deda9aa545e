package controller

import (
	"context"
	"strconv"

	log "github.com/sirupsen/logrus"
	goGitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// processPipelineEvent polls the deployment owning the pipeline, the pipeline
// id being the queue identifier of the job.
func (c *Controller) processPipelineEvent(ctx context.Context, e goGitlab.PipelineEvent) {
	c.triggerDeploymentPoll(ctx, e.Project.PathWithNamespace, strconv.Itoa(e.ObjectAttributes.ID))
}

// processJobEvent polls the deployment owning the pipeline the job belongs to.
// Console output is fetched per pipeline, a job event is an early signal.
func (c *Controller) processJobEvent(ctx context.Context, e goGitlab.JobEvent) {
	c.triggerDeploymentPoll(ctx, e.ProjectName, strconv.Itoa(e.PipelineID))
}

// triggerDeploymentPoll schedules a poll of the deploying deployment having an
// active job with the given queue identifier.
func (c *Controller) triggerDeploymentPoll(ctx context.Context, project, queueID string) {
	logFields := log.Fields{
		"project":  project,
		"queue-id": queueID,
	}

	deployments, err := c.Store.Deployments(ctx, schemas.DeploymentStatusDeploying)
	if err != nil {
		log.WithContext(ctx).
			WithFields(logFields).
			WithError(err).
			Error("reading deploying deployments")

		return
	}

	for _, d := range deployments {
		for _, j := range d.ActiveJobs() {
			if j.QueueID != queueID {
				continue
			}

			log.WithFields(logFields).
				WithField("deployment-id", d.ID).
				Info("received a webhook for a deployment job, triggering a poll")

			c.ScheduleTask(ctx, schemas.TaskTypePollDeployment, d.ID, d.ID)

			return
		}
	}

	log.WithFields(logFields).
		Debug("received a webhook for a pipeline not owned by a deploying deployment, ignoring")
}
