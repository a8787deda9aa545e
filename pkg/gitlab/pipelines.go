package gitlab

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	goGitlab "gitlab.com/gitlab-org/api/client-go"
	"go.openly.dev/pointy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/deploy-orchestrator/pkg/buildserver"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// Enqueue creates a pipeline on the configured ref, passing params as variables.
func (d *Driver) Enqueue(ctx context.Context, project string, params map[string]string) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gitlab:Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("project_name", project))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	variables := make([]*goGitlab.PipelineVariableOptions, 0, len(keys))
	for _, k := range keys {
		variables = append(variables, &goGitlab.PipelineVariableOptions{
			Key:   pointy.String(k),
			Value: pointy.String(params[k]),
		})
	}

	if err := d.RateLimit(ctx); err != nil {
		return "", err
	}

	p, resp, err := d.gl.Pipelines.CreatePipeline(
		project,
		&goGitlab.CreatePipelineOptions{
			Ref:       pointy.String(d.ref),
			Variables: &variables,
		},
		goGitlab.WithContext(ctx),
	)
	d.requestsRemaining(resp)

	if notFound(resp) {
		return "", buildserver.ErrJobNotFound
	}

	if err != nil {
		return "", err
	}

	return strconv.Itoa(p.ID), nil
}

// Status reads the pipeline, then the traces of its finished jobs.
func (d *Driver) Status(ctx context.Context, h buildserver.Handle) (s buildserver.Status, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gitlab:Status")
	defer span.End()
	span.SetAttributes(attribute.String("project_name", h.JobName))
	span.SetAttributes(attribute.String("pipeline_id", h.QueueID))

	pipelineID, err := strconv.Atoi(h.QueueID)
	if err != nil {
		return s, fmt.Errorf("invalid pipeline id '%s'", h.QueueID)
	}

	if err = d.RateLimit(ctx); err != nil {
		return
	}

	p, resp, err := d.gl.Pipelines.GetPipeline(h.JobName, pipelineID, goGitlab.WithContext(ctx))
	d.requestsRemaining(resp)

	if notFound(resp) {
		return s, buildserver.ErrJobNotFound
	}

	if err != nil {
		return
	}

	s.BuildNumber = p.ID
	s.NativeState = p.Status
	s.State = mapPipelineStatus(p.Status)
	s.Duration = time.Duration(p.Duration) * time.Second
	s.StartedAt = p.StartedAt

	if s.State == schemas.JobStateQueued {
		return
	}

	s.ConsoleLog, err = d.console(ctx, h.JobName, pipelineID)

	return
}

// console concatenates the traces of the finished jobs of a pipeline, oldest
// first, so that the output only ever grows between two calls.
func (d *Driver) console(ctx context.Context, project string, pipelineID int) (string, error) {
	var (
		jobs []*goGitlab.Job
		resp *goGitlab.Response
	)

	options := &goGitlab.ListJobsOptions{
		ListOptions: goGitlab.ListOptions{
			Page:    1,
			PerPage: 100,
		},
	}

	for {
		if err := d.RateLimit(ctx); err != nil {
			return "", err
		}

		found, r, err := d.gl.Jobs.ListPipelineJobs(project, pipelineID, options, goGitlab.WithContext(ctx))
		if err != nil {
			return "", err
		}

		resp = r
		d.requestsRemaining(resp)

		for _, j := range found {
			if j.FinishedAt != nil {
				jobs = append(jobs, j)
			}
		}

		if resp.CurrentPage >= resp.NextPage {
			break
		}

		options.Page = resp.NextPage
	}

	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].FinishedAt.Equal(*jobs[k].FinishedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].FinishedAt.Before(*jobs[k].FinishedAt)
	})

	var b strings.Builder
	for _, j := range jobs {
		if err := d.RateLimit(ctx); err != nil {
			return "", err
		}

		trace, r, err := d.gl.Jobs.GetTraceFile(project, j.ID, goGitlab.WithContext(ctx))
		d.requestsRemaining(r)

		if err != nil {
			log.WithContext(ctx).
				WithFields(log.Fields{
					"project-name": project,
					"job-id":       j.ID,
				}).
				WithError(err).
				Debug("reading job trace")

			// later jobs would shift the offsets of this one
			return "", err
		}

		fmt.Fprintf(&b, "=== %s/%s (%s) ===\n", j.Stage, j.Name, j.Status)

		content, err := io.ReadAll(trace)
		if err != nil {
			return "", err
		}

		b.Write(content)
		if len(content) > 0 && content[len(content)-1] != '\n' {
			b.WriteByte('\n')
		}
	}

	return b.String(), nil
}

// Cancel cancels a running pipeline.
func (d *Driver) Cancel(ctx context.Context, h buildserver.Handle) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gitlab:Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("project_name", h.JobName))

	pipelineID, err := strconv.Atoi(h.QueueID)
	if err != nil {
		return fmt.Errorf("invalid pipeline id '%s'", h.QueueID)
	}

	if err = d.RateLimit(ctx); err != nil {
		return err
	}

	p, resp, err := d.gl.Pipelines.GetPipeline(h.JobName, pipelineID, goGitlab.WithContext(ctx))
	d.requestsRemaining(resp)

	if notFound(resp) {
		return buildserver.ErrJobNotFound
	}

	if err != nil {
		return err
	}

	if mapPipelineStatus(p.Status).Terminal() {
		return buildserver.ErrJobFinished
	}

	if err = d.RateLimit(ctx); err != nil {
		return err
	}

	_, resp, err = d.gl.Pipelines.CancelPipelineBuild(h.JobName, pipelineID, goGitlab.WithContext(ctx))
	d.requestsRemaining(resp)

	if notFound(resp) {
		return buildserver.ErrJobNotFound
	}

	return err
}

func mapPipelineStatus(status string) schemas.JobState {
	switch status {
	case "running":
		return schemas.JobStateRunning
	case "success":
		return schemas.JobStateSuccess
	case "failed":
		return schemas.JobStateFailed
	case "canceled", "canceling", "skipped":
		return schemas.JobStateAborted
	default: // created, waiting_for_resource, preparing, pending, scheduled, manual
		return schemas.JobStateQueued
	}
}
