package buildserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// AdapterConfig holds the tuning of an Adapter.
type AdapterConfig struct {
	// CallTimeout bounds every single call made to the build server.
	CallTimeout time.Duration

	// GracePeriod is how long a queued job may be unknown to the build server
	// before it is considered garbage collected, hence aborted.
	GracePeriod time.Duration

	// MaxConcurrentCalls bounds the calls in flight for one deployment.
	MaxConcurrentCalls int
}

// Adapter fans deployments out to build server jobs and folds their
// states and console outputs back.
type Adapter struct {
	runner Runner
	cfg    AdapterConfig
	logger log.FieldLogger

	// Now returns the current time.
	Now func() time.Time
}

// NewAdapter returns an Adapter driving r.
func NewAdapter(r Runner, cfg AdapterConfig, logger log.FieldLogger) *Adapter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 1
	}

	if logger == nil {
		logger = log.WithField("component", "buildserver")
	}

	return &Adapter{
		runner: r,
		cfg:    cfg,
		logger: logger,
		Now:    time.Now,
	}
}

// SubmitError is returned when one enqueue call failed. Submitted holds the jobs
// queued before the failure so that they can be cancelled.
type SubmitError struct {
	JobName   string
	Submitted []schemas.Job
	Err       error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submitting job %s: %s", e.JobName, e.Err.Error())
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Submit enqueues jobNames one after the other and returns the queued jobs in submission order.
// It stops at the first failure.
func (a *Adapter) Submit(ctx context.Context, jobNames []string, params map[string]string, attempt int) ([]schemas.Job, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "buildserver:Submit")
	defer span.End()

	jobs := make([]schemas.Job, 0, len(jobNames))

	for _, name := range jobNames {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		queueID, err := a.runner.Enqueue(callCtx, name, params)
		cancel()

		if err != nil {
			return jobs, &SubmitError{JobName: name, Submitted: jobs, Err: err}
		}

		jobs = append(jobs, schemas.Job{
			Ref:      schemas.NewJobRef(name, queueID),
			Name:     name,
			QueueID:  queueID,
			State:    schemas.JobStateQueued,
			Attempt:  attempt,
			QueuedAt: a.Now(),
		})

		a.logger.WithFields(log.Fields{
			"job-name": name,
			"queue-id": queueID,
		}).Debug("job queued")
	}

	return jobs, nil
}

// PollResult is the outcome of one poll cycle.
type PollResult struct {
	// Jobs are the polled jobs, in their original order, with refreshed states.
	Jobs []schemas.Job

	// Lines are the console lines not merged yet, grouped by job in job order.
	Lines []schemas.LogLine

	// Errors holds the jobs whose status could not be fetched this time.
	Errors map[schemas.JobRef]error
}

// Poll refreshes every non terminal job concurrently, within the configured bound.
// Fetch failures are reported in the result and leave the job unchanged.
func (a *Adapter) Poll(ctx context.Context, jobs []schemas.Job) PollResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "buildserver:Poll")
	defer span.End()
	span.SetAttributes(attribute.Int("jobs", len(jobs)))

	res := PollResult{
		Jobs:   make([]schemas.Job, len(jobs)),
		Errors: map[schemas.JobRef]error{},
	}
	copy(res.Jobs, jobs)

	lines := make([][]schemas.LogLine, len(jobs))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(a.cfg.MaxConcurrentCalls)

	for i := range res.Jobs {
		if res.Jobs[i].State.Terminal() {
			continue
		}

		i := i
		g.Go(func() error {
			job, newLines, err := a.pollJob(ctx, res.Jobs[i])
			if err != nil {
				mu.Lock()
				res.Errors[job.Ref] = err
				mu.Unlock()
				return nil
			}

			res.Jobs[i] = job
			lines[i] = newLines

			return nil
		})
	}

	_ = g.Wait()

	for _, l := range lines {
		res.Lines = append(res.Lines, l...)
	}

	return res
}

func (a *Adapter) pollJob(ctx context.Context, job schemas.Job) (schemas.Job, []schemas.LogLine, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	now := a.Now()

	status, err := a.runner.Status(callCtx, HandleOf(job))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) && now.Sub(job.QueuedAt) > a.cfg.GracePeriod {
			a.logger.WithFields(log.Fields{
				"job-ref":   job.Ref,
				"queued-at": job.QueuedAt,
			}).Warn("job vanished from the build server, considering it aborted")

			job.State = schemas.JobStateAborted
			return job, nil, nil
		}

		return job, nil, err
	}

	if status.BuildNumber > 0 {
		job.BuildNumber = status.BuildNumber
	}

	job.State = status.State
	job.Duration = status.Duration

	switch {
	case status.StartedAt != nil:
		job.StartedAt = status.StartedAt
	case job.StartedAt == nil && status.State != schemas.JobStateQueued:
		job.StartedAt = &now
	}

	var newLines []schemas.LogLine
	for offset, text := range consoleLines(status.ConsoleLog, status.State.Terminal()) {
		if offset < job.LogOffset {
			continue
		}

		newLines = append(newLines, schemas.LogLine{
			JobRef:    job.Ref,
			Offset:    offset,
			Timestamp: now,
			Severity:  schemas.DetectSeverity(text),
			Text:      text,
		})
	}

	job.LogOffset += len(newLines)

	return job, newLines, nil
}

// consoleLines splits a console output into lines. The last line is held back
// while the job runs since the build server may still be writing it.
func consoleLines(console string, complete bool) []string {
	if console == "" {
		return nil
	}

	console = strings.ReplaceAll(console, "\r\n", "\n")
	lines := strings.Split(console, "\n")

	last := lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	if complete && last != "" {
		lines = append(lines, last)
	}

	return lines
}

// Cancel asks the build server to abort one job. A job which already finished
// or disappeared counts as cancelled.
func (a *Adapter) Cancel(ctx context.Context, job schemas.Job) error {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	err := a.runner.Cancel(callCtx, HandleOf(job))
	if errors.Is(err, ErrJobFinished) || errors.Is(err, ErrJobNotFound) {
		return nil
	}

	return err
}

// CancelAll attempts the cancellation of every non terminal job, whatever the
// outcome of the others. It returns the jobs with CancelRequested set on those
// the build server acknowledged, and the joined failures.
func (a *Adapter) CancelAll(ctx context.Context, jobs []schemas.Job) ([]schemas.Job, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "buildserver:CancelAll")
	defer span.End()

	out := make([]schemas.Job, len(jobs))
	copy(out, jobs)

	errs := make([]error, len(jobs))

	var g errgroup.Group
	g.SetLimit(a.cfg.MaxConcurrentCalls)

	for i := range out {
		if out[i].State.Terminal() || out[i].CancelRequested {
			continue
		}

		i := i
		g.Go(func() error {
			if err := a.Cancel(ctx, out[i]); err != nil {
				a.logger.WithFields(log.Fields{
					"job-ref": out[i].Ref,
				}).WithError(err).Warn("cancelling job")

				errs[i] = fmt.Errorf("cancelling %s: %w", out[i].Ref, err)
				return nil
			}

			out[i].CancelRequested = true

			return nil
		})
	}

	_ = g.Wait()

	return out, errors.Join(errs...)
}
