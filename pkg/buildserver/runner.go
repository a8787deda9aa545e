package buildserver

import (
	"context"
	"errors"
	"time"

	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

var (
	// ErrJobNotFound is returned by a Runner when the build server does not know the job,
	// either because it was never queued or because it was garbage collected.
	ErrJobNotFound = errors.New("job not found on the build server")

	// ErrJobFinished is returned by Runner.Cancel when the job already reached a terminal state.
	ErrJobFinished = errors.New("job already finished")
)

// Handle addresses one job on the build server.
type Handle struct {
	JobName     string
	QueueID     string
	BuildNumber int
}

// HandleOf returns the handle of a submitted job.
func HandleOf(j schemas.Job) Handle {
	return Handle{
		JobName:     j.Name,
		QueueID:     j.QueueID,
		BuildNumber: j.BuildNumber,
	}
}

// Status is what the build server reports about one job.
type Status struct {
	// BuildNumber is zero while the job waits in the queue.
	BuildNumber int
	State       schemas.JobState
	NativeState string
	ConsoleLog  string
	Duration    time.Duration
	StartedAt   *time.Time
}

// Runner is a driver for one kind of build server.
type Runner interface {
	// Enqueue queues jobName with the given parameters and returns the queue identifier.
	Enqueue(ctx context.Context, jobName string, params map[string]string) (queueID string, err error)

	// Status returns the state of a job and its whole console output so far.
	Status(ctx context.Context, h Handle) (Status, error)

	// Cancel asks the build server to abort a job.
	Cancel(ctx context.Context, h Handle) error
}
