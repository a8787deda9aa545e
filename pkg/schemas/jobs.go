package schemas

import (
	"fmt"
	"time"
)

// JobState is the normalized state of one external build job.
type JobState string

const (
	JobStateQueued  JobState = "queued"
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStateFailed  JobState = "failed"
	JobStateAborted JobState = "aborted"
)

// Terminal reports whether the job will not change state anymore.
func (s JobState) Terminal() bool {
	return s == JobStateSuccess || s == JobStateFailed || s == JobStateAborted
}

// JobRef identifies a job on the build server: the job name and the queue id it was given.
type JobRef string

// NewJobRef builds the reference of a queued job.
func NewJobRef(jobName, queueID string) JobRef {
	return JobRef(fmt.Sprintf("%s#%s", jobName, queueID))
}

// Job is the persisted record of one submitted build job.
type Job struct {
	Ref         JobRef
	Name        string
	QueueID     string
	BuildNumber int
	State       JobState
	Attempt     int
	QueuedAt    time.Time
	StartedAt   *time.Time
	Duration    time.Duration

	// LogOffset is the number of console lines already merged into the log stream.
	LogOffset int

	// CancelRequested is set once a cancellation has been sent to the build server.
	CancelRequested bool
}

// JobExecution is the read-only view over one job returned by getDeploymentStatus.
type JobExecution struct {
	JobRef     JobRef
	Name       string
	State      JobState
	ConsoleLog string
	StartedAt  *time.Time
	Duration   time.Duration
}

// JobsOutcome folds the states of a job set. It is done as soon as one job
// failed or aborted, or once every job succeeded.
func JobsOutcome(jobs []Job) (done, succeeded bool) {
	if len(jobs) == 0 {
		return false, false
	}

	succeeded = true
	for _, j := range jobs {
		switch j.State {
		case JobStateFailed, JobStateAborted:
			return true, false
		case JobStateSuccess:
		default:
			succeeded = false
		}
	}

	return succeeded, succeeded
}
