package schemas

import (
	"sort"
	"time"

	"golang.org/x/exp/slices"
)

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusPending    DeploymentStatus = "pending"
	DeploymentStatusApproved   DeploymentStatus = "approved"
	DeploymentStatusRejected   DeploymentStatus = "rejected"
	DeploymentStatusScheduled  DeploymentStatus = "scheduled"
	DeploymentStatusDeploying  DeploymentStatus = "deploying"
	DeploymentStatusSuccess    DeploymentStatus = "success"
	DeploymentStatusFailed     DeploymentStatus = "failed"
	DeploymentStatusRolledBack DeploymentStatus = "rolled_back"
)

// DeploymentStatuses lists every status, in lifecycle order.
var DeploymentStatuses = []DeploymentStatus{
	DeploymentStatusPending,
	DeploymentStatusApproved,
	DeploymentStatusRejected,
	DeploymentStatusScheduled,
	DeploymentStatusDeploying,
	DeploymentStatusSuccess,
	DeploymentStatusFailed,
	DeploymentStatusRolledBack,
}

// deploymentTransitions holds the allowed edges of the deployment state machine.
var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentStatusPending:   {DeploymentStatusApproved, DeploymentStatusRejected, DeploymentStatusDeploying},
	DeploymentStatusApproved:  {DeploymentStatusDeploying},
	DeploymentStatusScheduled: {DeploymentStatusDeploying},
	DeploymentStatusDeploying: {DeploymentStatusSuccess, DeploymentStatusFailed, DeploymentStatusRolledBack},
	DeploymentStatusSuccess:   {DeploymentStatusDeploying},
	DeploymentStatusFailed:    {DeploymentStatusDeploying},
}

// Terminal reports whether an execution attempt has ended.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentStatusSuccess, DeploymentStatusFailed, DeploymentStatusRolledBack:
		return true
	}

	return false
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s DeploymentStatus) CanTransitionTo(next DeploymentStatus) bool {
	return slices.Contains(deploymentTransitions[s], next)
}

// Environment is the target environment of a deployment.
type Environment string

const (
	EnvironmentDev     Environment = "dev"
	EnvironmentTest    Environment = "test"
	EnvironmentStaging Environment = "staging"
	EnvironmentProd    Environment = "prod"
)

// Valid reports whether e is one of the known environments.
func (e Environment) Valid() bool {
	switch e {
	case EnvironmentDev, EnvironmentTest, EnvironmentStaging, EnvironmentProd:
		return true
	}

	return false
}

// Rollback records the request that put a deployment back into deploying.
type Rollback struct {
	TargetVersion string
	Reason        string
	RequestedBy   string
	RequestedAt   time.Time
	FromStatus    DeploymentStatus
	FromVersion   string
}

// DeploymentDetails carries free diagnostics surfaced to the API.
type DeploymentDetails struct {
	Error     string
	StoppedBy string
}

// Deployment is one attempt to ship a version of a project to an environment.
type Deployment struct {
	ID              string
	ProjectID       string
	Name            string
	Environment     Environment
	Version         string
	Status          DeploymentStatus
	RequireApproval bool
	BuildParameters map[string]string

	// Jobs holds every job ever submitted for the deployment, in submission order.
	// Attempt is bumped on each rollback so that only the latest fan-out is active.
	Jobs    []Job
	Attempt int

	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	Rollback *Rollback
	Details  DeploymentDetails

	AuthorID  string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Revision is bumped by the store on every successful update.
	Revision uint64
}

// Deployments maps deployment ids to deployments.
type Deployments map[string]Deployment

// Sorted returns the deployments ordered by creation time, oldest first.
func (d Deployments) Sorted() []Deployment {
	out := make([]Deployment, 0, len(d))
	for _, v := range d {
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// JobRefs returns the external identifiers of every submitted job, in submission order.
func (d Deployment) JobRefs() (refs []JobRef) {
	for _, j := range d.Jobs {
		refs = append(refs, j.Ref)
	}
	return
}

// ActiveJobs returns the jobs of the current execution attempt.
func (d Deployment) ActiveJobs() (jobs []Job) {
	for _, j := range d.Jobs {
		if j.Attempt == d.Attempt {
			jobs = append(jobs, j)
		}
	}
	return
}

// Duration is completedAt - startedAt, or zero while either is unset.
func (d Deployment) Duration() time.Duration {
	if d.StartedAt == nil || d.CompletedAt == nil {
		return 0
	}

	return d.CompletedAt.Sub(*d.StartedAt)
}

// IsRollback reports whether the current attempt is a rollback.
func (d Deployment) IsRollback() bool {
	return d.Rollback != nil && d.Attempt > 0
}

// Clone returns a deep copy that can be mutated without touching d.
func (d Deployment) Clone() Deployment {
	c := d

	if d.BuildParameters != nil {
		c.BuildParameters = make(map[string]string, len(d.BuildParameters))
		for k, v := range d.BuildParameters {
			c.BuildParameters[k] = v
		}
	}

	c.Jobs = append([]Job(nil), d.Jobs...)

	if d.Rollback != nil {
		r := *d.Rollback
		c.Rollback = &r
	}

	return c
}
