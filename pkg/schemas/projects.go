package schemas

import (
	"github.com/helvethink/deploy-orchestrator/pkg/config"
)

// Project is a deployable project as known to the directory.
type Project struct {
	config.Project
}

// User is a person who can act on deployments or receive notifications.
type User struct {
	config.User
}

// HasEmail reports whether the user can be reached by email.
func (u User) HasEmail() bool {
	return u.Email != ""
}

// RollbackJobNames returns the jobs to fan out for a rollback,
// falling back to the regular jobs.
func (p Project) RollbackJobNames() []string {
	if len(p.RollbackJobs) > 0 {
		return p.RollbackJobs
	}

	return p.Jobs
}
