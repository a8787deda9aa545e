package config

import (
	"github.com/creasty/defaults"
)

// Project is one deployable project of the directory.
type Project struct {
	// ID is referenced by deployments.
	ID string `validate:"required" yaml:"id"`

	Name string `validate:"required" yaml:"name"`

	// CreatorID is the project owner. It is notified about every deployment of the project.
	CreatorID string `yaml:"creator_id"`

	// Jobs are the build server jobs fanned out by an execution, in submission order.
	Jobs []string `validate:"min=1,dive,required" yaml:"jobs"`

	// RollbackJobs are fanned out by a rollback. Jobs are reused when empty.
	RollbackJobs []string `validate:"dive,required" yaml:"rollback_jobs"`

	// RequireApprovalFor lists the environments for which deployments are gated
	// when the caller does not say otherwise.
	RequireApprovalFor []string `default:"[\"prod\"]" validate:"dive,oneof=dev test staging prod" yaml:"require_approval_for"`

	// Approvers is the approver chain used when a gated deployment is created without one.
	Approvers []Approver `validate:"dive" yaml:"approvers"`
}

// Approver is one entry of an approver chain.
type Approver struct {
	UserID string `validate:"required" yaml:"user_id"`
	Level  int    `default:"1" validate:"gte=1" yaml:"level"`
}

// User is one entry of the user directory.
type User struct {
	ID    string `validate:"required" yaml:"id"`
	Name  string `yaml:"name"`
	Email string `validate:"omitempty,email" yaml:"email"`
}

// NewProject returns a new Project with default parameters.
func NewProject() (p Project) {
	defaults.MustSet(&p)
	return
}
