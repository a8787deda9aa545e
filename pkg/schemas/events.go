package schemas

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is one entry of the fixed notification taxonomy.
type EventKind string

const (
	EventKindDeploymentStarted   EventKind = "deployment_started"
	EventKindDeploymentCompleted EventKind = "deployment_completed"
	EventKindDeploymentFailed    EventKind = "deployment_failed"
	EventKindApprovalRequested   EventKind = "approval_requested"
	EventKindApprovalApproved    EventKind = "approval_approved"
	EventKindApprovalRejected    EventKind = "approval_rejected"
	EventKindTaskScheduled       EventKind = "task_scheduled"
	EventKindTaskExecuted        EventKind = "task_executed"
	EventKindTaskFailed          EventKind = "task_failed"
)

// EventKinds lists the whole taxonomy.
var EventKinds = []EventKind{
	EventKindDeploymentStarted,
	EventKindDeploymentCompleted,
	EventKindDeploymentFailed,
	EventKindApprovalRequested,
	EventKindApprovalApproved,
	EventKindApprovalRejected,
	EventKindTaskScheduled,
	EventKindTaskExecuted,
	EventKindTaskFailed,
}

// ResourceType is the kind of entity an event is about.
type ResourceType string

const (
	ResourceTypeDeployment ResourceType = "deployment"
	ResourceTypeApproval   ResourceType = "approval"
	ResourceTypeTask       ResourceType = "task"
)

// Event is an immutable fact describing a lifecycle transition.
// Its Kind is always derived from the payload type.
type Event struct {
	ID             string
	Kind           EventKind
	ResourceType   ResourceType
	ResourceID     string
	ResourceName   string
	ActingUserID   string
	ActingUserName string

	// Audience lists users who must be told on top of the resolved recipients,
	// such as the approvers of an approval_requested event.
	Audience []string

	Timestamp time.Time
	Payload   EventPayload
}

// Resource identifies the entity an event refers to.
type Resource struct {
	Type ResourceType
	ID   string
	Name string
}

// Actor is the user who triggered an event.
type Actor struct {
	ID   string
	Name string
}

// NewEvent builds an event for payload p.
func NewEvent(p EventPayload, r Resource, a Actor, audience ...string) Event {
	return Event{
		ID:             uuid.NewString(),
		Kind:           p.EventKind(),
		ResourceType:   r.Type,
		ResourceID:     r.ID,
		ResourceName:   r.Name,
		ActingUserID:   a.ID,
		ActingUserName: a.Name,
		Audience:       audience,
		Timestamp:      time.Now(),
		Payload:        p,
	}
}

// EventPayload is the closed set of per-kind payloads.
type EventPayload interface {
	EventKind() EventKind
	eventPayload()
}

// DeploymentRef holds the fields every deployment-related payload shares.
type DeploymentRef struct {
	Project     string
	Deployment  string
	Environment Environment
	Version     string
}

// DeploymentStarted is emitted once jobs have been submitted.
type DeploymentStarted struct {
	DeploymentRef
	Jobs          []string
	Rollback      bool
	TargetVersion string
}

// DeploymentCompleted is emitted when every job of an attempt succeeded.
type DeploymentCompleted struct {
	DeploymentRef
	Duration   time.Duration
	RolledBack bool
}

// DeploymentFailed is emitted on job failure, submission failure or user stop.
type DeploymentFailed struct {
	DeploymentRef
	Error      string
	FailedJobs []string
	Stopped    bool
	Rollback   bool
}

// ApprovalRequested is emitted to every approver when approvals are created.
type ApprovalRequested struct {
	DeploymentRef
	Levels int
}

// ApprovalApproved is emitted when the last pending level gets approved.
type ApprovalApproved struct {
	DeploymentRef
	Approver string
	Comment  string
}

// ApprovalRejected is emitted when any approver rejects.
type ApprovalRejected struct {
	DeploymentRef
	Approver string
	Comment  string
}

// TaskScheduled is emitted when a deployment is planned for a later execution.
type TaskScheduled struct {
	DeploymentRef
	ScheduledAt time.Time
}

// TaskExecuted is emitted when the scheduler started a planned deployment.
type TaskExecuted struct {
	DeploymentRef
	ScheduledAt time.Time
}

// TaskFailed is emitted when the scheduler could not start a planned deployment.
type TaskFailed struct {
	DeploymentRef
	Error string
}

func (DeploymentStarted) EventKind() EventKind   { return EventKindDeploymentStarted }
func (DeploymentCompleted) EventKind() EventKind { return EventKindDeploymentCompleted }
func (DeploymentFailed) EventKind() EventKind    { return EventKindDeploymentFailed }
func (ApprovalRequested) EventKind() EventKind   { return EventKindApprovalRequested }
func (ApprovalApproved) EventKind() EventKind    { return EventKindApprovalApproved }
func (ApprovalRejected) EventKind() EventKind    { return EventKindApprovalRejected }
func (TaskScheduled) EventKind() EventKind       { return EventKindTaskScheduled }
func (TaskExecuted) EventKind() EventKind        { return EventKindTaskExecuted }
func (TaskFailed) EventKind() EventKind          { return EventKindTaskFailed }

func (DeploymentStarted) eventPayload()   {}
func (DeploymentCompleted) eventPayload() {}
func (DeploymentFailed) eventPayload()    {}
func (ApprovalRequested) eventPayload()   {}
func (ApprovalApproved) eventPayload()    {}
func (ApprovalRejected) eventPayload()    {}
func (TaskScheduled) eventPayload()       {}
func (TaskExecuted) eventPayload()        {}
func (TaskFailed) eventPayload()          {}

// SamplePayload returns a zero payload of the given kind, used to check
// templates against the fields their kind provides.
func SamplePayload(k EventKind) (EventPayload, bool) {
	switch k {
	case EventKindDeploymentStarted:
		return DeploymentStarted{}, true
	case EventKindDeploymentCompleted:
		return DeploymentCompleted{}, true
	case EventKindDeploymentFailed:
		return DeploymentFailed{}, true
	case EventKindApprovalRequested:
		return ApprovalRequested{}, true
	case EventKindApprovalApproved:
		return ApprovalApproved{}, true
	case EventKindApprovalRejected:
		return ApprovalRejected{}, true
	case EventKindTaskScheduled:
		return TaskScheduled{}, true
	case EventKindTaskExecuted:
		return TaskExecuted{}, true
	case EventKindTaskFailed:
		return TaskFailed{}, true
	}

	return nil, false
}
