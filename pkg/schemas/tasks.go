package schemas

// TaskType represents the type of task as a string.
type TaskType string

const (
	// TaskTypePollDeployments lists in-flight deployments and schedules one poll for each.
	TaskTypePollDeployments TaskType = "PollDeployments"

	// TaskTypePollDeployment polls the jobs of a single deployment.
	TaskTypePollDeployment TaskType = "PollDeployment"

	// TaskTypeTriggerScheduledDeployments starts deployments whose scheduled time has been reached.
	TaskTypeTriggerScheduledDeployments TaskType = "TriggerScheduledDeployments"

	// TaskTypeGarbageCollect retries dangling job cancellations and drops expired notifications.
	TaskTypeGarbageCollect TaskType = "GarbageCollect"
)

// Tasks is a map structure used to keep track of tasks.
// It maps a TaskType to another map, which associates task identifiers with empty interfaces.
type Tasks map[TaskType]map[string]interface{}
