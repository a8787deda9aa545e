package monitor

import "time"

// TaskSchedulingStatus holds the last and next runs of a periodic task.
type TaskSchedulingStatus struct {
	Last time.Time `json:"last"`
	Next time.Time `json:"next"`
}

// Telemetry is one snapshot of the internal state of a running orchestrator.
type Telemetry struct {
	// BuildServerUsage is the share of the configured requests per second being used, capped to 1.
	BuildServerUsage         float64 `json:"build_server_usage"`
	BuildServerRequestsCount uint64  `json:"build_server_requests_count"`

	// BuildServerRateLimit is the share of the build server quota still available,
	// for drivers whose build server advertises one.
	BuildServerRateLimit      float64 `json:"build_server_rate_limit"`
	BuildServerLimitRemaining uint64  `json:"build_server_limit_remaining"`

	TasksBufferUsage   float64 `json:"tasks_buffer_usage"`
	TasksExecutedCount uint64  `json:"tasks_executed_count"`

	// Deployments counts the deployments by status.
	Deployments map[string]int64 `json:"deployments"`

	EventsPublished uint64 `json:"events_published"`
	EventsDropped   uint64 `json:"events_dropped"`

	// Tasks holds the scheduling of every periodic task, keyed by task type.
	Tasks map[string]TaskSchedulingStatus `json:"tasks"`
}

// Config is the effective configuration of the process, secrets masked.
type Config struct {
	Content string `json:"content"`
}
