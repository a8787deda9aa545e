package config

import (
	"net/url"
)

// Global contains configuration settings that are only provided through CLI flags.
type Global struct {
	// InternalMonitoringListenerAddress is where the internal telemetry of the
	// process is served, for the monitor command to read it.
	InternalMonitoringListenerAddress *url.URL
}
