package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventDerivesKindFromPayload(t *testing.T) {
	e := NewEvent(
		DeploymentFailed{Stopped: true},
		Resource{Type: ResourceTypeDeployment, ID: "d1", Name: "api"},
		Actor{ID: "alice", Name: "Alice"},
	)

	assert.Equal(t, EventKindDeploymentFailed, e.Kind)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "alice", e.ActingUserID)
}

func TestSamplePayloadCoversTaxonomy(t *testing.T) {
	for _, k := range EventKinds {
		p, ok := SamplePayload(k)
		require.True(t, ok, k)
		assert.Equal(t, k, p.EventKind())
	}

	_, ok := SamplePayload("deployment_exploded")
	assert.False(t, ok)
}

func TestDetectSeverity(t *testing.T) {
	assert.Equal(t, SeverityError, DetectSeverity("ERROR: could not connect"))
	assert.Equal(t, SeverityError, DetectSeverity("Finished: FAILURE"))
	assert.Equal(t, SeverityWarning, DetectSeverity("warning: deprecated flag"))
	assert.Equal(t, SeverityInfo, DetectSeverity("Cloning repository"))
}

func TestLogLineKeyAndString(t *testing.T) {
	l := LogLine{JobRef: "deploy#3", Offset: 7, Text: "hello"}

	assert.Equal(t, "deploy#3:7", l.Key())
	assert.Equal(t, "[deploy#3] hello", l.String())
}
