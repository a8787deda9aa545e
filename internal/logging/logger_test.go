package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	buf := &bytes.Buffer{}

	require.NoError(t, Configure(Config{
		Level:  "debug",
		Format: "json",
		Output: buf,
	}))

	assert.Equal(t, log.DebugLevel, log.GetLevel())

	log.WithField("deployment-id", "d1").Debug("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "d1", entry["deployment-id"])
}

func TestConfigureInvalid(t *testing.T) {
	assert.Error(t, Configure(Config{Level: "loud", Format: "text"}))
	assert.EqualError(t, Configure(Config{Level: "info", Format: "xml"}), "invalid log format 'xml'")
}
