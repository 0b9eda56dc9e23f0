package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Format: "json", Output: &buf})
	require.Equal(t, log.DebugLevel, logger.GetLevel())

	ForRun(logger, "run-1").Info("launched")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "launched", entry["msg"])
	require.Equal(t, "run-1", entry["run_id"])
	require.Equal(t, "dispatch", entry["category"])
}

func TestNewInvalidLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "loud", Output: &buf})
	require.Equal(t, log.InfoLevel, logger.GetLevel())
	require.Contains(t, buf.String(), "Invalid log level 'loud'")
}
