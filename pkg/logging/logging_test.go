package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Name: "vpn-clusterd", Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)

	logger.Named("raft").Info("became leader", "term", 3)
	logger.Debug("dropped")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "became leader", line["@message"])
	assert.Equal(t, "vpn-clusterd.raft", line["@module"])
	assert.EqualValues(t, 3, line["term"])
	assert.NotContains(t, buf.String(), "dropped")
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Output: &buf})
	require.NoError(t, err)

	logger.Debug("heartbeat sent", "node", "n2")
	assert.Contains(t, buf.String(), "[DEBUG]")
	assert.Contains(t, buf.String(), "node=n2")
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	assert.ErrorContains(t, err, "unknown log level")

	_, err = New(Options{Level: "info", Format: "xml"})
	assert.ErrorContains(t, err, "unknown log format")
}
