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
	logger, err := New(&buf, "info", "json")
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("collected", "collector", "openmeteo", "records", 24)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "collected", line["msg"])
	assert.Equal(t, "openmeteo", line["collector"])
	assert.Equal(t, float64(24), line["records"])
}

func TestNew_Invalid(t *testing.T) {
	var buf bytes.Buffer

	_, err := New(&buf, "loud", "text")
	assert.Error(t, err)

	_, err = New(&buf, "debug", "xml")
	assert.Error(t, err)
}
