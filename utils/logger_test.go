package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONWithStackTrace(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "info", "json")

	log.Error("file failed", "path", "/data/rec.edf", ErrAttr(errors.New("decode exploded")))

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "file failed", record["msg"])
	assert.Equal(t, "/data/rec.edf", record["path"])

	errGroup, ok := record["error"].(map[string]interface{})
	require.True(t, ok, "error attribute must expand into a group")
	assert.Equal(t, "decode exploded", errGroup["msg"])
	assert.NotEmpty(t, errGroup["trace"], "wrapped errors carry a stack trace")
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "error", "text")

	log.Info("quiet")
	assert.Empty(t, buf.String())

	log.Error("loud")
	assert.Contains(t, buf.String(), "loud")
}
