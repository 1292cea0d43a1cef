package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerHonoursLevel(t *testing.T) {
	var buff bytes.Buffer
	log, err := New("warn", FormatJSON, &buff)
	require.NoError(t, err)
	log.Info("quiet")
	log.Warn("loud", "replica", "a")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buff.Bytes(), &line))
	assert.Equal(t, "loud", line["msg"])
	assert.Equal(t, "a", line["replica"])
}

func TestTextLoggerIsTheDefault(t *testing.T) {
	var buff bytes.Buffer
	log, err := New("debug", "", &buff)
	require.NoError(t, err)
	log.Debug("hello", "k", "v")
	assert.Contains(t, buff.String(), "msg=hello k=v")
}

func TestRejectsBadInput(t *testing.T) {
	_, err := New("chatty", FormatText, &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}
