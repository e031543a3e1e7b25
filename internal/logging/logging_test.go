package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesLevel(t *testing.T) {
	logger := NewWithWriter(&bytes.Buffer{}, "debug", "text")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger = NewWithWriter(&bytes.Buffer{}, "bogus", "text")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestComponentFieldInJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	Component(logger, "presence").Info("subscribed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "presence", line["component"])
	assert.Equal(t, "subscribed", line["msg"])
}

func TestComponentNilLogger(t *testing.T) {
	assert.NotNil(t, Component(nil, "typing"))
}
