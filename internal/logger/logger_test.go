package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "WARNING")

	log.Debug("hidden %d", 1)
	log.Info("hidden too")
	assert.Empty(t, buf.String())

	log.Warning("problem with %s", "thing")
	assert.Contains(t, buf.String(), "problem with thing")

	log.Error("failed")
	assert.Contains(t, buf.String(), "failed")
}

func TestParseLevelFallback(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "bogus")
	assert.Equal(t, "INFO", log.LogLevel())

	log = New(&buf, "trace")
	assert.Equal(t, "DEBUG", log.LogLevel())
	assert.True(t, log.IsDebugEnabled())

	log = New(&buf, "warn")
	assert.Equal(t, "WARNING", log.LogLevel())
	assert.False(t, log.IsDebugEnabled())
}

func TestDefaultHonorsEnvironment(t *testing.T) {
	t.Setenv("LAMBDEV_LOG_LEVEL", "DEBUG")
	log := Default()
	assert.True(t, log.IsDebugEnabled())
}
