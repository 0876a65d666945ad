package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogger_RegistersByComponentName(t *testing.T) {
	cfg := LogConfig{ComponentName: "test-component-a", LogLevel: "info", OutputPaths: []string{"stdout"}}

	first, err := GetLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := GetLogger(cfg)
	require.NoError(t, err)
	assert.Same(t, first, second, "GetLogger must return the same instance for a repeated component name")
}

func TestGetLogger_DifferentComponentsAreDistinct(t *testing.T) {
	a, err := GetLogger(LogConfig{ComponentName: "test-component-b", LogLevel: "info", OutputPaths: []string{"stdout"}})
	require.NoError(t, err)
	b, err := GetLogger(LogConfig{ComponentName: "test-component-c", LogLevel: "info", OutputPaths: []string{"stdout"}})
	require.NoError(t, err)

	assert.NotSame(t, a, b)
}

func TestLogger_InfoDoesNotPanic(t *testing.T) {
	logger, err := GetLogger(LogConfig{ComponentName: "test-component-d", LogLevel: "debug", OutputPaths: []string{"stdout"}})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		logger.Info("hello")
		logger.Warn("careful")
		logger.Error("boom")
		logger.Debug("details")
	})
}
