package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, level, err := NewLogger(LogConfig{Level: "debug", Format: "console", Service: "test"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	logger, level, err = NewLogger(LogConfig{})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}

func TestNewLogger_Invalid(t *testing.T) {
	_, _, err := NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, _, err = NewLogger(LogConfig{Format: "xml"})
	assert.Error(t, err)
}
