package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, err := New("debug", "console")
	require.NoError(t, err)
	assert.True(t, logger.Desugar().Core().Enabled(zapcore.DebugLevel))

	logger, err = New("warn", "json")
	require.NoError(t, err)
	assert.False(t, logger.Desugar().Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud", "json")
	require.Error(t, err)
}
