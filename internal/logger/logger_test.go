package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	t.Run("info level by default", func(t *testing.T) {
		l, err := NewLogger(LoggerConfig{ServiceName: "test"})
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
		assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("debug level", func(t *testing.T) {
		l, err := NewLogger(LoggerConfig{ServiceName: "test", IsDebug: true, IsDevelopment: true})
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("initial fields", func(t *testing.T) {
		l, err := NewLogger(LoggerConfig{
			ServiceName:   "test",
			InitialFields: []zap.Field{WithClientID("abc")},
		})
		require.NoError(t, err)
		require.NotNil(t, l)
	})
}

func TestFields(t *testing.T) {
	assert.Equal(t, "client.id", WithClientID("c").Key)
	assert.Equal(t, "tab.id", WithTabID("t").Key)
	assert.Equal(t, "message.type", WithMessageType("CPU_USAGE").Key)
	assert.Equal(t, "power.profile", WithProfile("m5.large").Key)
}
