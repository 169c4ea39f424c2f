package logger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/gath-stack/otel-demo-api/internal/logger"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"ERROR", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := logger.ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := logger.ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	log, err := logger.New(logger.ConfigFor("warn", "production"))
	require.NoError(t, err)

	var _ logger.Logger = log
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))

	_, err = logger.New(logger.Config{Level: "nope"})
	assert.Error(t, err)
}

func TestConfigFor(t *testing.T) {
	assert.True(t, logger.ConfigFor("info", "local").Development)
	assert.False(t, logger.ConfigFor("info", "staging").Development)
}
