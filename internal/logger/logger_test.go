package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWithLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	parent := zap.New(core).Named("zkteco-tcp")

	assert.Same(t, parent, WithLevel(parent, ""))

	l := WithLevel(parent, "warn")
	l.Info("dropped")
	l.Warn("kept")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "kept", entries[0].Message)
		assert.Equal(t, "zkteco-tcp", entries[0].LoggerName)
	}
}

func TestNew(t *testing.T) {
	l := New(Options{Level: "debug", Format: "console"})
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l = New(Options{Level: "error"})
	assert.False(t, l.Core().Enabled(zapcore.WarnLevel))
}
