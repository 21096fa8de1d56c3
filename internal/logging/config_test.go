package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/gardener/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.True(t, cfg.Output.Console)
	assert.False(t, cfg.Output.OTEL)
	assert.Equal(t, time.Second, cfg.Sampling.Tick.Duration())
	assert.Contains(t, cfg.Redaction.Fields, "redis_password")
	assert.Equal(t, "gardener", cfg.Fields["service"])

	_, sampled := cfg.Sampling.Levels[zapcore.ErrorLevel]
	assert.False(t, sampled, "errors are never sampled")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }, "format must be json or console"},
		{"no output", func(c *Config) { c.Output = OutputConfig{} }, "at least one output"},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, "sampling tick"},
		{"negative skip", func(c *Config) { c.Caller.Skip = -1 }, "caller skip"},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, "redaction pattern"},
		{"long pattern", func(c *Config) { c.Redaction.Patterns = []string{string(make([]byte, 201))} }, "longer than"},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }, `"env"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_Validate_IgnoresPatternsWhenRedactionOff(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Redaction = RedactionConfig{Patterns: []string{"("}}
	assert.NoError(t, cfg.Validate())
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "trace", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.False(t, cfg.Sampling.Enabled)

	cfg, err = FromSettings(config.LoggingConfig{Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, cfg.Level)
	assert.True(t, cfg.Sampling.Enabled)

	cfg, err = FromSettings(config.LoggingConfig{})
	require.NoError(t, err)
	assert.Equal(t, NewDefaultConfig().Level, cfg.Level)

	_, err = FromSettings(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = FromSettings(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"trace", TraceLevel},
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	got, err := ParseLevel("chatty")
	assert.Error(t, err)
	assert.Equal(t, zapcore.InfoLevel, got)
}
