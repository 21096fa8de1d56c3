package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/gardener/internal/config"
)

type storageFields struct {
	addr     string
	password string
}

func (s storageFields) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("addr", s.addr)
	enc.AddString("password", s.password)
	return nil
}

// encodeJSON runs fields through a redacting JSON encoder, applying with as
// logger context first, and decodes the line.
func encodeJSON(t *testing.T, cfg RedactionConfig, with []zap.Field, fields ...zap.Field) map[string]interface{} {
	t.Helper()
	enc, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)
	zap.New(core).With(with...).Info("storage opened", fields...)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestRedactingEncoder_Fields(t *testing.T) {
	out := encodeJSON(t, NewDefaultConfig().Redaction, nil,
		zap.String("Redis_Password", "hunter2"),
		zap.String("backend", "redis"),
		zap.Binary("token", []byte("abc")),
		zap.Any("authorization", map[string]string{"scheme": "basic"}),
		zap.Strings("api_key", []string{"k1"}),
		zap.Object("secret", storageFields{addr: "localhost:6379"}),
		zap.Duration("took", time.Second),
	)

	assert.Equal(t, "[REDACTED]", out["Redis_Password"])
	assert.Equal(t, "redis", out["backend"])
	assert.Equal(t, "[REDACTED]", out["authorization"])
	assert.Equal(t, "[REDACTED]", out["api_key"])
	assert.Equal(t, "[REDACTED]", out["secret"])
	assert.Equal(t, "[REDACTED]", out["token"])
	assert.EqualValues(t, 1, out["took"])
}

func TestRedactingEncoder_Patterns(t *testing.T) {
	out := encodeJSON(t, NewDefaultConfig().Redaction, nil,
		zap.String("header", "Bearer abc.def"),
		zap.String("url", "redis://default:pw@cache:6379/0"),
		zap.String("path", "/home/dev/payments"),
	)

	assert.Equal(t, "[REDACTED:pattern]", out["header"])
	assert.Equal(t, "[REDACTED:pattern]", out["url"])
	assert.Equal(t, "/home/dev/payments", out["path"])
}

func TestRedactingEncoder_ContextFields(t *testing.T) {
	out := encodeJSON(t, NewDefaultConfig().Redaction,
		[]zap.Field{zap.String("password", "hunter2"), zap.String("project.id", "p1")})

	assert.Equal(t, "[REDACTED]", out["password"])
	assert.Equal(t, "p1", out["project.id"])
}

func TestRedactingEncoder_NestedObjects(t *testing.T) {
	out := encodeJSON(t, NewDefaultConfig().Redaction, nil,
		zap.Object("redis", storageFields{addr: "cache:6379", password: "hunter2"}))

	nested, ok := out["redis"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "cache:6379", nested["addr"])
	assert.Equal(t, "[REDACTED]", nested["password"])
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	out := encodeJSON(t, RedactionConfig{Fields: []string{"password"}}, nil, zap.String("password", "hunter2"))
	assert.Equal(t, "hunter2", out["password"])
}

func TestNewRedactingEncoder_BadPattern(t *testing.T) {
	_, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		RedactionConfig{Enabled: true, Patterns: []string{"[unclosed"}})
	assert.Error(t, err)
}

func TestSecretFields(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "storage opened",
		Secret("redis_password", config.Secret("hunter2")),
		RedactedString("authorization", "Basic Zm9v"))

	tl.AssertField(t, "storage opened", "redis_password", "[REDACTED:7]")
	tl.AssertField(t, "storage opened", "authorization", "[REDACTED:10]")
	tl.AssertNoSecrets(t)
}
