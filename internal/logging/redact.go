package logging

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/gardener/internal/config"
)

const redacted = "[REDACTED]"

// Secret logs a config.Secret as its length only.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString logs val as its length only.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// RedactingEncoder hides fields whose names look like credentials and
// string values matching a configured pattern.
type RedactingEncoder struct {
	zapcore.Encoder
	fields   map[string]struct{}
	patterns []*regexp.Regexp
}

// NewRedactingEncoder wraps base. A disabled cfg returns a pass-through encoder.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	e := &RedactingEncoder{Encoder: base, fields: make(map[string]struct{})}
	if !cfg.Enabled {
		return e, nil
	}
	for _, f := range cfg.Fields {
		e.fields[strings.ToLower(f)] = struct{}{}
	}
	patterns, err := compilePatterns(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	e.patterns = patterns
	return e, nil
}

func (e *RedactingEncoder) sensitive(key string) bool {
	_, ok := e.fields[strings.ToLower(key)]
	return ok
}

func (e *RedactingEncoder) redactString(key, val string) string {
	if e.sensitive(key) {
		return redacted
	}
	for _, re := range e.patterns {
		if re.MatchString(val) {
			return "[REDACTED:pattern]"
		}
	}
	return val
}

// EncodeEntry redacts per-entry fields. The wrapped encoder adds them to a
// clone of itself, which would bypass the Add* methods below.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case e.sensitive(f.Key):
			out[i] = zap.String(f.Key, redacted)
		case f.Type == zapcore.StringType:
			out[i] = zap.String(f.Key, e.redactString(f.Key, f.String))
		case f.Type == zapcore.ObjectMarshalerType:
			out[i] = zap.Object(f.Key, redactingObject{e: e, obj: f.Interface.(zapcore.ObjectMarshaler)})
		default:
			out[i] = f
		}
	}
	return e.Encoder.EncodeEntry(ent, out)
}

func (e *RedactingEncoder) AddString(key, val string) {
	e.Encoder.AddString(key, e.redactString(key, val))
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitive(key) {
		val = []byte(redacted)
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.sensitive(key) {
		val = []byte(redacted)
	}
	e.Encoder.AddBinary(key, val)
}

func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, redactingObject{e: e, obj: obj})
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), fields: e.fields, patterns: e.patterns}
}

// redactingObject applies the encoder's rules to a nested object's fields.
type redactingObject struct {
	e   *RedactingEncoder
	obj zapcore.ObjectMarshaler
}

func (r redactingObject) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	return r.obj.MarshalLogObject(objectRedactor{ObjectEncoder: enc, e: r.e})
}

type objectRedactor struct {
	zapcore.ObjectEncoder
	e *RedactingEncoder
}

func (o objectRedactor) AddString(key, val string) {
	o.ObjectEncoder.AddString(key, o.e.redactString(key, val))
}

func (o objectRedactor) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if o.e.sensitive(key) {
		o.ObjectEncoder.AddString(key, redacted)
		return nil
	}
	return o.ObjectEncoder.AddObject(key, redactingObject{e: o.e, obj: obj})
}
