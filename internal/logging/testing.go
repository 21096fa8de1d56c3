package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, from TraceLevel up, for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates an observing logger.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns the recorded entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

func (t *TestLogger) find(level zapcore.Level, msgContains string) bool {
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, msgContains) {
			return true
		}
	}
	return false
}

// AssertLogged fails tb unless an entry at level contains msgContains.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	if !t.find(level, msgContains) {
		tb.Errorf("no %v entry containing %q; got %d entries", level, msgContains, len(t.observed.All()))
	}
}

// AssertNotLogged fails tb if an entry at level contains msgContains.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	if t.find(level, msgContains) {
		tb.Errorf("unexpected %v entry containing %q", level, msgContains)
	}
}

// AssertField fails tb unless an entry with message msg has key=expected.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected interface{}) {
	tb.Helper()
	for _, e := range t.observed.FilterMessage(msg).All() {
		if v, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(v, expected) {
			return
		}
	}
	tb.Errorf("field %s=%v not found on %q", key, expected, msg)
}

// AssertNoSecrets fails tb if a string field named like a credential holds
// a value that is not redacted, or any string field matches a redaction pattern.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	rc := t.config.Redaction
	patterns, err := compilePatterns(rc.Patterns)
	if err != nil {
		tb.Fatalf("redaction patterns: %v", err)
	}
	for _, e := range t.observed.All() {
		for _, f := range e.Context {
			if f.Type != zapcore.StringType {
				continue
			}
			key := strings.ToLower(f.Key)
			for _, name := range rc.Fields {
				if strings.Contains(key, name) && f.String != "" && !strings.HasPrefix(f.String, "[REDACTED") {
					tb.Errorf("%q: field %s not redacted", e.Message, f.Key)
				}
			}
			for _, re := range patterns {
				if re.MatchString(f.String) {
					tb.Errorf("%q: field %s matches %s", e.Message, f.Key, re)
				}
			}
		}
	}
}
