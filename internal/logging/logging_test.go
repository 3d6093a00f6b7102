package logging

import (
	"sync"
	"testing"

	"go.uber.org/zap/zapcore"
)

type recordLogger struct {
	mu      sync.Mutex
	entries []entry
}

type entry struct {
	level string
	msg   string
	kv    []interface{}
}

func (r *recordLogger) add(level, msg string, kv []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{level: level, msg: msg, kv: kv})
}

func (r *recordLogger) Debugw(msg string, kv ...interface{}) { r.add("debug", msg, kv) }
func (r *recordLogger) Infow(msg string, kv ...interface{})  { r.add("info", msg, kv) }
func (r *recordLogger) Warnw(msg string, kv ...interface{})  { r.add("warn", msg, kv) }
func (r *recordLogger) Errorw(msg string, kv ...interface{}) { r.add("error", msg, kv) }
func (r *recordLogger) Sync() error                          { return nil }

func TestNamedLoggerTagsComponent(t *testing.T) {
	rec := &recordLogger{}
	SetLogger(rec)
	t.Cleanup(func() { SetLogger(nil) })

	Named("activity").Warnw("probe failed", "session_id", "s1")

	if len(rec.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(rec.entries))
	}
	got := rec.entries[0]
	if got.level != "warn" || got.msg != "probe failed" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if len(got.kv) != 4 || got.kv[0] != "component" || got.kv[1] != "activity" {
		t.Fatalf("kv = %v, want component tag first", got.kv)
	}
}

func TestSetLoggerNilFallsBackToNoop(t *testing.T) {
	SetLogger(nil)
	// Must not panic without Init.
	Infow("hello", "k", "v")
	if _, ok := Get().(noopLogger); !ok && sugar == nil {
		t.Fatalf("Get() = %T, want noopLogger", Get())
	}
}

func TestLevelFromEnv(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for raw, want := range cases {
		if got := levelFromEnv(raw); got != want {
			t.Fatalf("levelFromEnv(%q) = %v, want %v", raw, got, want)
		}
	}
}
