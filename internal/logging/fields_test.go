package logging

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func buildObserved(fields []zap.Field) map[string]any {
	core, logs := observer.New(zapcore.InfoLevel)
	zap.New(core).Info("event", fields...)
	entries := logs.All()
	got := map[string]any{}
	for k, v := range entries[0].ContextMap() {
		got[k] = v
	}
	return got
}

func TestNewFields_Empty(t *testing.T) {
	f := NewFields()
	if len(f.Build()) != 0 {
		t.Fatalf("expected no fields, got %d", len(f.Build()))
	}
}

func TestFields_Chain(t *testing.T) {
	f := NewFields().
		Component("statestore").
		Operation("write").
		Resource("pipeline.json").
		Phase("phase4").
		FileID("book-1").
		RunID("run-1").
		Duration(150 * time.Millisecond).
		Count(3)

	got := buildObserved(f.Build())
	want := map[string]any{
		"component": "statestore",
		"operation": "write",
		"resource":  "pipeline.json",
		"phase":     "phase4",
		"file_id":   "book-1",
		"run_id":    "run-1",
		"count":     int64(3),
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %q = %v, want %v", k, got[k], v)
		}
	}
	if _, ok := got["duration"]; !ok {
		t.Errorf("expected a duration field to be present")
	}
}

func TestFields_Error(t *testing.T) {
	err := errors.New("disk full")
	f := NewFields().Error(err)
	got := buildObserved(f.Build())
	if got["error"] != "disk full" {
		t.Errorf("error field = %v, want %q", got["error"], "disk full")
	}
}
