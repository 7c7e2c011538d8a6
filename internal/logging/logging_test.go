package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	log.With(String("source", "harbour")).Info(context.Background(), "computed buffer",
		Int("triangles", 12),
		Err(errors.New("boom")),
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if rec["msg"] != "computed buffer" {
		t.Fatalf("msg = %v, want computed buffer", rec["msg"])
	}
	if rec["source"] != "harbour" {
		t.Fatalf("source = %v, want harbour", rec["source"])
	}
	if rec["triangles"] != float64(12) {
		t.Fatalf("triangles = %v, want 12", rec["triangles"])
	}
	if rec["error"] != "boom" {
		t.Fatalf("error = %v, want boom", rec["error"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "warn"}, &buf)
	log.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info log written at warn level: %q", buf.String())
	}
	log.Warn(context.Background(), "shown")
	if buf.Len() == 0 {
		t.Fatalf("warn log not written")
	}
}

func TestWithRequestLoggerKeepsExistingID(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "abc")
	ctx, _ = WithRequestLogger(ctx, nil)
	if got := RequestIDFromContext(ctx); got != "abc" {
		t.Fatalf("RequestIDFromContext = %q, want abc", got)
	}
	if FromContext(ctx, nil) == nil {
		t.Fatalf("FromContext returned nil logger")
	}
}

func TestEnsureRequestIDGeneratesID(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if len(id) != 32 {
		t.Fatalf("generated id %q has length %d, want 32", id, len(id))
	}
	if got := RequestIDFromContext(ctx); got != id {
		t.Fatalf("RequestIDFromContext = %q, want %q", got, id)
	}
}
