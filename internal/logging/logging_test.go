package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestEnsureRunIDIsStable(t *testing.T) {
	ctx, id := EnsureRunID(context.Background())
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("run id %q is not a uuid: %v", id, err)
	}
	ctx2, id2 := EnsureRunID(ctx)
	if id2 != id {
		t.Fatalf("EnsureRunID replaced existing id: %q != %q", id2, id)
	}
	if RunIDFromContext(ctx2) != id {
		t.Fatalf("RunIDFromContext mismatch")
	}
}

func TestWithRunLoggerAnnotatesOutput(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "debug", Format: "json", Output: &buf})

	ctx, l := WithRunLogger(context.Background(), base)
	l.Info(ctx, "tick", Int("alive", 3), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["run_id"] != RunIDFromContext(ctx) {
		t.Fatalf("run_id = %v, want %s", rec["run_id"], RunIDFromContext(ctx))
	}
	if rec["error"] != "boom" {
		t.Fatalf("error field = %v", rec["error"])
	}
	if LoggerFromContext(ctx) == nil {
		t.Fatalf("logger not stored on context")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})
	l.Info(context.Background(), "hidden")
	l.Warn(context.Background(), "shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output %q", out)
	}
}
