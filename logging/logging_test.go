package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx, id := EnsureTraceID(context.Background())
	if len(id) != 16 || TraceID(ctx) != id {
		t.Fatalf("id = %q, ctx id = %q", id, TraceID(ctx))
	}

	same, again := EnsureTraceID(ctx)
	if again != id || TraceID(same) != id {
		t.Fatalf("existing id replaced: %q", again)
	}
	if NewTraceID() == id {
		t.Fatalf("trace ids should differ")
	}
}

func TestEntriesCarryTraceID(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	StandardLogger().SetFormatter(&logrus.JSONFormatter{})
	StandardLogger().SetLevel(logrus.InfoLevel)

	ctx := WithTraceID(context.Background(), "abc123")
	WithFields(ctx, logrus.Fields{JobKey: "job-1"}).Info("hello")
	Debugf(ctx, "hidden")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line[TraceKey] != "abc123" || line[JobKey] != "job-1" || line["msg"] != "hello" {
		t.Fatalf("line = %v", line)
	}
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	cleanup, err := Init(Config{Level: "debug", Format: "text", Output: path})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer cleanup()
	if StandardLogger().GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v", StandardLogger().GetLevel())
	}

	if _, err := Init(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
