package observe

import (
	"context"
	"regexp"
	"strings"
	"testing"
)

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{8}_[0-9a-f]{8}_[A-Za-z0-9._-]{1,16}$`)

func TestNewTraceIDFormat(t *testing.T) {
	id := NewTraceID()
	if !traceIDPattern.MatchString(id) {
		t.Errorf("trace ID %q does not match expected format", id)
	}
	if !strings.HasSuffix(id, "_"+InstanceID()) {
		t.Errorf("trace ID %q missing instance suffix %q", id, InstanceID())
	}
}

func TestNewTraceIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewTraceID()
		if seen[id] {
			t.Fatalf("duplicate trace ID %q", id)
		}
		seen[id] = true
	}
}

func TestInstanceIDDefault(t *testing.T) {
	// The environment variable is read once per process; with no INSTANCE_ID
	// set in the test environment the fallback applies.
	id := InstanceID()
	if id == "" {
		t.Fatal("InstanceID returned empty string")
	}
	if len(id) > maxInstanceIDLen {
		t.Errorf("instance ID %q exceeds %d characters", id, maxInstanceIDLen)
	}
}

func TestTraceIDContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "" {
		t.Errorf("TraceID on empty context = %q, want empty", got)
	}

	ctx = WithTraceID(ctx, "abc123_def456_local")
	if got := TraceID(ctx); got != "abc123_def456_local" {
		t.Errorf("TraceID = %q", got)
	}
}

func TestLoggerWithoutTraceID(t *testing.T) {
	if l := Logger(context.Background()); l == nil {
		t.Fatal("Logger returned nil")
	}
}
