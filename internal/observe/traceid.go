package observe

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"
)

// maxInstanceIDLen caps the instance segment of a trace ID so log lines stay
// scannable even with verbose deployment names.
const maxInstanceIDLen = 16

var (
	instanceIDOnce sync.Once
	instanceID     string
)

// InstanceID returns this process's instance identifier, read once from the
// INSTANCE_ID environment variable. Empty or missing values fall back to
// "local"; longer values are truncated to 16 characters.
func InstanceID() string {
	instanceIDOnce.Do(func() {
		id := os.Getenv("INSTANCE_ID")
		if id == "" {
			id = "local"
		}
		if len(id) > maxInstanceIDLen {
			id = id[:maxInstanceIDLen]
		}
		instanceID = id
	})
	return instanceID
}

// NewTraceID generates a request trace ID of the form
//
//	{timestamp}_{random}_{instance}
//
// where timestamp is the Unix time in seconds as 8 lowercase hex characters,
// random is 8 lowercase hex characters, and instance is [InstanceID]. The
// timestamp prefix keeps IDs roughly sortable by arrival time; the instance
// suffix attributes a request to a replica without a lookup.
func NewTraceID() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%08x_%s_%s", uint32(time.Now().Unix()), hex.EncodeToString(buf[:]), InstanceID())
}

// traceIDKey is the context key for the request trace ID.
type traceIDKey struct{}

// WithTraceID returns a context carrying the given request trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceID returns the request trace ID from ctx, or "" when none is set.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}
