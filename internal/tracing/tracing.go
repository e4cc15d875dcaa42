package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	commandKey
)

// NewRequestID returns an ID for one CLI invocation
func NewRequestID() string {
	return "nk_" + uuid.NewString()
}

// WithInvocation tags ctx with the request ID and command name of the
// running invocation.
func WithInvocation(ctx context.Context, requestID, command string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return context.WithValue(ctx, commandKey, command)
}

// RequestID returns the request ID in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Command returns the command name in ctx, or "".
func Command(ctx context.Context) string {
	name, _ := ctx.Value(commandKey).(string)
	return name
}

// Fields returns log fields identifying ctx. The trace ID is only present
// while a sampled span is active.
func Fields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if id := RequestID(ctx); id != "" {
		fields["request_id"] = id
	}
	if name := Command(ctx); name != "" {
		fields["command"] = name
	}
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
	}
	return fields
}
