// Package shared holds small cross-cutting helpers used by every component:
// typed context keys for request/trace correlation, and log redaction.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type projectKey struct{}
type requestIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithProject attaches a project name to the context.
func WithProject(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, projectKey{}, name)
}

// Project extracts the project name from context. Returns "" if absent.
func Project(ctx context.Context) string {
	if v, ok := ctx.Value(projectKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRequestID attaches a request_id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts the request_id from context. Returns "-" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}
