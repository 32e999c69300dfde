package logging

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	studentIDKey contextKey = "student_id"
)

// NewRequestID returns a time-sortable request identifier.
func NewRequestID() string {
	return ulid.Make().String()
}

// WithRequestID stores id in ctx for Ctx to pick up.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id carried by ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithStudentID stores the student key in ctx for Ctx to pick up.
func WithStudentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, studentIDKey, id)
}

// Ctx returns the global logger enriched with request and student ids from ctx.
func Ctx(ctx context.Context) *zerolog.Logger {
	lc := Logger().With()
	if id := RequestID(ctx); id != "" {
		lc = lc.Str("request_id", id)
	}
	if id, _ := ctx.Value(studentIDKey).(string); id != "" {
		lc = lc.Str("student_id", id)
	}
	l := lc.Logger()
	return &l
}
