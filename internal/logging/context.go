package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PushFields identifies the push a unit of work belongs to.
type PushFields struct {
	Owner  string
	Repo   string
	Branch string
	Sha    string
}

// GoalFields identifies the goal being executed.
type GoalFields struct {
	Name        string
	Environment string
	SetID       string
}

type pushCtxKey struct{}
type goalCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 10)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if p, ok := ctx.Value(pushCtxKey{}).(PushFields); ok {
		fields = append(fields,
			zap.String("push.owner", p.Owner),
			zap.String("push.repo", p.Repo),
			zap.String("push.sha", p.Sha),
		)
		if p.Branch != "" {
			fields = append(fields, zap.String("push.branch", p.Branch))
		}
	}

	if g, ok := ctx.Value(goalCtxKey{}).(GoalFields); ok {
		fields = append(fields, zap.String("goal.name", g.Name))
		if g.Environment != "" {
			fields = append(fields, zap.String("goal.environment", g.Environment))
		}
		if g.SetID != "" {
			fields = append(fields, zap.String("goal.set_id", g.SetID))
		}
	}

	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}

	return fields
}

// WithPush attaches push correlation to ctx.
func WithPush(ctx context.Context, p PushFields) context.Context {
	return context.WithValue(ctx, pushCtxKey{}, p)
}

// PushFromContext returns the push correlation on ctx, if any.
func PushFromContext(ctx context.Context) (PushFields, bool) {
	p, ok := ctx.Value(pushCtxKey{}).(PushFields)
	return p, ok
}

// WithGoal attaches goal correlation to ctx.
func WithGoal(ctx context.Context, g GoalFields) context.Context {
	return context.WithValue(ctx, goalCtxKey{}, g)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
