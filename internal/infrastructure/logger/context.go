package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	loggerKey       contextKey = "logger"
	tenantIDKey     contextKey = "tenant_id"
	userIDKey       contextKey = "user_id"
	mutationIDKey   contextKey = "mutation_id"
	partitionKeyKey contextKey = "partition_key"
)

// WithContext stores logger in ctx
func WithContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.NewNop()
}

// WithTenantID records the acting tenant for log correlation. It does not
// authorize anything; the tenant used for data scoping lives in the auth
// package.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// WithUserID records the acting user for log correlation
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// WithMutation records the mutation being executed and its partition
func WithMutation(ctx context.Context, mutationID, partitionKey string) context.Context {
	ctx = context.WithValue(ctx, mutationIDKey, mutationID)
	return context.WithValue(ctx, partitionKeyKey, partitionKey)
}

// GetTenantID returns the tenant recorded by WithTenantID
func GetTenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}

// GetUserID returns the user recorded by WithUserID
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// GetMutationID returns the mutation recorded by WithMutation
func GetMutationID(ctx context.Context) string {
	v, _ := ctx.Value(mutationIDKey).(string)
	return v
}

// GetPartitionKey returns the partition recorded by WithMutation
func GetPartitionKey(ctx context.Context) string {
	v, _ := ctx.Value(partitionKeyKey).(string)
	return v
}

// correlationFields collects every correlation value present in ctx.
func correlationFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := GetTenantID(ctx); v != "" {
		fields = append(fields, zap.String("tenant_id", v))
	}
	if v := GetUserID(ctx); v != "" {
		fields = append(fields, zap.String("user_id", v))
	}
	if v := GetMutationID(ctx); v != "" {
		fields = append(fields, zap.String("mutation_id", v))
	}
	if v := GetPartitionKey(ctx); v != "" {
		fields = append(fields, zap.String("partition_key", v))
	}
	return fields
}

// ContextLogger logs with the correlation fields of its context attached.
type ContextLogger struct {
	ctx    context.Context
	logger *zap.Logger
}

// L returns a ContextLogger for ctx.
// Usage: logger.L(ctx).Info("mutation applied", zap.String("delta", d))
func L(ctx context.Context) *ContextLogger {
	return &ContextLogger{ctx: ctx, logger: FromContext(ctx)}
}

// WithLogger returns a ContextLogger that uses base instead of the ctx logger
func WithLogger(ctx context.Context, base *zap.Logger) *ContextLogger {
	return &ContextLogger{ctx: ctx, logger: base}
}

func (cl *ContextLogger) enriched() *zap.Logger {
	l := cl.logger
	if l == nil {
		l = zap.NewNop()
	}
	return l.With(correlationFields(cl.ctx)...)
}

// With returns a child ContextLogger carrying fields
func (cl *ContextLogger) With(fields ...zap.Field) *ContextLogger {
	base := cl.logger
	if base == nil {
		base = zap.NewNop()
	}
	return &ContextLogger{ctx: cl.ctx, logger: base.With(fields...)}
}

func (cl *ContextLogger) Debug(msg string, fields ...zap.Field) { cl.enriched().Debug(msg, fields...) }
func (cl *ContextLogger) Info(msg string, fields ...zap.Field)  { cl.enriched().Info(msg, fields...) }
func (cl *ContextLogger) Warn(msg string, fields ...zap.Field)  { cl.enriched().Warn(msg, fields...) }
func (cl *ContextLogger) Error(msg string, fields ...zap.Field) { cl.enriched().Error(msg, fields...) }
