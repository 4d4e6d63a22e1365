package trace

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// TraceIDKey 日志字段名
const TraceIDKey = "run_id"

// GenerateTraceID 生成一个新的 run ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext 从 context 中获取 run_id
func FromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(ctxKey{}).(string); ok {
		return traceID
	}
	return ""
}

// WithContext 将 run_id 添加到 context 中
func WithContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// HeaderName 返回 run ID 的 HTTP header 名称（capability 调用时透传）
func HeaderName() string {
	return "X-Trace-ID"
}
