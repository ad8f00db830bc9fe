package tracing

import (
	"net/http"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware starts the server span for every request.
func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName)
}

// SpanEnricher tags the active server span with request and tenant identifiers.
// It must run after GinMiddleware so the span is still open when it returns.
func SpanEnricher() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		span := trace.SpanFromContext(c.Request.Context())
		if !span.IsRecording() {
			return
		}
		if requestID := obscontext.RequestIDFromContext(c.Request.Context()); requestID != "" {
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		if tenantID := obscontext.TenantIDFromContext(c.Request.Context()); tenantID != "" {
			span.SetAttributes(attribute.String("tenant_id", tenantID))
		}
		if lastErr := c.Errors.Last(); lastErr != nil && c.Writer.Status() >= http.StatusInternalServerError {
			span.RecordError(lastErr.Err)
			span.SetStatus(codes.Error, http.StatusText(c.Writer.Status()))
		}
	}
}
