package middleware

import (
	"time"

	"rillcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a span per request, tagged with the caller and
// the session or stream it addresses.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", ClientIP(c.Request)),
		)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		if userID, _, ok := UserFromContext(c); ok {
			span.SetAttributes(attribute.String("user.id", string(userID)))
		}
		if id := c.Param("id"); id != "" {
			span.SetAttributes(attribute.String("resource.id", id))
		}
		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)

		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
