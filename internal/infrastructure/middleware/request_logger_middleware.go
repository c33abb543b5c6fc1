package middleware

import (
	"strings"
	"time"

	"rillcast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const RequestIDHeader = "X-Request-ID"

// RequestLoggerMiddleware tags each request with an id and logs it once
// handled, together with the caller, the session and the trace when known.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := logger.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = logger.WithValue(ctx, logger.TraceIDKey, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		ctx = c.Request.Context()
		if userID, _, ok := UserFromContext(c); ok {
			ctx = logger.WithValue(ctx, logger.UserIDKey, string(userID))
		}
		if id := c.Param("id"); id != "" && strings.HasPrefix(c.FullPath(), "/api/v1/sessions/") {
			ctx = logger.WithValue(ctx, logger.SessionIDKey, id)
		}
		cl.LogRequest(ctx, c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
