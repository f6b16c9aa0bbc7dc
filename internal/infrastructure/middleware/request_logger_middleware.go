package middleware

import (
	"fmt"
	"time"

	"chatcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// RequestLoggerMiddleware tags each request with an ID, kept from the
// client when it sends one, and logs the request once it completes.
func RequestLoggerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		if callID := c.Param("id"); callID != "" {
			ctx = logger.WithCallID(ctx, callID)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		if uid, ok := c.Get(ContextUserID); ok {
			ctx = logger.WithUserID(ctx, fmt.Sprint(uid))
		}
		cl.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
