package slogging

import (
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware returns a Gin middleware that logs each request with
// method, path, status and latency.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := Get()

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		statusCode := c.Writer.Status()

		switch {
		case statusCode >= 500:
			logger.Error("request completed with server error method=%s path=%s status=%d duration=%s",
				c.Request.Method, c.Request.URL.Path, statusCode, latency)
		case statusCode >= 400:
			logger.Warn("request completed with client error method=%s path=%s status=%d duration=%s",
				c.Request.Method, c.Request.URL.Path, statusCode, latency)
		default:
			logger.Info("request completed method=%s path=%s status=%d duration=%s",
				c.Request.Method, c.Request.URL.Path, statusCode, latency)
		}
	}
}
