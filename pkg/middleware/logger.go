package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/code-100-precent/lingecho-gateway/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// quietPaths are polled by load balancers and scrapers; successful GETs on
// them are not logged.
var quietPaths = map[string]struct{}{
	"/":                   {},
	"/health":             {},
	"/metrics":            {},
	"/metrics/prometheus": {},
}

// LoggerMiddleware logs one "Request" entry per request after the handler ran.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		if c.Request.Method == http.MethodGet && status < http.StatusBadRequest {
			if _, quiet := quietPaths[path]; quiet {
				return
			}
		}

		latency := time.Since(start)
		if latency <= 0 {
			latency = time.Nanosecond
		}
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", redactQuery(query)),
			zap.String("ip", c.ClientIP()),
			zap.String("user-agent", c.Request.UserAgent()),
			zap.Duration("latency", latency),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()))
		}
		logger.Info("Request", fields...)
	}
}

// redactQuery hides credential values carried in the query string.
func redactQuery(raw string) string {
	if raw == "" || !strings.Contains(raw, "token=") {
		return raw
	}
	parts := strings.Split(raw, "&")
	for i, p := range parts {
		if strings.HasPrefix(p, "token=") {
			parts[i] = "token=REDACTED"
		}
	}
	return strings.Join(parts, "&")
}

// RecoveryMiddleware turns a handler panic into a 500 and an error log.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("[Recovery] panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				response.AbortWithError(c, http.StatusInternalServerError, response.ErrInternal)
			}
		}()
		c.Next()
	}
}
