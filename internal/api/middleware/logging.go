package middleware

import (
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/theblitlabs/taskfleet/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

func Logging() gin.HandlerFunc {
	hostname, err := os.Hostname()
	if err != nil {
		log := logger.Get()
		log.Error().Err(err).Msg("Failed to get hostname")
		hostname = "unknown"
	}
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(RequestIDHeader, requestID)

		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		if raw != "" {
			path = path + "?" + raw
		}

		log := logger.WithComponent("http").With().
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_addr", c.ClientIP()).
			Str("hostname", hostname).
			Logger()

		log.Debug().Msg("→ Request received")

		c.Next()

		// Agents heartbeat and poll constantly; only their failures are worth a line.
		status := c.Writer.Status()
		if isAgentChatter(c.Request.URL.Path) && status < 400 {
			return
		}

		respLog := log.With().
			Int("status", status).
			Dur("duration", time.Since(start)).
			Int("body_size", c.Writer.Size()).
			Logger()

		switch {
		case status >= 500:
			respLog.Error().Msg("← Request failed")
		case status >= 400:
			respLog.Warn().Msg("← Request rejected")
		default:
			respLog.Info().Msg("← Request completed")
		}
	}
}

func isAgentChatter(path string) bool {
	return strings.HasSuffix(path, "/heartbeat") || strings.HasSuffix(path, "/poll")
}
