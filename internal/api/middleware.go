package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500

	requestIDHeader = "X-Request-ID"
)

// ZerologLogger is a Gin middleware that logs requests using zerolog. Every
// response carries an X-Request-ID, taken from the request when present.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		evt := log.Info()
		switch {
		case status >= statusErrorThreshold:
			evt = log.Error()
		case status >= statusWarnThreshold:
			evt = log.Warn()
		}

		if raw != "" {
			path = path + "?" + raw
		}

		evt.
			Str("request_id", requestID).
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("route", c.FullPath()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http request completed")
	}
}
