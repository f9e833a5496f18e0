package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RequestObserver logs and counts every admin request. Polling endpoints
// log at debug so a dashboard refresh loop does not flood the journal.
func RequestObserver(logger zerolog.Logger, quiet ...string) gin.HandlerFunc {
	quietPaths := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		quietPaths[p] = struct{}{}
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		elapsed := time.Since(start)
		RecordHTTPRequest(c.Request.Method, path, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			if _, ok := quietPaths[path]; ok {
				event = logger.Debug()
			} else {
				event = logger.Info()
			}
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("admin_request")
	}
}
