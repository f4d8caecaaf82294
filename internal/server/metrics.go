package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

// Metrics records request counts and latency per matched route.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		m.IncActiveRequests()
		start := time.Now()

		c.Next()

		m.DecActiveRequests()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
