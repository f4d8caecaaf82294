package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avathrottle/internal/admission"
)

// DecisionKey is the gin context key of the admission decision.
const DecisionKey = "admissionDecision"

// RateLimit admits requests on route through ctrl. Denied requests are
// answered with 429 and never reach the next handler. With an empty
// route the matched route pattern is used.
func RateLimit(ctrl *admission.Controller, route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		r := route
		if r == "" {
			r = c.FullPath()
		}

		d := ctrl.Admit(c.Request.Context(), c.Request, r)
		d.SetHeaders(c.Writer.Header())
		c.Set(DecisionKey, d)

		if !d.Allowed() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": admission.DenyMessage})
			return
		}
		c.Next()
	}
}

// GetDecision returns the decision stored by RateLimit.
func GetDecision(c *gin.Context) (admission.Decision, bool) {
	v, ok := c.Get(DecisionKey)
	if !ok {
		return admission.Decision{}, false
	}
	d, ok := v.(admission.Decision)
	return d, ok
}
