package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avathrottle/internal/admission"
)

// QuotaResponse is the body of GET /api/me/quota.
type QuotaResponse struct {
	ID           string  `json:"id"`
	Remaining    int     `json:"remaining"`
	ResetSeconds int     `json:"resetSeconds"`
	Limit        float64 `json:"limit"`
}

// quotaHandler reports the caller's quota on route. Asking costs a token
// like any other request on that route, and the answer is always 200.
func quotaHandler(ctrl *admission.Controller, route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := ctrl.Admit(c.Request.Context(), c.Request, route)
		d.SetHeaders(c.Writer.Header())
		c.JSON(http.StatusOK, QuotaResponse{
			ID:           d.Identity.ID,
			Remaining:    d.Result.Remaining,
			ResetSeconds: d.Result.ResetSeconds,
			Limit:        d.Result.Limit,
		})
	}
}
