package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avathrottle/internal/observability"
	"github.com/vyrodovalexey/avathrottle/internal/policy"
)

// AdminTokenHeader carries the admin secret.
const AdminTokenHeader = "X-Admin-Token"

const maxPolicyDocumentBytes = 1 << 20

// PolicyAdmin is the part of the policy store the admin API needs.
type PolicyAdmin interface {
	Current() *policy.PolicySet
	Replace(ctx context.Context, set *policy.PolicySet) error
}

// AdminHandler serves the policy administration API.
type AdminHandler struct {
	policies PolicyAdmin
	token    []byte
	logger   observability.Logger
}

// NewAdminHandler creates the admin API. With an empty token every
// request is refused.
func NewAdminHandler(policies PolicyAdmin, token string, logger observability.Logger) *AdminHandler {
	return &AdminHandler{policies: policies, token: []byte(token), logger: logger}
}

// RegisterRoutes mounts /admin/policies.
func (h *AdminHandler) RegisterRoutes(engine *gin.Engine) {
	g := engine.Group("/admin", h.requireToken)
	g.GET("/policies", h.getPolicies)
	g.POST("/policies", h.postPolicies)
}

func (h *AdminHandler) requireToken(c *gin.Context) {
	given := []byte(c.GetHeader(AdminTokenHeader))
	if len(h.token) == 0 || subtle.ConstantTimeCompare(given, h.token) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}
	c.Next()
}

func (h *AdminHandler) getPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, h.policies.Current())
}

func (h *AdminHandler) postPolicies(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPolicyDocumentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "Policy document too large",
				"message": fmt.Sprintf("limit is %d bytes", tooLarge.Limit),
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid policies", "message": err.Error()})
		return
	}

	set, err := policy.Decode(body)
	if err == nil {
		err = h.policies.Replace(c.Request.Context(), set)
	}

	var verr *policy.ValidationError
	switch {
	case err == nil:
		h.logger.WithContext(c.Request.Context()).Info("policies replaced",
			observability.Int("routes", len(set.ByRoute)),
			observability.Int("tiers", len(set.ByTier)),
			observability.Int("exemptions", len(set.Exemptions)),
		)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid policies", "message": verr.Error()})
	default:
		h.logger.WithContext(c.Request.Context()).Error("policy replacement failed", observability.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Policy update failed"})
	}
}
