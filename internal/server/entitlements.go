package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/entitled/internal/entitlement/domain"
)

type entitlementsResponse struct {
	ProjectID    string                          `json:"project_id"`
	UserID       string                          `json:"user_id"`
	CheckedAt    string                          `json:"checked_at"`
	Entitlements []entitlementdomain.Entitlement `json:"entitlements"`
}

// GetEntitlements returns the currently valid entitlements for one user
// within the authenticated project.
func (s *Server) GetEntitlements(c *gin.Context) {
	projectID, ok := projectIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "required", "user_id is required"))
		return
	}

	rows, err := s.entitlementSvc.GetEntitlements(c.Request.Context(), projectID, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if rows == nil {
		rows = []entitlementdomain.Entitlement{}
	}

	c.JSON(http.StatusOK, entitlementsResponse{
		ProjectID:    projectID.String(),
		UserID:       userID,
		CheckedAt:    s.clock.Now().UTC().Format(time.RFC3339),
		Entitlements: rows,
	})
}
