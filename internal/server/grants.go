package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	grantdomain "github.com/smallbiznis/entitled/internal/grant/domain"
)

type createGrantRequest struct {
	ProjectID   string     `json:"project_id"`
	UserID      string     `json:"user_id"`
	FeatureCode string     `json:"feature_code"`
	ValidFrom   *time.Time `json:"valid_from"`
	ValidTo     *time.Time `json:"valid_to"`
	Reason      string     `json:"reason"`
	GrantedBy   string     `json:"granted_by"`
}

type revokeGrantRequest struct {
	Reason    string `json:"reason"`
	RevokedBy string `json:"revoked_by"`
}

type grantResponse struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	UserID       string     `json:"user_id"`
	FeatureCode  string     `json:"feature_code"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
	GrantedBy    string     `json:"granted_by"`
	Reason       string     `json:"reason"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokedBy    *string    `json:"revoked_by,omitempty"`
	RevokeReason *string    `json:"revoke_reason,omitempty"`
}

func toGrantResponse(grant grantdomain.ManualGrant) grantResponse {
	return grantResponse{
		ID:           grant.ID.String(),
		ProjectID:    grant.ProjectID.String(),
		UserID:       grant.UserID,
		FeatureCode:  grant.FeatureCode,
		ValidFrom:    grant.ValidFrom,
		ValidTo:      grant.ValidTo,
		GrantedBy:    grant.GrantedBy,
		Reason:       grant.Reason,
		RevokedAt:    grant.RevokedAt,
		RevokedBy:    grant.RevokedBy,
		RevokeReason: grant.RevokeReason,
	}
}

func (s *Server) CreateGrant(c *gin.Context) {
	var req createGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body could not be parsed"))
		return
	}

	projectID, err := snowflake.ParseString(strings.TrimSpace(req.ProjectID))
	if err != nil {
		AbortWithError(c, newValidationError("project_id", "invalid", "project_id is not a valid id"))
		return
	}

	grant, err := s.grantSvc.Grant(c.Request.Context(), grantdomain.GrantRequest{
		ProjectID:   projectID,
		UserID:      strings.TrimSpace(req.UserID),
		FeatureCode: strings.TrimSpace(req.FeatureCode),
		ValidFrom:   req.ValidFrom,
		ValidTo:     req.ValidTo,
		Reason:      strings.TrimSpace(req.Reason),
		GrantedBy:   strings.TrimSpace(req.GrantedBy),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toGrantResponse(grant))
}

func (s *Server) RevokeGrant(c *gin.Context) {
	grantID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid", "grant id is not a valid id"))
		return
	}

	var req revokeGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body could not be parsed"))
		return
	}

	grant, err := s.grantSvc.Revoke(c.Request.Context(), grantdomain.RevokeRequest{
		GrantID:   grantID,
		Reason:    strings.TrimSpace(req.Reason),
		RevokedBy: strings.TrimSpace(req.RevokedBy),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toGrantResponse(grant))
}
