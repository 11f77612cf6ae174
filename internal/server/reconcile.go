package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type reconcileRequest struct {
	LookbackDays int `json:"lookback_days"`
}

// RunReconciliation triggers a synchronous sweep. It may run long; the
// admin caller gets the full summary back.
func (s *Server) RunReconciliation(c *gin.Context) {
	var req reconcileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, newValidationError("body", "invalid_json", "request body could not be parsed"))
			return
		}
	}

	summary, err := s.reconciler.Run(c.Request.Context(), req.LookbackDays)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}
