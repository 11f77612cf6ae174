package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const headerStripeSignature = "Stripe-Signature"

// HandleStripeWebhook accepts the provider's signed delivery. 200 means
// processed or permanently failed and acknowledged; 4xx rejects the
// payload; 5xx asks the provider to retry.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, newValidationError("body", "unreadable", "could not read request body"))
		return
	}

	if err := s.pipeline.Process(c.Request.Context(), payload, c.GetHeader(headerStripeSignature)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
