package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	grantdomain "github.com/smallbiznis/entitled/internal/grant/domain"
	projectdomain "github.com/smallbiznis/entitled/internal/project/domain"
	"github.com/smallbiznis/entitled/internal/stripe"
	"github.com/smallbiznis/entitled/internal/webhook"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal_error")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var validation *ValidationErrors
	if errors.As(err, &validation) {
		return validation
	}
	return nil
}

func mapError(err error) (int, errorPayload) {
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case errors.Is(err, stripe.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "webhook signature verification failed",
		}
	case errors.Is(err, webhook.ErrInvalidPayload):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_payload",
			Message: "event payload could not be parsed",
		}
	case errors.Is(err, grantdomain.ErrInvalidGrant):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "invalid grant request",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, grantdomain.ErrGrantNotFound),
		errors.Is(err, projectdomain.ErrProjectNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, grantdomain.ErrGrantConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "an active grant already exists for this feature",
		}
	case errors.Is(err, grantdomain.ErrGrantAlreadyRevoked):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "grant is already revoked",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
