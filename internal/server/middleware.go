package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const (
	headerAPIKey   = "X-API-Key"
	headerAdminKey = "X-Admin-Key"

	contextProjectIDKey = "project_id"
)

// APIKeyRequired authenticates entitlement reads. The project is derived
// solely from the app record the hashed key resolves to; clients never
// name a project themselves.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(headerAPIKey))
		if key == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		sum := sha256.Sum256([]byte(key))
		hash := hex.EncodeToString(sum[:])

		app, err := s.projectRepo.FindAppByKeyHash(c.Request.Context(), s.db, hash)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if app == nil || !app.Active {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		project, err := s.projectRepo.FindByID(c.Request.Context(), s.db, app.ProjectID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if project == nil || !project.Active {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextProjectIDKey, project.ID)
		c.Next()
	}
}

// AdminRequired guards the admin surface with the static admin key. An
// empty configured key disables the surface entirely.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		configured := s.cfg.AdminAPIKey
		if configured == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		provided := strings.TrimSpace(c.GetHeader(headerAdminKey))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func projectIDFromContext(c *gin.Context) (snowflake.ID, bool) {
	value, ok := c.Get(contextProjectIDKey)
	if !ok {
		return 0, false
	}
	id, ok := value.(snowflake.ID)
	return id, ok
}
