package server

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID := c.GetString(contextAPIKeyIDKey)
		tenantID := tenantFromContext(c)
		if keyID == "" || tenantID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), "api_key:"+keyID, tenantID, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
