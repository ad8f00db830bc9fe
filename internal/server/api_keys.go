package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
)

type createAPIKeyRequest struct {
	Name  string   `json:"name" binding:"required,max=128"`
	Roles []string `json:"roles" binding:"omitempty,dive,required"`
}

func (s *Server) ListAPIKeys(c *gin.Context) {
	keys, err := s.apiKeySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": keys})
}

// CreateAPIKey mints a key in the caller's tenant. The plaintext secret is
// only ever returned by this call and by rotate.
func (s *Server) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	resp, err := s.apiKeySvc.Create(c.Request.Context(), apikeydomain.CreateRequest{
		Name:  strings.TrimSpace(req.Name),
		Roles: req.Roles,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// RotateAPIKey issues a successor key; the old one keeps working for the
// rotation grace period.
func (s *Server) RotateAPIKey(c *gin.Context) {
	keyID, err := keyIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.apiKeySvc.Rotate(c.Request.Context(), keyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) RevokeAPIKey(c *gin.Context) {
	keyID, err := keyIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.apiKeySvc.Revoke(c.Request.Context(), keyID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func keyIDParam(c *gin.Context) (string, error) {
	keyID := strings.TrimSpace(c.Param("key_id"))
	if !strings.HasPrefix(keyID, "key_") || len(keyID) == len("key_") {
		return "", newValidationError("key_id", "invalid_key_id", "invalid key_id")
	}
	return keyID, nil
}
