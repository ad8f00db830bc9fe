package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
)

const (
	contextTenantIDKey = "tenant_id"
	contextAPIKeyIDKey = "api_key_id"

	headerAPIKey = "X-API-Key"
)

// APIKeyRequired resolves the tenant from the presented key. Requests never
// choose their tenant; it comes from the api_keys row.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := presentedKey(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		// Malformed keys are refused without a lookup.
		if _, ok := apikeydomain.ParseKeyID(raw); !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		key, err := s.apiKeySvc.Authenticate(c.Request.Context(), raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := obscontext.WithTenantID(c.Request.Context(), key.TenantID)
		ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeAPIKey), key.KeyID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextTenantIDKey, key.TenantID)
		c.Set(contextAPIKeyIDKey, key.KeyID)
		c.Next()
	}
}

// presentedKey reads "Authorization: Bearer <key>" or, failing that, X-API-Key.
func presentedKey(c *gin.Context) (string, bool) {
	if header := strings.TrimSpace(c.GetHeader("Authorization")); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		token = strings.TrimSpace(token)
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	key := strings.TrimSpace(c.GetHeader(headerAPIKey))
	return key, key != ""
}

func tenantFromContext(c *gin.Context) string {
	return c.GetString(contextTenantIDKey)
}
