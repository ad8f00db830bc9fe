package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	catalogdomain "github.com/smallbiznis/meterflow/internal/catalog/domain"
)

type upsertEventTypeRequest struct {
	Unit      string `json:"unit"`
	UnitPrice string `json:"unit_price" binding:"required"`
	Currency  string `json:"currency" binding:"required,len=3"`
	Active    *bool  `json:"active"`
}

func (s *Server) ListEventTypes(c *gin.Context) {
	items, err := s.catalogSvc.List(c.Request.Context(), tenantFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

// UpsertEventType registers or reprices an event type. Prices apply to drafts
// on their next refresh; finalized invoices keep their own prices.
func (s *Server) UpsertEventType(c *gin.Context) {
	eventType := strings.TrimSpace(c.Param("event_type"))
	if eventType == "" {
		AbortWithError(c, newValidationError("event_type", "required", "event_type is required"))
		return
	}

	var req upsertEventTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	item, err := s.catalogSvc.Upsert(c.Request.Context(), catalogdomain.UpsertRequest{
		TenantID:  tenantFromContext(c),
		EventType: eventType,
		Unit:      strings.TrimSpace(req.Unit),
		UnitPrice: strings.TrimSpace(req.UnitPrice),
		Currency:  strings.TrimSpace(req.Currency),
		Active:    req.Active,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}
