package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
)

type runReconciliationRequest struct {
	Level     string     `json:"level" binding:"required"`
	EventType string     `json:"event_type"`
	Start     *time.Time `json:"start"`
	End       *time.Time `json:"end"`
	At        *time.Time `json:"at"`
}

type listReconciliationRunsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	Level     string `form:"level"`
	Status    string `form:"status"`
}

// RunReconciliation compares the tenant's raw events with every downstream
// copy for a window. Drift is reported in the body, not as an error.
func (s *Server) RunReconciliation(c *gin.Context) {
	var req runReconciliationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	level := reconciliationdomain.Level(strings.ToLower(strings.TrimSpace(req.Level)))
	if !level.Valid() {
		AbortWithError(c, newValidationError("level", "invalid_level", "level must be count, sum or full"))
		return
	}
	p, err := s.periodFrom(req.Start, req.End, req.At)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.reconciliationSvc.Reconcile(c.Request.Context(), reconciliationdomain.Scope{
		Level:     level,
		TenantID:  tenantFromContext(c),
		EventType: strings.TrimSpace(req.EventType),
		Period:    p,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ListReconciliationRuns(c *gin.Context) {
	var query listReconciliationRunsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	level := reconciliationdomain.Level(strings.ToLower(strings.TrimSpace(query.Level)))
	if level != "" && !level.Valid() {
		AbortWithError(c, newValidationError("level", "invalid_level", "invalid level"))
		return
	}
	status := reconciliationdomain.Status(strings.ToLower(strings.TrimSpace(query.Status)))
	switch status {
	case "", reconciliationdomain.StatusMatch, reconciliationdomain.StatusDrift:
	default:
		AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
		return
	}

	resp, err := s.reconciliationSvc.ListRuns(c.Request.Context(), reconciliationdomain.ListRunsRequest{
		TenantID: tenantFromContext(c),
		Level:    level,
		Status:   status,
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Runs,
		"page_info": resp.PageInfo,
	})
}
