package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
)

type ingestBatchRequest struct {
	Events []usagedomain.IngestRequest `json:"events"`
}

type listUsageEventsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	EventType string `form:"event_type"`
	Start     string `form:"start"`
	End       string `form:"end"`
}

func (s *Server) IngestUsage(c *gin.Context) {
	var req usagedomain.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	s.defaultTenant(c, &req)
	if !s.chargeIngest(c, 1) {
		return
	}
	if eventType := strings.TrimSpace(req.EventType); eventType != "" {
		c.Set("event_type", eventType)
	}

	result, err := s.usageSvc.Ingest(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Outcome == usagedomain.OutcomeDuplicateIgnored {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// IngestUsageBatch accepts events independently; one bad event does not fail the batch.
func (s *Server) IngestUsageBatch(c *gin.Context) {
	var req ingestBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(req.Events) == 0 {
		AbortWithError(c, newValidationError("events", "required", "events is required"))
		return
	}
	for i := range req.Events {
		s.defaultTenant(c, &req.Events[i])
	}
	if !s.chargeIngest(c, len(req.Events)) {
		return
	}

	results, err := s.usageSvc.IngestBatch(c.Request.Context(), req.Events)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) ListUsageEvents(c *gin.Context) {
	var query listUsageEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	start, end, err := timeRange("start", query.Start, "end", query.End)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.usageSvc.List(c.Request.Context(), usagedomain.ListEventsRequest{
		TenantID:  tenantFromContext(c),
		EventType: strings.TrimSpace(query.EventType),
		Start:     timeOrZero(start),
		End:       timeOrZero(end),
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
		"data":      resp.Events,
		"page_info": resp.PageInfo,
	})
}

// defaultTenant fills a missing tenant_id from the API key. A different
// tenant is left in place so the ingest path rejects it.
func (s *Server) defaultTenant(c *gin.Context, req *usagedomain.IngestRequest) {
	if strings.TrimSpace(req.TenantID) == "" {
		req.TenantID = tenantFromContext(c)
	}
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
