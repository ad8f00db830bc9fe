package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
)

type recomputeSummaryRequest struct {
	EventType   string     `json:"event_type" binding:"required"`
	BucketStart *time.Time `json:"bucket_start" binding:"required"`
}

func (s *Server) ListSummaries(c *gin.Context) {
	var query periodQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	p, err := s.resolvePeriod(query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	tenantID := tenantFromContext(c)
	summaries, err := s.summarySvc.ListForPeriod(ctx, tenantID, p)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	totals, err := s.summarySvc.PeriodTotals(ctx, nil, tenantID, p)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"period": p,
		"data":   summaries,
		"totals": totals,
	})
}

func (s *Server) GetSummary(c *gin.Context) {
	bucketStart, err := time.Parse(time.RFC3339, strings.TrimSpace(c.Param("bucket_start")))
	if err != nil {
		AbortWithError(c, newValidationError("bucket_start", "invalid_bucket_start", "invalid bucket_start"))
		return
	}

	summary, err := s.summarySvc.Get(c.Request.Context(), tenantFromContext(c), strings.TrimSpace(c.Param("event_type")), bucketStart)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// RecomputeSummary rebuilds one bucket from the raw events on operator request.
func (s *Server) RecomputeSummary(c *gin.Context) {
	var req recomputeSummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	summary, err := s.summarySvc.RecomputeWithRetry(c.Request.Context(), aggregationdomain.RecomputeRequest{
		TenantID:    tenantFromContext(c),
		EventType:   strings.TrimSpace(req.EventType),
		BucketStart: req.BucketStart.UTC(),
		Trigger:     aggregationdomain.TriggerManual,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}
