package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	watermarkdomain "github.com/smallbiznis/meterflow/internal/watermark/domain"
)

type listWatermarksQuery struct {
	EventType string `form:"event_type"`
	State     string `form:"state"`
	Start     string `form:"start"`
	End       string `form:"end"`
	Limit     int    `form:"limit"`
}

func (s *Server) ListWatermarks(c *gin.Context) {
	var query listWatermarksQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	state := watermarkdomain.State(strings.ToLower(strings.TrimSpace(query.State)))
	switch state {
	case "", watermarkdomain.StateOpen, watermarkdomain.StateClosing, watermarkdomain.StateClosed, watermarkdomain.StateReopened:
	default:
		AbortWithError(c, newValidationError("state", "invalid_state", "invalid state"))
		return
	}
	start, end, err := timeRange("start", query.Start, "end", query.End)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	rows, err := s.watermarkSvc.List(c.Request.Context(), watermarkdomain.ListRequest{
		TenantID:  tenantFromContext(c),
		EventType: strings.TrimSpace(query.EventType),
		State:     state,
		Start:     timeOrZero(start),
		End:       timeOrZero(end),
		Limit:     query.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rows})
}

// GetPeriodStatus reports whether a billing period is ready to finalize.
func (s *Server) GetPeriodStatus(c *gin.Context) {
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
	status, err := s.watermarkSvc.PeriodStatus(ctx, nil, tenantID, p)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	seal, err := s.watermarkSvc.Seal(ctx, tenantID, p.Start)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"period": p,
		"status": status,
		"ready":  status.Ready(),
		"seal":   seal,
	})
}
