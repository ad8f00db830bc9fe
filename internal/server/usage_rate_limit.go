package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterflow/internal/observability/logger"
	"github.com/smallbiznis/meterflow/internal/ratelimit"
	"go.uber.org/zap"
)

// chargeIngest reserves one token per event for the caller's tenant. It writes
// the 429 or 503 response itself and returns false when the request must stop.
func (s *Server) chargeIngest(c *gin.Context, events int) bool {
	c.Set(logger.IngestEventsKey, events)
	if !s.usageLimiter.Enabled() {
		return true
	}
	tenantID := tenantFromContext(c)
	if tenantID == "" {
		AbortWithError(c, ErrUnauthorized)
		return false
	}

	ctx := c.Request.Context()
	endpoint := rateLimitEndpoint(c)
	decision, err := s.usageLimiter.Reserve(ctx, tenantID, events)
	if err != nil {
		logger.FromContext(ctx).Warn("usage ingest rate limit check failed", zap.Error(err))
		AbortWithError(c, ErrServiceUnavailable)
		return false
	}
	if !decision.Allowed {
		logger.FromContext(ctx).Warn("usage ingest rate limit exceeded",
			zap.String("reason", decision.Reason),
			zap.String("endpoint", endpoint),
			zap.Int("events", events),
		)
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRateLimitDenied(ctx, tenantID, endpoint, decision.Reason)
		}
		c.Header("Retry-After", retryAfterSeconds(decision))
		c.Header("X-Rate-Limited-Reason", decision.Reason)
		AbortWithError(c, ErrRateLimited)
		return false
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordRateLimitAllowed(ctx, tenantID, endpoint)
	}
	c.Header("X-RateLimit-Remaining", strconv.Itoa(int(math.Floor(decision.Remaining))))
	return true
}

func retryAfterSeconds(d ratelimit.IngestDecision) string {
	if d.RetryAfter <= 0 {
		return "1"
	}
	return strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds())))
}

func rateLimitEndpoint(c *gin.Context) string {
	if endpoint := strings.TrimSpace(c.FullPath()); endpoint != "" {
		return endpoint
	}
	if c.Request != nil && c.Request.URL != nil && c.Request.URL.Path != "" {
		return c.Request.URL.Path
	}
	return "unknown"
}
