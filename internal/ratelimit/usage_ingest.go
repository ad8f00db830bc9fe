package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterflow/internal/config"
	"go.uber.org/zap"
)

const keyUsageIngestTenant = "meterflow:ratelimit:ingest:%s"

const (
	ReasonTenantRate     = "tenant-rate"
	ReasonBatchOverBurst = "batch-over-burst"
)

// UsageIngestLimiter meters ingestion per tenant in events, not requests, so a
// batch of n events costs n tokens. A nil limiter allows everything.
type UsageIngestLimiter struct {
	bucket   *TokenBucket
	rate     float64
	burst    int
	failOpen bool
	log      *zap.Logger
}

// IngestDecision reports whether a tenant may ingest a number of events.
type IngestDecision struct {
	Decision
	Reason string
}

func NewUsageIngestLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *UsageIngestLimiter {
	limits := cfg.RateLimit
	if !limits.Enabled {
		return nil
	}
	log = log.Named("ratelimit")
	if client == nil {
		log.Warn("rate limiting enabled without redis, ingest is not throttled")
		return nil
	}

	rate, burst := ingestBucket(limits)
	if rate <= 0 || burst <= 0 {
		log.Warn("invalid ingest rate limit, ingest is not throttled",
			zap.Int("events_per_window", limits.UsageIngest),
			zap.Int("burst", burst),
		)
		return nil
	}

	return &UsageIngestLimiter{
		bucket:   NewTokenBucket(client),
		rate:     rate,
		burst:    burst,
		failOpen: limits.FailOpen,
		log:      log,
	}
}

// ingestBucket converts events per window into a per-second refill rate.
func ingestBucket(limits config.RateLimitConfig) (float64, int) {
	window := limits.WindowSeconds
	if window <= 0 {
		window = 1
	}
	burst := limits.UsageBurst
	if burst <= 0 {
		burst = limits.UsageIngest
	}
	return float64(limits.UsageIngest) / float64(window), burst
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil
}

// Reserve takes one token per event for the tenant. A batch larger than the
// burst can never fit and is refused outright. When redis fails the limiter
// follows its fail-open setting.
func (l *UsageIngestLimiter) Reserve(ctx context.Context, tenantID string, events int) (IngestDecision, error) {
	if !l.Enabled() || events <= 0 {
		return IngestDecision{Decision: Decision{Allowed: true, Cost: events}}, nil
	}
	if events > l.burst {
		return IngestDecision{
			Decision: Decision{Cost: events, Burst: l.burst},
			Reason:   ReasonBatchOverBurst,
		}, nil
	}

	key := fmt.Sprintf(keyUsageIngestTenant, strings.TrimSpace(tenantID))
	d, err := l.bucket.Take(ctx, key, l.rate, l.burst, events)
	if err != nil {
		l.log.Warn("rate limit check failed",
			zap.String("tenant_id", tenantID),
			zap.Int("events", events),
			zap.Error(err),
		)
		if l.failOpen {
			return IngestDecision{Decision: Decision{Allowed: true, Cost: events, Burst: l.burst}}, nil
		}
		return IngestDecision{}, err
	}
	out := IngestDecision{Decision: d}
	if !d.Allowed {
		out.Reason = ReasonTenantRate
	}
	return out, nil
}
