package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/meterflow/internal/authorization"
	"gorm.io/gorm"
)

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: JobReasonDeadlineExceeded},
		{name: "forbidden", err: authorization.ErrForbidden, want: JobReasonForbidden},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: JobReasonDBLockTimeout},
		{name: "serialization_failure", err: fmt.Errorf("finalize: %w", &pgconn.PgError{Code: "40001"}), want: JobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: JobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: JobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("serialization failures should be retryable")
	}
	if IsRetryable(errors.New("validation_error")) {
		t.Fatalf("business errors should not be retryable")
	}
}

func TestPipelineCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newPipelineMetrics(registry, Config{ServiceName: "meterflow", Environment: "test"})

	m.AddBatchProcessed("close_buckets", "bucket_watermarks", 3)
	m.IncBucketTransition("closed", "reopened", 1)
	m.IncFinalizeBlocked("buckets_not_closed")

	if got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("close_buckets", "bucket_watermarks")); got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.bucketTransitions.WithLabelValues("closed", "reopened")); got != 1 {
		t.Fatalf("expected 1 reopen transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.finalizeBlocked.WithLabelValues("buckets_not_closed")); got != 1 {
		t.Fatalf("expected 1 blocked finalize, got %v", got)
	}
}
