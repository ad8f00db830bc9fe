package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultScanPageSize = 500

type repo struct {
	db *gorm.DB
}

// Provide returns the authoritative event store backed by the primary database.
func Provide(db *gorm.DB) usagedomain.EventStore {
	return &repo{db: db}
}

var Module = fx.Module("usage.repository",
	fx.Provide(Provide),
)

// Accept inserts the event unless (tenant_id, idempotency_key) already exists.
// Uniqueness is enforced by the database, so concurrent retries of the same
// event settle on exactly one row.
func (r *repo) Accept(ctx context.Context, event usagedomain.UsageEvent) (usagedomain.AcceptResult, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&event)
	if res.Error != nil {
		return usagedomain.AcceptResult{}, res.Error
	}
	if res.RowsAffected == 1 {
		return usagedomain.AcceptResult{Outcome: usagedomain.OutcomeInserted, Event: event}, nil
	}

	var existing usagedomain.UsageEvent
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", event.TenantID, event.IdempotencyKey).
		First(&existing).Error
	if err != nil {
		return usagedomain.AcceptResult{}, err
	}
	return usagedomain.AcceptResult{
		Outcome:         usagedomain.OutcomeDuplicateIgnored,
		Event:           existing,
		PayloadMismatch: !existing.SamePayload(event),
	}, nil
}

func (r *repo) EventsInRange(q usagedomain.RangeQuery) usagedomain.EventIterator {
	if q.PageSize <= 0 {
		q.PageSize = defaultScanPageSize
	}
	return &rangeIterator{db: r.db, q: q, cursor: q.After}
}

func (r *repo) Totals(ctx context.Context, q usagedomain.TotalsQuery) ([]usagedomain.Total, error) {
	stmt := r.db.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Select("tenant_id, event_type, COUNT(*) AS count, COALESCE(SUM(quantity), 0) AS quantity").
		Where("occurred_at >= ? AND occurred_at < ?", q.Start, q.End)
	if tenantID := strings.TrimSpace(q.TenantID); tenantID != "" {
		stmt = stmt.Where("tenant_id = ?", tenantID)
	}
	if eventType := strings.TrimSpace(q.EventType); eventType != "" {
		stmt = stmt.Where("event_type = ?", eventType)
	}
	if q.ReplicatedOnly {
		stmt = stmt.Where("replicated_at IS NOT NULL")
	}

	var rows []usagedomain.Total
	err := stmt.Group("tenant_id, event_type").
		Order("tenant_id ASC, event_type ASC").
		Scan(&rows).Error
	return rows, err
}

func (r *repo) Get(ctx context.Context, tenantID string, id snowflake.ID) (*usagedomain.UsageEvent, error) {
	var event usagedomain.UsageEvent
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, usagedomain.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repo) List(ctx context.Context, req usagedomain.ListEventsRequest) (usagedomain.ListEventsResponse, error) {
	limit := req.Limit()
	stmt := r.db.WithContext(ctx).Where("tenant_id = ?", req.TenantID)
	if eventType := strings.TrimSpace(req.EventType); eventType != "" {
		stmt = stmt.Where("event_type = ?", eventType)
	}
	if !req.Start.IsZero() {
		stmt = stmt.Where("occurred_at >= ?", req.Start)
	}
	if !req.End.IsZero() {
		stmt = stmt.Where("occurred_at < ?", req.End)
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		after, err := decodeCursor(token)
		if err != nil {
			return usagedomain.ListEventsResponse{}, err
		}
		stmt = afterCursor(stmt, after)
	}

	var rows []usagedomain.UsageEvent
	if err := stmt.Order("occurred_at ASC, id ASC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return usagedomain.ListEventsResponse{}, err
	}

	rows, info := pagination.Trim(rows, limit, func(e usagedomain.UsageEvent) pagination.Cursor {
		return pagination.Cursor{ID: e.ID.String(), At: e.OccurredAt.UTC().Format(time.RFC3339Nano)}
	})
	return usagedomain.ListEventsResponse{PageInfo: info, Events: rows}, nil
}

// PurgeExpired deletes events that have left the retention window. Only rows
// already copied downstream and covered by a period seal qualify, so open
// buckets never lose source events. Late arrivals still waiting for their
// adjustment are kept.
func (r *repo) PurgeExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultScanPageSize
	}
	candidates := r.db.
		Model(&usagedomain.UsageEvent{}).
		Select("usage_events.id").
		Where("usage_events.occurred_at < ?", cutoff).
		Where("usage_events.replicated_at IS NOT NULL").
		Where(`EXISTS (SELECT 1 FROM period_seals s
			WHERE s.tenant_id = usage_events.tenant_id
			AND s.period_start <= usage_events.occurred_at
			AND usage_events.occurred_at < s.period_end)`).
		Where(`NOT EXISTS (SELECT 1 FROM late_arrivals l
			WHERE l.event_id = usage_events.id AND l.deferred_at IS NULL)`).
		Order("usage_events.id ASC").
		Limit(limit)

	res := r.db.WithContext(ctx).
		Where("id IN (?)", candidates).
		Delete(&usagedomain.UsageEvent{})
	return res.RowsAffected, res.Error
}

func decodeCursor(token string) (usagedomain.Cursor, error) {
	c, err := pagination.DecodeCursor(token)
	if err != nil {
		return usagedomain.Cursor{}, err
	}
	id, err := snowflake.ParseString(c.ID)
	if err != nil {
		return usagedomain.Cursor{}, pagination.ErrInvalidPageToken
	}
	at, err := time.Parse(time.RFC3339Nano, c.At)
	if err != nil {
		return usagedomain.Cursor{}, pagination.ErrInvalidPageToken
	}
	return usagedomain.Cursor{OccurredAt: at.UTC(), ID: id}, nil
}

func afterCursor(stmt *gorm.DB, c usagedomain.Cursor) *gorm.DB {
	return stmt.Where("(occurred_at > ? OR (occurred_at = ? AND id > ?))", c.OccurredAt, c.OccurredAt, c.ID)
}
