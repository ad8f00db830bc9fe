// Package analytics keeps a denormalized copy of accepted events in a
// warehouse database for reporting queries.
package analytics

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 200

// Event is one warehouse row. The ID matches the authoritative event ID.
type Event struct {
	ID             snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	TenantID       string       `gorm:"size:128;not null;index:ix_analytics_usage_range,priority:1"`
	EventType      string       `gorm:"size:128;not null;index:ix_analytics_usage_range,priority:2"`
	Quantity       int64        `gorm:"not null"`
	Unit           string       `gorm:"size:64"`
	IdempotencyKey string       `gorm:"size:255;not null"`
	OccurredAt     time.Time    `gorm:"not null;index:ix_analytics_usage_range,priority:3"`
	ReceivedAt     time.Time    `gorm:"not null"`
	Source         string       `gorm:"size:128"`
	Metadata       datatypes.JSONMap
	LoadedAt       time.Time `gorm:"not null"`
}

func (Event) TableName() string { return "analytics_usage_events" }

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log.Named("analytics")}
}

func (s *Store) Name() string { return "analytics" }

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Event{})
}

// Publish loads events; rows already present are left untouched.
func (s *Store) Publish(ctx context.Context, events []usagedomain.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]Event, 0, len(events))
	for _, ev := range events {
		rows = append(rows, Event{
			ID:             ev.ID,
			TenantID:       ev.TenantID,
			EventType:      ev.EventType,
			Quantity:       ev.Quantity,
			Unit:           ev.Unit,
			IdempotencyKey: ev.IdempotencyKey,
			OccurredAt:     ev.OccurredAt.UTC(),
			ReceivedAt:     ev.ReceivedAt.UTC(),
			Source:         ev.Source,
			Metadata:       ev.Metadata,
			LoadedAt:       now,
		})
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		CreateInBatches(&rows, insertBatchSize)
	if res.Error != nil {
		return res.Error
	}
	s.log.Debug("loaded events", zap.Int("count", len(rows)), zap.Int64("inserted", res.RowsAffected))
	return nil
}

func (s *Store) Totals(ctx context.Context, q usagedomain.TotalsQuery) ([]usagedomain.Total, error) {
	stmt := s.db.WithContext(ctx).Model(&Event{}).
		Select("tenant_id, event_type, COUNT(*) AS count, COALESCE(SUM(quantity), 0) AS quantity")
	if q.TenantID != "" {
		stmt = stmt.Where("tenant_id = ?", q.TenantID)
	}
	if q.EventType != "" {
		stmt = stmt.Where("event_type = ?", q.EventType)
	}
	if !q.Start.IsZero() {
		stmt = stmt.Where("occurred_at >= ?", q.Start.UTC())
	}
	if !q.End.IsZero() {
		stmt = stmt.Where("occurred_at < ?", q.End.UTC())
	}

	var totals []usagedomain.Total
	if err := stmt.Group("tenant_id, event_type").Order("tenant_id, event_type").Scan(&totals).Error; err != nil {
		return nil, err
	}
	return totals, nil
}
