package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/meterflow/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert appends an entry. Audit rows are never updated.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

// List returns the tenant's newest entries first, one row past Limit so the
// caller can tell whether another page exists.
func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.AuditLog, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.AuditLog{}).
		Scopes(matching(filter), createdWithin(filter), before(filter.Cursor)).
		Order("created_at DESC, id DESC")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var logs []domain.AuditLog
	if err := stmt.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func matching(f domain.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = db.Where("tenant_id = ?", f.TenantID)
		for _, eq := range [][2]string{
			{"action", f.Action},
			{"actor_type", f.ActorType},
			{"target_type", f.TargetType},
			{"target_id", f.TargetID},
		} {
			if value := strings.TrimSpace(eq[1]); value != "" {
				db = db.Where(eq[0]+" = ?", value)
			}
		}
		return db
	}
}

func createdWithin(f domain.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.StartAt != nil {
			db = db.Where("created_at >= ?", f.StartAt.UTC())
		}
		if f.EndAt != nil {
			db = db.Where("created_at <= ?", f.EndAt.UTC())
		}
		return db
	}
}

func before(c *domain.AuditCursor) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if c == nil {
			return db
		}
		return db.Where("created_at < ? OR (created_at = ? AND id < ?)", c.CreatedAt, c.CreatedAt, c.ID)
	}
}
