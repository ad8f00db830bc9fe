package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterflow/internal/cache"
	"github.com/smallbiznis/meterflow/internal/catalog/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	lookupTTL       = 30 * time.Second
	lookupCacheSize = 4096
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	cache *cache.TTLCache[string, lookupEntry]
}

type lookupEntry struct {
	eventType *domain.EventType
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("catalog.service"),
		clock: p.Clock,
		cache: cache.NewTTLCache[string, lookupEntry](lookupCacheSize, lookupTTL),
	}
}

var Module = fx.Module("catalog.service",
	fx.Provide(
		NewService,
		func(s *Service) domain.Service { return s },
	),
)

// Lookup resolves an event type. Misses are cached as well as hits so a flood
// of unknown types does not reach the database.
func (s *Service) Lookup(ctx context.Context, tenantID, eventType string) (*domain.EventType, error) {
	key := cache.Key(tenantID, eventType)
	if entry, ok := s.cache.Get(key); ok {
		if entry.eventType == nil {
			return nil, domain.ErrEventTypeNotFound
		}
		return entry.eventType, nil
	}

	var row domain.EventType
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND event_type = ?", strings.TrimSpace(tenantID), strings.TrimSpace(eventType)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.cache.Set(key, lookupEntry{})
		return nil, domain.ErrEventTypeNotFound
	}
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, lookupEntry{eventType: &row})
	return &row, nil
}

func (s *Service) IsAllowed(ctx context.Context, tenantID, eventType string) (bool, error) {
	row, err := s.Lookup(ctx, tenantID, eventType)
	if errors.Is(err, domain.ErrEventTypeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.Active, nil
}

func (s *Service) Upsert(ctx context.Context, req domain.UpsertRequest) (*domain.EventType, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(req.UnitPrice))
	if err != nil || price.IsNegative() {
		return nil, domain.ErrInvalidUnitPrice
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, domain.ErrInvalidCurrency
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.clock.Now()
	row := domain.EventType{
		TenantID:  strings.TrimSpace(req.TenantID),
		Code:      strings.TrimSpace(req.EventType),
		Unit:      strings.TrimSpace(req.Unit),
		UnitPrice: price,
		Currency:  currency,
		Active:    active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "event_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"unit", "unit_price", "currency", "active", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, err
	}
	s.cache.Delete(cache.Key(row.TenantID, row.Code))
	s.log.Info("event type upserted",
		zap.String("tenant_id", row.TenantID),
		zap.String("event_type", row.Code),
		zap.Bool("active", row.Active),
	)
	return &row, nil
}

func (s *Service) List(ctx context.Context, tenantID string) ([]domain.EventType, error) {
	var rows []domain.EventType
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Order("event_type ASC").
		Find(&rows).Error
	return rows, err
}

func (s *Service) ActiveTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := s.db.WithContext(ctx).
		Model(&domain.EventType{}).
		Where("active = ?", true).
		Distinct("tenant_id").
		Order("tenant_id ASC").
		Pluck("tenant_id", &tenants).Error
	return tenants, err
}
