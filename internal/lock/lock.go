// Package lock provides short-lived leases and database advisory locks.
package lock

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrEmptyKey   = errors.New("lock_key_empty")
	ErrInvalidTTL = errors.New("lock_ttl_invalid")
)

// Lease is a held lock. Release is safe to call after expiry.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker grants a lease for key if nobody else holds it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}

var Module = fx.Module("lock",
	fx.Provide(
		NewRedisClient,
		NewLocker,
	),
)

// NewRedisClient returns nil when no redis address is configured.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	if !cfg.Redis.Enabled() {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return client.Close() }})
	return client
}

// NewLocker picks the redis locker when a client exists, otherwise an in-process one.
// The in-process locker only coordinates a single replica; the database gates behind it
// still hold across replicas.
func NewLocker(client *redis.Client, log *zap.Logger) Locker {
	if client == nil {
		log.Named("lock").Warn("redis not configured, using in-process locker")
		return NewLocalLocker()
	}
	return NewRedisLocker(client)
}

// TryAdvisoryXactLock takes a transaction-scoped advisory lock on PostgreSQL.
// Other dialects report success; they rely on row locks and conditional updates.
func TryAdvisoryXactLock(tx *gorm.DB, key string) (bool, error) {
	if err := validate(key, time.Second); err != nil {
		return false, err
	}
	if !db.IsPostgres(tx) {
		return true, nil
	}
	var acquired bool
	if err := tx.Raw(`SELECT pg_try_advisory_xact_lock(?)`, AdvisoryKey(key)).Scan(&acquired).Error; err != nil {
		return false, err
	}
	return acquired, nil
}

// AdvisoryKey hashes a lock name into the int64 space used by pg advisory locks.
func AdvisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

func validate(key string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// AdvisoryXactLockShared waits for a shared transaction-scoped advisory lock on
// PostgreSQL. Holders of the shared lock exclude TryAdvisoryXactLock on the same
// key until their transaction ends. A no-op on other dialects.
func AdvisoryXactLockShared(tx *gorm.DB, key string) error {
	if err := validate(key, time.Second); err != nil {
		return err
	}
	if !db.IsPostgres(tx) {
		return nil
	}
	return tx.Exec(`SELECT pg_advisory_xact_lock_shared(?)`, AdvisoryKey(key)).Error
}

// PeriodKey names the lock guarding a tenant's billing period.
func PeriodKey(tenantID string, periodStart time.Time) string {
	return "period:" + strings.TrimSpace(tenantID) + ":" + periodStart.UTC().Format(time.RFC3339)
}
