package db

import (
	"database/sql"
	"time"

	"github.com/smallbiznis/meterflow/internal/config"
)

const (
	RolePrimary   = "primary"
	RoleAnalytics = "analytics"
)

// Config describes one connection. Role names it in logs and pool metrics.
type Config struct {
	Role     string
	Type     string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func PrimaryConfig(cfg config.Config) Config {
	return Config{
		Role:            RolePrimary,
		Type:            cfg.DBType,
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		Name:            cfg.DBName,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		SSLMode:         cfg.DBSSLMode,
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Second,
	}
}

// AnalyticsConfig keeps a small pool; only the replication worker and
// reconciliation read or write the warehouse.
func AnalyticsConfig(cfg config.Config) Config {
	a := cfg.Analytics
	return Config{
		Role:        RoleAnalytics,
		Type:        a.Type,
		Host:        a.Host,
		Port:        a.Port,
		Name:        a.Name,
		User:        a.User,
		Password:    a.Password,
		SSLMode:     a.SSLMode,
		MaxIdleConn: 2,
		MaxOpenConn: 10,
	}
}

func (c Config) applyPool(sqlDB *sql.DB) {
	if c.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdleConn)
	}
	if c.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpenConn)
	}
	if c.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(c.ConnMaxLifetime)
	}
	if c.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(c.ConnMaxIdleTime)
	}
}
