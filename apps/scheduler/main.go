package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/aggregation"
	"github.com/smallbiznis/meterflow/internal/audit"
	catalogservice "github.com/smallbiznis/meterflow/internal/catalog/service"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/downstream"
	"github.com/smallbiznis/meterflow/internal/invoice"
	"github.com/smallbiznis/meterflow/internal/ledger"
	"github.com/smallbiznis/meterflow/internal/lock"
	"github.com/smallbiznis/meterflow/internal/migration"
	"github.com/smallbiznis/meterflow/internal/observability"
	"github.com/smallbiznis/meterflow/internal/opssignal"
	"github.com/smallbiznis/meterflow/internal/reconciliation"
	"github.com/smallbiznis/meterflow/internal/scheduler"
	"github.com/smallbiznis/meterflow/internal/usage"
	"github.com/smallbiznis/meterflow/internal/usage/replication"
	"github.com/smallbiznis/meterflow/internal/watermark"
	"github.com/smallbiznis/meterflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		migration.Module,

		// Domain services required by scheduler
		catalogservice.Module,
		usage.Module,
		aggregation.Module,
		watermark.Module,
		downstream.Module,
		replication.Module,
		reconciliation.Module,
		ledger.Module,
		invoice.Module,
		audit.Module,
		opssignal.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
