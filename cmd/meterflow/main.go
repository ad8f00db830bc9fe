package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/aggregation"
	"github.com/smallbiznis/meterflow/internal/apikey"
	"github.com/smallbiznis/meterflow/internal/audit"
	"github.com/smallbiznis/meterflow/internal/authorization"
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
	"github.com/smallbiznis/meterflow/internal/ratelimit"
	"github.com/smallbiznis/meterflow/internal/reconciliation"
	"github.com/smallbiznis/meterflow/internal/scheduler"
	"github.com/smallbiznis/meterflow/internal/server"
	"github.com/smallbiznis/meterflow/internal/usage"
	"github.com/smallbiznis/meterflow/internal/usage/replication"
	"github.com/smallbiznis/meterflow/internal/watermark"
	"github.com/smallbiznis/meterflow/pkg/db"
	"go.uber.org/fx"
)

// meterflow runs ingest, the operator API and the pipeline scheduler in one
// process. apps/api and apps/scheduler split the same modules for scaling.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		migration.Module,

		// Pipeline
		catalogservice.Module,
		usage.Module,
		aggregation.Module,
		watermark.Module,
		downstream.Module,
		replication.Module,
		reconciliation.Module,
		ledger.Module,
		invoice.Module,

		// Access and operations
		audit.Module,
		authorization.Module,
		apikey.Module,
		ratelimit.Module,
		opssignal.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
