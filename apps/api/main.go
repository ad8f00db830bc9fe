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
	"github.com/smallbiznis/meterflow/internal/observability"
	"github.com/smallbiznis/meterflow/internal/opssignal"
	"github.com/smallbiznis/meterflow/internal/ratelimit"
	"github.com/smallbiznis/meterflow/internal/reconciliation"
	"github.com/smallbiznis/meterflow/internal/server"
	"github.com/smallbiznis/meterflow/internal/usage"
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

		// Ingest and the operator API. Late events still recompute inline,
		// so the aggregation and watermark services run here too.
		catalogservice.Module,
		usage.Module,
		aggregation.Module,
		watermark.Module,
		downstream.Module,
		reconciliation.Module,
		ledger.Module,
		invoice.Module,

		audit.Module,
		authorization.Module,
		apikey.Module,
		ratelimit.Module,
		opssignal.Module,

		// No scheduler module!
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
